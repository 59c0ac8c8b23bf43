// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Load reads and parses the INI configuration file at path, then applies
// default values. Callers should run Validate on the result.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return loadFromFile(file)
}

// LoadString parses INI configuration from a string. Primarily useful for
// tests.
func LoadString(content string) (*Config, error) {
	file, err := ini.Load([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return loadFromFile(file)
}

func loadFromFile(file *ini.File) (*Config, error) {
	var cfg Config
	if err := file.MapTo(&cfg); err != nil {
		return nil, fmt.Errorf("failed to map config sections: %w", err)
	}
	setDefaults(&cfg)
	return &cfg, nil
}
