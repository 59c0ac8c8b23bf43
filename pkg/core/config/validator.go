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
	"errors"
	"fmt"
	"strings"
)

// Validate checks that the configuration is complete enough to start the
// deployer. It collects every problem instead of stopping at the first.
func (cfg *Config) Validate() error {
	var problems []string

	if cfg.General.LocalRepoPath == "" {
		problems = append(problems, "general.local_repo_path is required")
	}
	if cfg.Database.Connection == "" {
		problems = append(problems, "database.connection is required")
	}
	if cfg.General.APIPort < 1 || cfg.General.APIPort > 65535 {
		problems = append(problems, fmt.Sprintf("general.api_port %d out of range", cfg.General.APIPort))
	}
	if cfg.General.WebsocketPort < 1 || cfg.General.WebsocketPort > 65535 {
		problems = append(problems, fmt.Sprintf("general.websocket_port %d out of range", cfg.General.WebsocketPort))
	}
	if cfg.General.CheckReleasesFrequency < 0 {
		problems = append(problems, "general.check_releases_frequency must be positive")
	}
	if cfg.Inventory.Activate && cfg.Inventory.APIHost == "" {
		problems = append(problems, "inventory.api_host is required when inventory.activate is set")
	}
	for _, u := range cfg.Cluster.DeployersURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			problems = append(problems, fmt.Sprintf("cluster.deployers_urls entry %q is not an HTTP URL", u))
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
