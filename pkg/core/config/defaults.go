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

// Default values applied to unset options.
const (
	DefaultBeanstalkHost          = "127.0.0.1"
	DefaultBeanstalkPort          = 11300
	DefaultAPIPort                = 8080
	DefaultWebsocketPort          = 8765
	DefaultLogLevel               = "INFO"
	DefaultCarbonPort             = 2003
	DefaultCheckReleasesFrequency = 600
	DefaultInventoryFrequency     = 15
)

// setDefaults fills unset fields with their default values.
func setDefaults(cfg *Config) {
	if cfg.General.BeanstalkHost == "" {
		cfg.General.BeanstalkHost = DefaultBeanstalkHost
	}
	if cfg.General.BeanstalkPort == 0 {
		cfg.General.BeanstalkPort = DefaultBeanstalkPort
	}
	if cfg.General.APIPort == 0 {
		cfg.General.APIPort = DefaultAPIPort
	}
	if cfg.General.WebsocketPort == 0 {
		cfg.General.WebsocketPort = DefaultWebsocketPort
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = DefaultLogLevel
	}
	if cfg.General.CarbonPort == 0 {
		cfg.General.CarbonPort = DefaultCarbonPort
	}
	if cfg.General.CheckReleasesFrequency == 0 {
		cfg.General.CheckReleasesFrequency = DefaultCheckReleasesFrequency
	}
	if cfg.Inventory.UpdateFrequency == 0 {
		cfg.Inventory.UpdateFrequency = DefaultInventoryFrequency
	}
}
