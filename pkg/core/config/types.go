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

// Package config provides configuration loading and validation.
//
// The deployer is configured through an INI file with sections general,
// database, mail, cluster, integration and inventory.
package config

// Config is the root configuration structure.
type Config struct {
	General     General     `ini:"general"`
	Database    Database    `ini:"database"`
	Mail        Mail        `ini:"mail"`
	Cluster     Cluster     `ini:"cluster"`
	Integration Integration `ini:"integration"`
	Inventory   Inventory   `ini:"inventory"`
}

// General holds process-wide options.
type General struct {
	LocalRepoPath string `ini:"local_repo_path"`
	BeanstalkHost string `ini:"beanstalk_host"`
	BeanstalkPort int    `ini:"beanstalk_port"`
	APIPort       int    `ini:"api_port"`
	WebsocketPort int    `ini:"websocket_port"`
	LogLevel      string `ini:"log_level"`

	HAProxyUser string `ini:"haproxy_user"`
	HAProxyPass string `ini:"haproxy_pass"`

	// NotifyMails is CCed on every deployment mail.
	NotifyMails []string `ini:"notify_mails" delim:","`

	CarbonHost string `ini:"carbon_host"`
	CarbonPort int    `ini:"carbon_port"`

	CheckReleasesFrequency          int      `ini:"check_releases_frequency"`
	CheckReleasesIgnoreEnvironments []string `ini:"check_releases_ignore_environments" delim:","`
}

// Database holds the connection options.
type Database struct {
	// Connection is a Postgres URL.
	Connection string `ini:"connection"`
}

// Mail holds the SMTP relay options.
type Mail struct {
	MTA    string `ini:"mta"`
	Sender string `ini:"sender"`
}

// Cluster identifies this deployer instance among its peers.
type Cluster struct {
	// DeployersURLs lists every deployer of the cluster, this one included.
	DeployersURLs []string `ini:"deployers_urls" delim:","`

	ThisDeployerURL      string `ini:"this_deployer_url"`
	ThisDeployerUsername string `ini:"this_deployer_username"`
	ThisDeployerToken    string `ini:"this_deployer_token"`
}

// Integration selects the compiled-in integration provider.
type Integration struct {
	Provider string `ini:"provider"`
}

// Inventory configures the upstream inventory synchronization.
type Inventory struct {
	Activate bool   `ini:"activate"`
	APIHost  string `ini:"api_host"`
	// UpdateFrequency is the checker period in minutes.
	UpdateFrequency int `ini:"update_frequency"`
}
