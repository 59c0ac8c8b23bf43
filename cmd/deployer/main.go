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

// Package main provides the CLI entrypoint for the deployer.
//
// The deployer runs a fixed set of supervised workers: the deployment
// executors, the mirror fetchers, the release auditor, the mirror
// cleaner, the websocket hub, the inventory synchronizers and the HTTP
// API. It is configured through an INI file:
//
//   - Config path: --config flag, DEPLOYER_CONFIG env var, or
//     /etc/deployer/deployer.ini
//
// The process runs until receiving SIGTERM or SIGINT, at which point it
// performs graceful shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when neither the flag nor the environment
// variable names a config file.
const DefaultConfigPath = "/etc/deployer/deployer.ini"

var rootCmd = &cobra.Command{
	Use:           "deployer",
	Short:         "Multi-tenant rolling deployment orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("DEPLOYER_CONFIG"); env != "" {
		return env
	}
	return DefaultConfigPath
}
