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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deployer/pkg/core/config"
	"deployer/pkg/integration"
)

var validateConfigFile string

// validateCmd represents the validate command.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the deployer configuration file",
	Long: `Validate the deployer configuration file.

Loads the INI file, applies defaults, checks every required option and
verifies that the selected integration provider is compiled in. Exits
non-zero when the configuration would prevent the deployer from
starting.

Example usage:
  deployer validate --config /etc/deployer/deployer.ini`,
	RunE: runValidateConfig,
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "",
		"Path to the INI configuration file (env: DEPLOYER_CONFIG)")
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	path := configPath(validateConfigFile)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	if _, err := integration.Get(cfg.Integration.Provider); err != nil {
		return err
	}
	fmt.Printf("Configuration %s is valid\n", path)
	return nil
}
