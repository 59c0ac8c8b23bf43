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
	"deployer/pkg/store"
)

var migrateConfigFile string

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Long: `Apply pending database migrations and exit.

"deployer run" migrates on startup as well; this command exists for
deployment pipelines that migrate before rolling the instances.

Example usage:
  deployer migrate --config /etc/deployer/deployer.ini`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateConfigFile, "config", "c", "",
		"Path to the INI configuration file (env: DEPLOYER_CONFIG)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	path := configPath(migrateConfigFile)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	st, err := store.Open(cfg.Database.Connection)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}
	fmt.Println("Database is up to date")
	return nil
}
