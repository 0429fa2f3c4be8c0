package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/carmarket/internal/client"
	"github.com/TheMichaelB/carmarket/internal/config"
	"github.com/TheMichaelB/carmarket/internal/state"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy stored session slots to another storage backend",
	Example: `  carmarket migrate --to sqlite`,
	RunE: runMigrate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipClient: "true"},
	RunE:        runConfigInit,
}

var migrateTo string

func init() {
	rootCmd.AddCommand(migrateCmd, configCmd)
	configCmd.AddCommand(configInitCmd)

	migrateCmd.Flags().StringVar(&migrateTo, "to", "sqlite",
		"Target backend (json, sqlite)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migrateTo == cfg.Storage.Backend {
		return fmt.Errorf("storage backend is already %s", migrateTo)
	}

	target, err := client.OpenStore(migrateTo, cfg, logger)
	if err != nil {
		return err
	}
	defer target.Close()

	if err := state.Migrate(apiClient.Store(), target, logger); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "backend": migrateTo})
		return nil
	}
	printSuccess("Session slots copied to %s", migrateTo)
	printInfo("Set storage.backend to %q to use it", migrateTo)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "carmarket.json"
	if len(args) == 1 {
		path = args[0]
	}

	if err := config.SaveExample(path); err != nil {
		return err
	}

	if !jsonOutput {
		printSuccess("Wrote %s", path)
	}
	return nil
}
