package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keplerlabs/cadence/engine"
	"github.com/keplerlabs/cadence/logger"
)

// DbCmd groups database maintenance operations
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
	Long: `Database maintenance operations.

Examples:
  cadence db migrate
  cadence db prune --days 30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		// openDatabase migrates as a side effect
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
		return nil
	},
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old finished executions",
	Long: `Delete terminal execution history older than the retention window.

Pending and running executions are never deleted. The default window comes
from scheduler.execution_retention_days in the config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if days <= 0 {
			days = cfg.Scheduler.ExecutionRetentionDays
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		svc := engine.NewService(database, cfg, Handlers, logger.Logger)
		n, err := svc.PruneExecutions(days)
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %d executions older than %d days\n", n, days)
		return nil
	},
}

func init() {
	dbPruneCmd.Flags().Int("days", 0, "Retention window in days (default from config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbPruneCmd)
}
