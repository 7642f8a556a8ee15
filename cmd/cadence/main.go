package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keplerlabs/cadence/cmd/cadence/commands"
	"github.com/keplerlabs/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - recurring job scheduling and execution engine",
	Long: `Cadence - recurring job scheduling and execution engine.

Cadence persists job definitions in SQLite, fires them on interval or cron
schedules, and runs them through registered handlers with retries, timeouts
and rate-limit aware pausing.

Available commands:
  serve  - Run the scheduler daemon in the foreground
  jobs   - Manage scheduled jobs (ls, show, create, trigger, enable, rm)
  execs  - Inspect and cancel job executions
  status - Show scheduler and queue state
  db     - Database operations (migrate, prune)

Examples:
  cadence serve                           # Run the daemon
  cadence jobs ls                         # List scheduled jobs
  cadence jobs trigger job_abc123         # Run a job now
  cadence db prune --days 30              # Drop old execution history`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ExecsCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	jsonLogs := false
	for _, arg := range os.Args[1:] {
		if arg == "--json-logs" {
			jsonLogs = true
		}
	}
	if err := logger.Initialize(jsonLogs); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
