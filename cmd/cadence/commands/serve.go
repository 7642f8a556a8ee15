package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keplerlabs/cadence/config"
	"github.com/keplerlabs/cadence/engine"
	"github.com/keplerlabs/cadence/logger"
)

// Handlers is the registry the daemon serves. Embedding applications add
// their handlers here (or via engine.NewRegistry in their own main) before
// calling Execute.
var Handlers = engine.NewRegistry()

// ServeCmd runs the scheduler daemon in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler daemon in the foreground.

The daemon will:
- Fail executions left running by a previous process
- Reload pending executions into the queue
- Tick for due jobs and dispatch them to registered handlers
- Retry failures with exponential backoff
- Pause globally when a handler reports a downstream rate limit
- Run until interrupted (Ctrl+C) and let in-flight work finish

Jobs whose type has no registered handler fail terminally; handlers are
registered by the embedding application, not by this binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		svc := engine.NewService(database, cfg, Handlers, logger.Logger)

		// With an explicit config file, pick up pacing changes on the fly
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			watcher, err := config.NewWatcher(path)
			if err != nil {
				logger.Warnw("Config watcher unavailable", "error", err)
			} else {
				watcher.OnReload(func(updated *config.Config) error {
					cfg.Scheduler = updated.Scheduler
					cfg.RateLimit = updated.RateLimit
					logger.Infow("Reloaded scheduler configuration",
						"tick_interval", cfg.TickInterval(),
						"max_concurrent", cfg.Scheduler.MaxConcurrent)
					return nil
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}

		if err := svc.Start(); err != nil {
			return err
		}

		fmt.Println("Cadence scheduler started")
		fmt.Printf("  Database: %s\n", cfg.Database.Path)
		fmt.Printf("  Tick interval: %v\n", cfg.TickInterval())
		fmt.Printf("  Max concurrent: %d\n", cfg.Scheduler.MaxConcurrent)
		fmt.Printf("  Handlers: %v\n", Handlers.Types())
		fmt.Println("\nPress Ctrl+C to stop")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down, waiting for in-flight executions...")
		svc.Stop()
		fmt.Println("Cadence scheduler stopped")
		return nil
	},
}
