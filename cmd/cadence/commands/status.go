package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keplerlabs/cadence/engine"
	"github.com/keplerlabs/cadence/schedule"
)

// StatusCmd shows scheduler and queue state from the database's view
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler and execution state",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		return withService(cmd, func(svc *engine.Service) error {
			status, err := svc.Status()
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			// This process's scheduler is not the daemon's, so running/paused
			// here only reflect persisted state
			if status.Scheduler.NextRunAt != nil {
				fmt.Printf("Next scheduled run: %s (%s)\n",
					status.Scheduler.NextRunAt.Local().Format("2006-01-02 15:04:05"),
					status.Scheduler.NextJobID)
			} else {
				fmt.Println("No enabled jobs scheduled")
			}

			fmt.Println("Executions by status:")
			for _, s := range []string{"pending", "running", "success", "failed", "timeout", "canceled"} {
				fmt.Printf("  %-8s %d\n", s, status.ExecutionCounts[schedule.ExecutionStatus(s)])
			}
			return nil
		})
	},
}

func init() {
	StatusCmd.Flags().Bool("json", false, "Emit status as JSON")
}
