package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keplerlabs/cadence/engine"
)

// ExecsCmd inspects and cancels job executions
var ExecsCmd = &cobra.Command{
	Use:   "execs",
	Short: "Inspect and cancel job executions",
	Long: `Inspect and cancel job executions.

Examples:
  cadence execs show exec_abc123
  cadence execs cancel exec_abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var execsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *engine.Service) error {
			exec, err := svc.GetExecution(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(exec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

var execsCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a pending execution",
	Long: `Cancel a pending execution.

This process can only cancel executions that have not been dispatched yet;
a running execution must be canceled through the daemon that owns it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *engine.Service) error {
			if err := svc.CancelExecution(args[0]); err != nil {
				return err
			}
			fmt.Printf("Canceled %s\n", args[0])
			return nil
		})
	},
}

func init() {
	ExecsCmd.AddCommand(execsShowCmd)
	ExecsCmd.AddCommand(execsCancelCmd)
}
