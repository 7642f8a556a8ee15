package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keplerlabs/cadence/engine"
	"github.com/keplerlabs/cadence/logger"
	"github.com/keplerlabs/cadence/schedule"
)

// JobsCmd manages scheduled job definitions
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
	Long: `Manage scheduled job definitions.

Examples:
  cadence jobs ls
  cadence jobs ls --type feed.refresh
  cadence jobs show job_abc123
  cadence jobs create --name "nightly report" --type report.generate --cron "0 2 * * *"
  cadence jobs create --name "poller" --type feed.refresh --interval 15
  cadence jobs trigger job_abc123
  cadence jobs enable job_abc123 / disable job_abc123
  cadence jobs rm job_abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// withService loads config, opens the database and hands a service to fn.
// The scheduler inside is never started: these are one-shot admin commands.
func withService(cmd *cobra.Command, fn func(svc *engine.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(engine.NewService(database, cfg, Handlers, logger.Logger))
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		return withService(cmd, func(svc *engine.Service) error {
			jobs, err := svc.ListJobs(jobType, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSCHEDULE\tENABLED\tNEXT RUN\tLAST\tRUNS")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\t%d/%d\n",
					job.ID,
					job.Name,
					job.JobType,
					describeSchedule(job),
					job.IsEnabled,
					job.NextRunAt.Local().Format("2006-01-02 15:04"),
					job.LastStatus,
					job.SuccessCount,
					job.RunCount,
				)
			}
			return w.Flush()
		})
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with its recent executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *engine.Service) error {
			job, err := svc.GetJob(args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			execs, err := svc.ListExecutions(job.ID, 10)
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				return nil
			}

			fmt.Println("\nRecent executions:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTRIGGER\tRETRY\tDURATION\tERROR")
			for _, e := range execs {
				duration := "-"
				if e.DurationMs != nil {
					duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Status, e.TriggerType, e.RetryCount, duration, e.ErrorMessage)
			}
			return w.Flush()
		})
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a scheduled job",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		jobType, _ := cmd.Flags().GetString("type")
		interval, _ := cmd.Flags().GetInt("interval")
		cronExpr, _ := cmd.Flags().GetString("cron")
		params, _ := cmd.Flags().GetString("params")
		priority, _ := cmd.Flags().GetInt("priority")
		disabled, _ := cmd.Flags().GetBool("disabled")

		scheduleType := "interval"
		if cronExpr != "" {
			scheduleType = "cron"
		}

		var rawParams json.RawMessage
		if params != "" {
			if !json.Valid([]byte(params)) {
				return fmt.Errorf("--params must be valid JSON")
			}
			rawParams = json.RawMessage(params)
		}

		return withService(cmd, func(svc *engine.Service) error {
			job, err := svc.CreateJob(engine.JobInput{
				Name:            name,
				JobType:         jobType,
				ScheduleType:    scheduleType,
				IntervalMinutes: interval,
				CronExpression:  cronExpr,
				Params:          rawParams,
				Priority:        priority,
				IsEnabled:       !disabled,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created %s (%s)\n", job.ID, describeSchedule(job))
			fmt.Printf("  Next run: %s\n", job.NextRunAt.Local().Format(time.RFC1123))
			return nil
		})
	},
}

var jobsTriggerCmd = &cobra.Command{
	Use:   "trigger <job-id>",
	Short: "Create a manual execution for a job",
	Long: `Create a manual pending execution for a job.

The execution is picked up by a running daemon; trigger does not run the
handler in this process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *engine.Service) error {
			exec, err := svc.TriggerJob(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Queued manual execution %s\n", exec.ID)
			return nil
		})
	},
}

var jobsEnableCmd = &cobra.Command{
	Use:     "enable <job-id>",
	Aliases: []string{"resume"},
	Short:   "Enable a job",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var jobsDisableCmd = &cobra.Command{
	Use:     "disable <job-id>",
	Aliases: []string{"pause"},
	Short:   "Disable a job without deleting it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withService(cmd, func(svc *engine.Service) error {
		job, err := svc.SetJobEnabled(id, enabled)
		if err != nil {
			return err
		}
		state := "disabled"
		if job.IsEnabled {
			state = "enabled"
		}
		fmt.Printf("%s is now %s\n", job.ID, state)
		return nil
	})
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job and its execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *engine.Service) error {
			if err := svc.DeleteJob(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

func describeSchedule(job *schedule.Job) string {
	if job.ScheduleType == schedule.ScheduleTypeCron {
		return schedule.DescribeCron(job.CronExpression)
	}
	return fmt.Sprintf("every %dm", job.IntervalMinutes)
}

func init() {
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().Int("limit", 100, "Maximum jobs to list")

	jobsCreateCmd.Flags().String("name", "", "Job name (required)")
	jobsCreateCmd.Flags().String("type", "", "Job type routed to a handler (required)")
	jobsCreateCmd.Flags().Int("interval", 0, "Interval in minutes")
	jobsCreateCmd.Flags().String("cron", "", "Cron expression (5 fields); overrides --interval")
	jobsCreateCmd.Flags().String("params", "", "Handler params as JSON")
	jobsCreateCmd.Flags().Int("priority", 5, "Priority (lower runs first)")
	jobsCreateCmd.Flags().Bool("disabled", false, "Create the job disabled")
	jobsCreateCmd.MarkFlagRequired("name")
	jobsCreateCmd.MarkFlagRequired("type")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsTriggerCmd)
	JobsCmd.AddCommand(jobsEnableCmd)
	JobsCmd.AddCommand(jobsDisableCmd)
	JobsCmd.AddCommand(jobsRmCmd)
}
