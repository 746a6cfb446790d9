package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/models"
	"github.com/telhawk-systems/telhawk-sigma/internal/output"
	"github.com/telhawk-systems/telhawk-sigma/internal/service"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage detection jobs",
}

// withJobs opens the job store for the duration of fn.
func withJobs(cmd *cobra.Command, fn func(*service.Service) error) error {
	repo, err := openRepository(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(service.NewService(repo))
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List detection jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withJobs(cmd, func(svc *service.Service) error {
			jobs, err := svc.ListJobs(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			if asJSON {
				return output.JSON(jobs)
			}
			if len(jobs) == 0 {
				output.Info("No detection jobs found")
				return nil
			}

			table := output.NewTable("RULE", "ACTIVE", "INTERVAL", "LAST EXECUTION")
			for _, job := range jobs {
				last := "never"
				if job.LastExecutionTime != nil {
					last = job.LastExecutionTime.Format(time.RFC3339)
				}
				table.AddRow(job.RuleName, strconv.FormatBool(job.Active), job.TimeInterval, last)
			}
			table.Render()
			return nil
		})
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create <rule_name> <rule_query>",
	Short: "Create a detection job from a compiled query",
	Example: `  sigma jobs create "Whoami Execution" 'EventID:1 AND Image:*\\whoami.exe' --interval 15m --active`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetString("interval")
		active, _ := cmd.Flags().GetBool("active")
		return withJobs(cmd, func(svc *service.Service) error {
			job, err := svc.CreateJob(cmd.Context(), &models.CreateJobRequest{
				RuleName:     args[0],
				RuleQuery:    args[1],
				Active:       active,
				TimeInterval: interval,
			})
			if err != nil {
				return err
			}
			output.Success("Created job %s (%s)", job.RuleName, job.ID)
			return nil
		})
	},
}

func activationCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule_name>",
		Short: use + " a detection job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd, func(svc *service.Service) error {
				if _, err := svc.SetActive(cmd.Context(), args[0], active); err != nil {
					return err
				}
				output.Success("Job %s %sd", args[0], use)
				return nil
			})
		},
	}
}

var jobsIntervalCmd = &cobra.Command{
	Use:   "interval <rule_name> <time_interval>",
	Short: "Change how often a job runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(cmd, func(svc *service.Service) error {
			if _, err := svc.SetInterval(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			output.Success("Job %s now runs every %s", args[0], args[1])
			return nil
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <rule_name>",
	Short: "Delete a detection job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(cmd, func(svc *service.Service) error {
			if err := svc.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			output.Success("Deleted job %s", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsCreateCmd, activationCmd("activate", true), activationCmd("deactivate", false), jobsIntervalCmd, jobsDeleteCmd)

	jobsListCmd.Flags().Bool("active", false, "only list active jobs")
	jobsListCmd.Flags().Bool("json", false, "print JSON")
	jobsCreateCmd.Flags().String("interval", "15m", "time_interval (e.g. 5m, 1h, 30d)")
	jobsCreateCmd.Flags().Bool("active", false, "create the job active")
}
