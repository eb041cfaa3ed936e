// Package job implements the job management commands.
package job

import (
	"github.com/spf13/cobra"
)

// Command returns the job command group.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long: `Create, schedule, run, and inspect jobs. Jobs are shell commands the
daemon runs on demand, on an interval, or on a cron schedule.`,
	}
	cmd.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newGetCmd(),
		newStartCmd(),
		newStopCmd(),
		newTriggerCmd(),
		newRemoveCmd(),
		newHistoryCmd(),
		newStatsCmd(),
		newSearchCmd(),
		newReportCmd(),
	)
	return cmd
}
