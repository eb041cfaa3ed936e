package job

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	"github.com/gwicho38/lsh/internal/domain"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a job's executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			records, err := client.JobHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No executions.")
				return nil
			}

			renderExecutions(records)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum executions to show (0 for all)")
	return cmd
}

func renderExecutions(records []*domain.ExecutionRecord) {
	t := common.NewTable()
	t.AppendHeader(table.Row{"Execution", "Status", "Started", "Duration", "Exit", "Retry"})
	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprintf("%d", *rec.ExitCode)
		}
		start := rec.StartTime
		t.AppendRow(table.Row{
			rec.ExecutionID,
			string(rec.Status),
			common.FormatTime(&start),
			common.FormatDuration(rec.DurationMs),
			exit,
			rec.RetryCount,
		})
	}
	t.Render()
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [<id>]",
		Short: "Show aggregate statistics for one job, or all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			if len(args) == 1 {
				var stats domain.JobStatistics
				if err := client.JobStatistics(cmd.Context(), args[0], &stats); err != nil {
					return err
				}
				renderStats(&stats)
				return nil
			}

			jobs, err := client.ListJobs(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			t := common.NewTable()
			t.AppendHeader(table.Row{"Job", "Executions", "Completed", "Failed", "Success", "Avg"})
			for _, spec := range jobs {
				var stats domain.JobStatistics
				if err := client.JobStatistics(cmd.Context(), spec.ID, &stats); err != nil {
					return err
				}
				t.AppendRow(table.Row{
					fmt.Sprintf("%s (%s)", stats.JobName, stats.JobID),
					stats.TotalExecutions,
					stats.Completed,
					stats.Failed,
					fmt.Sprintf("%.1f%%", stats.SuccessRate),
					fmt.Sprintf("%.0fms", stats.AvgDurationMs),
				})
			}
			t.Render()
			return nil
		},
	}
}

func renderStats(stats *domain.JobStatistics) {
	t := common.NewTable()
	t.AppendRows([]table.Row{
		{"Job", fmt.Sprintf("%s (%s)", stats.JobName, stats.JobID)},
		{"Executions", stats.TotalExecutions},
		{"Completed", stats.Completed},
		{"Failed", stats.Failed},
		{"Killed", stats.Killed},
		{"Timeout", stats.Timeout},
		{"Running", stats.Running},
		{"Success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate)},
		{"Min duration", fmt.Sprintf("%dms", stats.MinDurationMs)},
		{"Avg duration", fmt.Sprintf("%.0fms", stats.AvgDurationMs)},
		{"Max duration", fmt.Sprintf("%dms", stats.MaxDurationMs)},
	})
	t.Render()
}
