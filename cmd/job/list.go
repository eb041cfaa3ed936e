package job

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	"github.com/gwicho38/lsh/internal/domain"
)

func newListCmd() *cobra.Command {
	var (
		status string
		kind   string
		name   string
		tags   []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			jobs, err := client.ListJobs(cmd.Context(), &domain.JobFilter{
				Status: domain.JobStatus(status),
				Type:   domain.JobType(kind),
				Name:   name,
				Tags:   tags,
			})
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			t := common.NewTable()
			t.AppendHeader(table.Row{"ID", "Name", "Status", "Type", "Schedule", "Next Run"})
			for _, job := range jobs {
				t.AppendRow(table.Row{
					job.ID,
					job.Name,
					string(job.Status),
					string(job.Type),
					job.Schedule.String(),
					common.FormatTime(job.NextRun),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&kind, "type", "", "filter by type (scheduled, adhoc)")
	cmd.Flags().StringVar(&name, "name", "", "filter by name substring")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable, all must match)")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}
