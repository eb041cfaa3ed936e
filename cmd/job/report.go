package job

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gwicho38/lsh/cmd/common"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/ipc"
)

// reportPayload is the structured form behind the json and yaml
// formats.
type reportPayload struct {
	GeneratedAt time.Time                 `json:"generatedAt" yaml:"generatedAt"`
	JobID       string                    `json:"jobId,omitempty" yaml:"jobId,omitempty"`
	Since       *time.Time                `json:"since,omitempty" yaml:"since,omitempty"`
	Until       *time.Time                `json:"until,omitempty" yaml:"until,omitempty"`
	Statistics  []*domain.JobStatistics   `json:"statistics" yaml:"statistics"`
	Executions  []*domain.ExecutionRecord `json:"executions" yaml:"executions"`
}

func newReportCmd() *cobra.Command {
	var (
		jobID  string
		since  string
		until  string
		format string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build an execution report",
		Long: `Build a report over the execution history: per-job statistics plus
the matching executions. Formats: table, json, yaml, csv.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTs, err := parseTimeFlag("since", since)
			if err != nil {
				return err
			}
			untilTs, err := parseTimeFlag("until", until)
			if err != nil {
				return err
			}

			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			payload, err := collectReport(cmd, client, jobID, sinceTs, untilTs, limit)
			if err != nil {
				return err
			}

			switch format {
			case "table", "":
				renderReportTable(payload)
				return nil
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			case "yaml":
				enc := yaml.NewEncoder(os.Stdout)
				defer enc.Close()
				return enc.Encode(payload)
			case "csv":
				return renderReportCSV(payload)
			default:
				return domain.E(domain.KindInvalidInput, "unknown report format %q", format)
			}
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "restrict to one job id")
	cmd.Flags().StringVar(&since, "since", "", "executions started at or after (RFC 3339)")
	cmd.Flags().StringVar(&until, "until", "", "executions started before (RFC 3339)")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json, yaml, csv")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum executions (0 for all)")
	return cmd
}

func collectReport(cmd *cobra.Command, client *ipc.Client, jobID string, since, until *time.Time, limit int) (*reportPayload, error) {
	ctx := cmd.Context()

	executions, err := client.SearchExecutions(ctx, domain.SearchCriteria{
		JobID: jobID,
		Since: since,
		Until: until,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}

	jobIDs := []string{jobID}
	if jobID == "" {
		seen := map[string]bool{}
		jobIDs = jobIDs[:0]
		for _, rec := range executions {
			if !seen[rec.JobID] {
				seen[rec.JobID] = true
				jobIDs = append(jobIDs, rec.JobID)
			}
		}
	}

	var stats []*domain.JobStatistics
	for _, id := range jobIDs {
		var s domain.JobStatistics
		if err := client.JobStatistics(ctx, id, &s); err != nil {
			// The job may have been removed while its history lingers.
			if domain.IsKind(err, domain.KindNotFound) {
				continue
			}
			return nil, err
		}
		stats = append(stats, &s)
	}

	return &reportPayload{
		GeneratedAt: time.Now().UTC(),
		JobID:       jobID,
		Since:       since,
		Until:       until,
		Statistics:  stats,
		Executions:  executions,
	}, nil
}

func renderReportTable(payload *reportPayload) {
	fmt.Printf("Report generated %s\n\n", payload.GeneratedAt.Format(time.RFC3339))

	if len(payload.Statistics) > 0 {
		for _, s := range payload.Statistics {
			fmt.Printf("%s (%s): %d executions, %.1f%% success\n",
				s.JobName, s.JobID, s.TotalExecutions, s.SuccessRate)
		}
		fmt.Println()
	}

	if len(payload.Executions) == 0 {
		fmt.Println("No executions in the selected window.")
		return
	}
	renderExecutions(payload.Executions)
}

func renderReportCSV(payload *reportPayload) error {
	w := csv.NewWriter(os.Stdout)
	if err := w.Write([]string{"execution_id", "job_id", "status", "start_time", "duration_ms", "exit_code"}); err != nil {
		return err
	}
	for _, rec := range payload.Executions {
		duration := ""
		if rec.DurationMs != nil {
			duration = strconv.FormatInt(*rec.DurationMs, 10)
		}
		exit := ""
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		row := []string{
			rec.ExecutionID,
			rec.JobID,
			string(rec.Status),
			rec.StartTime.UTC().Format(time.RFC3339),
			duration,
			exit,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
