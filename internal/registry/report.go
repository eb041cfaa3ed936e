package registry

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/gwicho38/lsh/internal/domain"
)

// ReportFormat selects the report serialization.
type ReportFormat string

const (
	// ReportText renders human-readable tables.
	ReportText ReportFormat = "text"
	// ReportCSV renders one row per execution.
	ReportCSV ReportFormat = "csv"
	// ReportJSON renders the full payload as indented JSON.
	ReportJSON ReportFormat = "json"
	// ReportYAML renders the full payload as YAML.
	ReportYAML ReportFormat = "yaml"
)

// ReportOptions narrows and formats a report.
type ReportOptions struct {
	JobID  string       `json:"jobId,omitempty"`
	Since  *time.Time   `json:"since,omitempty"`
	Until  *time.Time   `json:"until,omitempty"`
	Format ReportFormat `json:"format,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

type reportPayload struct {
	GeneratedAt time.Time                 `json:"generatedAt" yaml:"generatedAt"`
	JobID       string                    `json:"jobId,omitempty" yaml:"jobId,omitempty"`
	Since       *time.Time                `json:"since,omitempty" yaml:"since,omitempty"`
	Until       *time.Time                `json:"until,omitempty" yaml:"until,omitempty"`
	Statistics  []*domain.JobStatistics   `json:"statistics" yaml:"statistics"`
	Executions  []*domain.ExecutionRecord `json:"executions" yaml:"executions"`
}

// Report builds an execution report over the selected window.
func (r *Registry) Report(opts ReportOptions) (string, error) {
	format := opts.Format
	if format == "" {
		format = ReportText
	}

	records, err := r.Search(domain.SearchCriteria{
		JobID: opts.JobID,
		Since: opts.Since,
		Until: opts.Until,
		Limit: opts.Limit,
	})
	if err != nil {
		return "", err
	}

	payload := reportPayload{
		GeneratedAt: r.now().UTC(),
		JobID:       opts.JobID,
		Since:       opts.Since,
		Until:       opts.Until,
		Executions:  records,
	}
	if opts.JobID != "" {
		if stats, statsErr := r.GetStatistics(opts.JobID); statsErr == nil {
			payload.Statistics = append(payload.Statistics, stats)
		}
	} else {
		payload.Statistics = r.GetAllStatistics().Jobs
	}

	switch format {
	case ReportText:
		return renderTextReport(payload), nil
	case ReportCSV:
		return renderCSVReport(records)
	case ReportJSON:
		data, marshalErr := json.MarshalIndent(payload, "", "  ")
		if marshalErr != nil {
			return "", domain.WrapErr(domain.KindStorageFailure, marshalErr, "failed to encode report")
		}
		return string(data), nil
	case ReportYAML:
		data, marshalErr := yaml.Marshal(payload)
		if marshalErr != nil {
			return "", domain.WrapErr(domain.KindStorageFailure, marshalErr, "failed to encode report")
		}
		return string(data), nil
	default:
		return "", domain.E(domain.KindInvalidInput, "unknown report format %q", format)
	}
}

func renderTextReport(payload reportPayload) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Execution Report (generated %s)\n", payload.GeneratedAt.Format(time.RFC3339))
	if payload.JobID != "" {
		fmt.Fprintf(&b, "Job: %s\n", payload.JobID)
	}
	if payload.Since != nil || payload.Until != nil {
		since, until := "start", "now"
		if payload.Since != nil {
			since = payload.Since.Format(time.RFC3339)
		}
		if payload.Until != nil {
			until = payload.Until.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "Window: %s .. %s\n", since, until)
	}
	fmt.Fprintf(&b, "Executions: %d\n\n", len(payload.Executions))

	if len(payload.Statistics) > 0 {
		st := table.NewWriter()
		st.SetStyle(table.StyleLight)
		st.AppendHeader(table.Row{"Job", "Name", "Total", "Completed", "Failed", "Success %", "Avg ms", "Trend"})
		for _, s := range payload.Statistics {
			st.AppendRow(table.Row{
				s.JobID,
				s.JobName,
				s.TotalExecutions,
				s.Completed,
				s.Failed + s.Killed + s.Timeout,
				fmt.Sprintf("%.1f", s.SuccessRate*100),
				fmt.Sprintf("%.0f", s.AvgDurationMs),
				string(s.RecentTrend),
			})
		}
		b.WriteString(st.Render())
		b.WriteString("\n\n")
	}

	if len(payload.Executions) > 0 {
		et := table.NewWriter()
		et.SetStyle(table.StyleLight)
		et.AppendHeader(table.Row{"Execution", "Job", "Status", "Started", "Duration ms", "Exit"})
		for _, rec := range payload.Executions {
			dur := ""
			if rec.DurationMs != nil {
				dur = strconv.FormatInt(*rec.DurationMs, 10)
			}
			exit := ""
			if rec.ExitCode != nil {
				exit = strconv.Itoa(*rec.ExitCode)
			}
			et.AppendRow(table.Row{
				rec.ExecutionID,
				rec.JobID,
				string(rec.Status),
				rec.StartTime.Format(time.RFC3339),
				dur,
				exit,
			})
		}
		b.WriteString(et.Render())
		b.WriteString("\n")
	}

	return b.String()
}

func renderCSVReport(records []*domain.ExecutionRecord) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)

	header := []string{
		"executionId", "jobId", "jobName", "status", "startTime",
		"durationMs", "exitCode", "retryCount", "truncated", "errorMessage",
	}
	if err := w.Write(header); err != nil {
		return "", domain.WrapErr(domain.KindStorageFailure, err, "failed to encode report")
	}

	for _, rec := range records {
		dur := ""
		if rec.DurationMs != nil {
			dur = strconv.FormatInt(*rec.DurationMs, 10)
		}
		exit := ""
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		errMsg := ""
		if rec.ErrorMessage != nil {
			errMsg = *rec.ErrorMessage
		}
		row := []string{
			rec.ExecutionID,
			rec.JobID,
			rec.JobName,
			string(rec.Status),
			rec.StartTime.Format(time.RFC3339),
			dur,
			exit,
			strconv.Itoa(rec.RetryCount),
			strconv.FormatBool(rec.Truncated),
			errMsg,
		}
		if err := w.Write(row); err != nil {
			return "", domain.WrapErr(domain.KindStorageFailure, err, "failed to encode report")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", domain.WrapErr(domain.KindStorageFailure, err, "failed to encode report")
	}
	return b.String(), nil
}
