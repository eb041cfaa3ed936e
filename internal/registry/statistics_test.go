package registry_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/registry"
)

// runSealed starts and seals one execution per completion in order.
func runSealed(t *testing.T, reg *registry.Registry, jobID string, completions []registry.Completion) {
	t.Helper()
	ctx := context.Background()
	for _, c := range completions {
		rec, err := reg.RecordStart(ctx, testJob(jobID), registry.StartOptions{})
		if err != nil {
			t.Fatalf("RecordStart() error = %v", err)
		}
		if _, err := reg.RecordCompletion(ctx, rec.ExecutionID, c); err != nil {
			t.Fatalf("RecordCompletion() error = %v", err)
		}
	}
}

func repeat(c registry.Completion, n int) []registry.Completion {
	out := make([]registry.Completion, n)
	for i := range out {
		out[i] = c
	}
	return out
}

func TestRegistry_GetStatistics_Counts(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})

	runs := append(repeat(completed(), 4), failed("boom"))
	runSealed(t, reg, "job-1", runs)

	stats, err := reg.GetStatistics("job-1")
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}

	if stats.TotalExecutions != 5 {
		t.Errorf("expected 5 executions, got %d", stats.TotalExecutions)
	}
	if stats.Completed != 4 || stats.Failed != 1 {
		t.Errorf("expected 4 completed / 1 failed, got %d / %d", stats.Completed, stats.Failed)
	}
	if stats.SuccessRate != 80 {
		t.Errorf("expected success rate 80, got %v", stats.SuccessRate)
	}
	if stats.LastExecutionAt == nil {
		t.Error("expected last execution timestamp")
	}

	if _, err := reg.GetStatistics("ghost"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NOT_FOUND for unknown job, got %v", err)
	}
}

func TestRegistry_GetStatistics_Trend(t *testing.T) {
	tests := []struct {
		name string
		runs []registry.Completion
		want domain.Trend
	}{
		{
			name: "recent successes after failures",
			runs: append(repeat(failed("boom"), 10), repeat(completed(), 5)...),
			want: domain.TrendImproving,
		},
		{
			name: "recent failures after successes",
			runs: append(repeat(completed(), 10), repeat(failed("boom"), 5)...),
			want: domain.TrendDegrading,
		},
		{
			name: "uniform history",
			runs: repeat(completed(), 8),
			want: domain.TrendStable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t, registry.Config{})
			runSealed(t, reg, "job-1", tt.runs)

			stats, err := reg.GetStatistics("job-1")
			if err != nil {
				t.Fatalf("GetStatistics() error = %v", err)
			}
			if stats.RecentTrend != tt.want {
				t.Errorf("expected trend %q, got %q", tt.want, stats.RecentTrend)
			}
		})
	}
}

func TestRegistry_GetStatistics_FailureAttribution(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})

	runs := repeat(failed("disk full"), 3)
	runs = append(runs, repeat(failed("connection refused"), 2)...)
	runs = append(runs, completed())
	runSealed(t, reg, "job-1", runs)

	stats, err := reg.GetStatistics("job-1")
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}

	if len(stats.CommonFailures) != 2 {
		t.Fatalf("expected 2 failure patterns, got %d", len(stats.CommonFailures))
	}
	top := stats.CommonFailures[0]
	if top.Message != "disk full" {
		t.Errorf("expected most common failure first, got %q", top.Message)
	}
	if top.Count != 3 {
		t.Errorf("expected count 3, got %d", top.Count)
	}
	if top.Percentage != 60 {
		t.Errorf("expected 60%% attribution, got %v", top.Percentage)
	}
}

func TestRegistry_GetAllStatistics(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	if _, err := reg.CreateJob(ctx, testJob("job-a")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := reg.CreateJob(ctx, testJob("job-b")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	runSealed(t, reg, "job-a", repeat(completed(), 3))
	runSealed(t, reg, "job-b", []registry.Completion{failed("boom")})

	overview := reg.GetAllStatistics()
	if overview.Aggregate.TotalJobs != 2 {
		t.Errorf("expected 2 jobs, got %d", overview.Aggregate.TotalJobs)
	}
	if overview.Aggregate.TotalExecutions != 4 {
		t.Errorf("expected 4 executions, got %d", overview.Aggregate.TotalExecutions)
	}
	if overview.Aggregate.SuccessRate != 75 {
		t.Errorf("expected success rate 75, got %v", overview.Aggregate.SuccessRate)
	}
	if len(overview.Jobs) != 2 {
		t.Errorf("expected per-job stats for 2 jobs, got %d", len(overview.Jobs))
	}
}

func TestRegistry_Report(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	runSealed(t, reg, "job-1", []registry.Completion{completed(), failed("boom")})

	text, err := reg.Report(registry.ReportOptions{JobID: "job-1", Format: registry.ReportText})
	if err != nil {
		t.Fatalf("Report(text) error = %v", err)
	}
	if !strings.Contains(text, "job-1") || !strings.Contains(text, "Execution Report") {
		t.Errorf("unexpected text report:\n%s", text)
	}

	csvOut, err := reg.Report(registry.ReportOptions{JobID: "job-1", Format: registry.ReportCSV})
	if err != nil {
		t.Fatalf("Report(csv) error = %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(csvOut)).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse csv report: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "executionId" {
		t.Errorf("unexpected csv header %v", rows[0])
	}

	jsonOut, err := reg.Report(registry.ReportOptions{Format: registry.ReportJSON})
	if err != nil {
		t.Fatalf("Report(json) error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(jsonOut), &decoded); err != nil {
		t.Fatalf("failed to parse json report: %v", err)
	}
	if _, ok := decoded["executions"]; !ok {
		t.Error("expected executions key in json report")
	}

	if _, err := reg.Report(registry.ReportOptions{Format: "xml"}); !domain.IsKind(err, domain.KindInvalidInput) {
		t.Errorf("expected INVALID_INPUT for unknown format, got %v", err)
	}
}
