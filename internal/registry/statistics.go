package registry

import (
	"sort"

	"github.com/gwicho38/lsh/internal/domain"
)

const (
	trendWindow    = 5
	trendThreshold = 10.0 // percentage points
	maxFailures    = 10
)

// StatisticsOverview pairs the daemon-wide rollup with per-job views.
type StatisticsOverview struct {
	Aggregate domain.AggregateStatistics `json:"aggregate"`
	Jobs      []*domain.JobStatistics    `json:"jobs"`
}

// GetStatistics derives the per-job statistics view. Works for removed
// jobs as long as records are retained.
func (r *Registry) GetStatistics(jobID string) (*domain.JobStatistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := r.executions[jobID]
	job, hasJob := r.jobs[jobID]
	if !hasJob && len(recs) == 0 {
		return nil, domain.NotFound("job", jobID)
	}

	name := ""
	if hasJob {
		name = job.Name
	} else if len(recs) > 0 {
		name = recs[len(recs)-1].JobName
	}
	return computeStatistics(jobID, name, recs), nil
}

// GetAllStatistics rolls every job's records up into one overview.
func (r *Registry) GetAllStatistics() *StatisticsOverview {
	r.mu.RLock()
	defer r.mu.RUnlock()

	overview := &StatisticsOverview{
		Aggregate: domain.AggregateStatistics{TotalJobs: len(r.jobs)},
	}

	jobIDs := make([]string, 0, len(r.executions))
	for jobID := range r.executions {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)

	var sealed, completed int
	var totalDur int64
	var durCount int
	for _, jobID := range jobIDs {
		recs := r.executions[jobID]
		name := ""
		if job, ok := r.jobs[jobID]; ok {
			name = job.Name
		} else if len(recs) > 0 {
			name = recs[len(recs)-1].JobName
		}
		stats := computeStatistics(jobID, name, recs)
		overview.Jobs = append(overview.Jobs, stats)

		overview.Aggregate.TotalExecutions += stats.TotalExecutions
		overview.Aggregate.Running += stats.Running
		completed += stats.Completed
		sealed += stats.Completed + stats.Failed + stats.Killed + stats.Timeout
		totalDur += stats.TotalDurationMs
		durCount += stats.Completed + stats.Failed + stats.Killed + stats.Timeout
	}

	if sealed > 0 {
		overview.Aggregate.SuccessRate = float64(completed) / float64(sealed) * 100
	}
	if durCount > 0 {
		overview.Aggregate.AvgDurationMs = float64(totalDur) / float64(durCount)
	}
	return overview
}

// computeStatistics walks the job's records once. Records are stored
// oldest first.
func computeStatistics(jobID, name string, recs []*domain.ExecutionRecord) *domain.JobStatistics {
	stats := &domain.JobStatistics{
		JobID:       jobID,
		JobName:     name,
		RecentTrend: domain.TrendStable,
	}

	var sealed []*domain.ExecutionRecord
	var memSum, cpuSum float64
	var memCount, cpuCount int

	for _, rec := range recs {
		stats.TotalExecutions++
		switch rec.Status {
		case domain.ExecutionRunning:
			stats.Running++
		case domain.ExecutionCompleted:
			stats.Completed++
		case domain.ExecutionFailed:
			stats.Failed++
		case domain.ExecutionKilled:
			stats.Killed++
		case domain.ExecutionTimeout:
			stats.Timeout++
		}
		if rec.Sealed() {
			sealed = append(sealed, rec)
			if rec.DurationMs != nil {
				d := *rec.DurationMs
				if stats.TotalDurationMs == 0 || d < stats.MinDurationMs {
					stats.MinDurationMs = d
				}
				if d > stats.MaxDurationMs {
					stats.MaxDurationMs = d
				}
				stats.TotalDurationMs += d
			}
		}
		if rec.MaxMemoryMB != nil {
			memSum += *rec.MaxMemoryMB
			memCount++
		}
		if rec.AvgCPUPct != nil {
			cpuSum += *rec.AvgCPUPct
			cpuCount++
		}
		if stats.LastExecutionAt == nil || rec.StartTime.After(*stats.LastExecutionAt) {
			t := rec.StartTime
			stats.LastExecutionAt = &t
		}
	}

	if len(sealed) > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(len(sealed)) * 100
		stats.AvgDurationMs = float64(stats.TotalDurationMs) / float64(len(sealed))
	}
	if memCount > 0 {
		avg := memSum / float64(memCount)
		stats.AvgMemoryMB = &avg
	}
	if cpuCount > 0 {
		avg := cpuSum / float64(cpuCount)
		stats.AvgCPUPct = &avg
	}

	stats.RecentTrend = computeTrend(sealed, stats.SuccessRate)
	stats.CommonFailures = attributeFailures(sealed)
	return stats
}

// computeTrend compares the newest sealed runs against the lifetime
// success rate. Movement beyond the threshold in either direction is a
// trend; anything else is stable.
func computeTrend(sealed []*domain.ExecutionRecord, overall float64) domain.Trend {
	if len(sealed) == 0 {
		return domain.TrendStable
	}

	window := sealed
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	recentCompleted := 0
	for _, rec := range window {
		if rec.Status == domain.ExecutionCompleted {
			recentCompleted++
		}
	}
	recent := float64(recentCompleted) / float64(len(window)) * 100

	switch {
	case recent > overall+trendThreshold:
		return domain.TrendImproving
	case recent < overall-trendThreshold:
		return domain.TrendDegrading
	default:
		return domain.TrendStable
	}
}

// attributeFailures groups non-successful sealed records by their
// verbatim error message and returns the top offenders.
func attributeFailures(sealed []*domain.ExecutionRecord) []domain.FailurePattern {
	counts := make(map[string]int)
	totalFailed := 0
	for _, rec := range sealed {
		if rec.Status == domain.ExecutionCompleted {
			continue
		}
		totalFailed++
		if rec.ErrorMessage != nil && *rec.ErrorMessage != "" {
			counts[*rec.ErrorMessage]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	patterns := make([]domain.FailurePattern, 0, len(counts))
	for msg, count := range counts {
		patterns = append(patterns, domain.FailurePattern{
			Message:    msg,
			Count:      count,
			Percentage: float64(count) / float64(totalFailed) * 100,
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Message < patterns[j].Message
	})
	if len(patterns) > maxFailures {
		patterns = patterns[:maxFailures]
	}
	return patterns
}
