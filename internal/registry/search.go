package registry

import (
	"regexp"
	"sort"

	"github.com/gwicho38/lsh/internal/domain"
)

// Search selects execution records matching every set predicate,
// newest first.
func (r *Registry) Search(criteria domain.SearchCriteria) ([]*domain.ExecutionRecord, error) {
	var cmdRe *regexp.Regexp
	if criteria.CommandRegex != "" {
		re, err := regexp.Compile(criteria.CommandRegex)
		if err != nil {
			return nil, domain.WrapErr(domain.KindInvalidInput, err, "invalid command regex")
		}
		cmdRe = re
	}

	r.mu.RLock()
	var matched []*domain.ExecutionRecord
	if criteria.JobID != "" {
		matched = filterRecords(r.executions[criteria.JobID], criteria, cmdRe)
	} else {
		for _, recs := range r.executions {
			matched = append(matched, filterRecords(recs, criteria, cmdRe)...)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ExecutionID < matched[j].ExecutionID
	})

	if criteria.Limit > 0 && len(matched) > criteria.Limit {
		matched = matched[:criteria.Limit]
	}
	return matched, nil
}

func filterRecords(recs []*domain.ExecutionRecord, criteria domain.SearchCriteria, cmdRe *regexp.Regexp) []*domain.ExecutionRecord {
	var out []*domain.ExecutionRecord
	for _, rec := range recs {
		if matchRecord(rec, criteria, cmdRe) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func matchRecord(rec *domain.ExecutionRecord, criteria domain.SearchCriteria, cmdRe *regexp.Regexp) bool {
	if len(criteria.Statuses) > 0 {
		found := false
		for _, s := range criteria.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if criteria.Since != nil && rec.StartTime.Before(*criteria.Since) {
		return false
	}
	if criteria.Until != nil && rec.StartTime.After(*criteria.Until) {
		return false
	}
	if criteria.MinDurationMs != nil {
		if rec.DurationMs == nil || *rec.DurationMs < *criteria.MinDurationMs {
			return false
		}
	}
	if criteria.MaxDurationMs != nil {
		if rec.DurationMs == nil || *rec.DurationMs > *criteria.MaxDurationMs {
			return false
		}
	}
	for _, tag := range criteria.Tags {
		found := false
		for _, have := range rec.Tags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if criteria.User != "" && rec.User != criteria.User {
		return false
	}
	if cmdRe != nil && !cmdRe.MatchString(rec.Command) {
		return false
	}
	if len(criteria.ExitCodes) > 0 {
		if rec.ExitCode == nil {
			return false
		}
		found := false
		for _, code := range criteria.ExitCodes {
			if *rec.ExitCode == code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
