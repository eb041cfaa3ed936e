package registry

import (
	"context"
	"time"

	"github.com/gwicho38/lsh/internal/domain"
)

// Cleanup evicts sealed records older than the retention window,
// re-enforces the caps, and unlinks the log files of everything
// evicted. Running executions are never touched.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().AddDate(0, 0, -r.cfg.RetentionDays)

	r.mu.Lock()
	var evicted []*domain.ExecutionRecord
	for jobID, recs := range r.executions {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.Sealed() && rec.StartTime.Before(cutoff) {
				evicted = append(evicted, rec)
				delete(r.byExecID, rec.ExecutionID)
				r.total--
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(r.executions, jobID)
		} else {
			r.executions[jobID] = kept
		}
	}
	evicted = append(evicted, r.evictLocked()...)
	r.mu.Unlock()

	r.discard(ctx, evicted)

	if len(evicted) > 0 {
		r.log.Info("cleanup evicted records",
			"count", len(evicted),
			"retention_days", r.cfg.RetentionDays)
	}
	return len(evicted), nil
}

// StartCleanupLoop runs Cleanup on the interval until ctx is done.
func (r *Registry) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Cleanup(ctx); err != nil {
					r.log.Error("cleanup pass failed", "error", err)
				}
			}
		}
	}()
}
