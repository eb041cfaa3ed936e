package sync

import (
	"encoding/json"
	"os"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
)

// historyLog is the append-only record of every successful push and
// pull. It doubles as a fallback lookup when the metadata index lost
// its entry for a (repo, env) pair.
type historyLog struct {
	path string
	log  logger.Interface
}

func (h *historyLog) load() ([]domain.SyncHistoryEntry, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to read sync history")
	}

	var entries []domain.SyncHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		h.log.Warn("sync history is malformed, treating as empty", "path", h.path, "error", err)
		return nil, nil
	}
	return entries, nil
}

// Append adds one entry to the end of the log.
func (h *historyLog) Append(entry domain.SyncHistoryEntry) error {
	entries, err := h.load()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to serialize sync history")
	}
	if err := atomicWrite(h.path, data, 0o600); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to write sync history")
	}
	return nil
}

// Recent returns the newest entries, newest first. A zero limit means
// everything.
func (h *historyLog) Recent(limit int) ([]domain.SyncHistoryEntry, error) {
	entries, err := h.load()
	if err != nil {
		return nil, err
	}
	n := len(entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.SyncHistoryEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// LatestPush finds the most recent push for a (repo, env) pair. Used
// when the metadata index has no entry for the pair.
func (h *historyLog) LatestPush(gitRepo, environment string) (domain.SyncHistoryEntry, bool, error) {
	entries, err := h.load()
	if err != nil {
		return domain.SyncHistoryEntry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Operation == domain.SyncPush && e.Environment == environment && e.GitRepo == gitRepo {
			return e, true, nil
		}
	}
	return domain.SyncHistoryEntry{}, false, nil
}
