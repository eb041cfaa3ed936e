// Package storage provides the durable key/collection store behind the
// daemon. Two interchangeable backends exist: a local JSON file store and
// a PostgreSQL store. Both preserve insertion order on read-all and
// recency order on list-recent.
package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Collection names understood by both backends.
const (
	CollectionJobs       = "jobs"
	CollectionExecutions = "executions"
	CollectionSessions   = "sessions"
	CollectionConfig     = "config"
	CollectionAliases    = "aliases"
	CollectionFunctions  = "functions"
	CollectionHistory    = "history"
	CollectionAudit      = "audit"
)

// Store is the capability set shared by both backends. Callers never
// retry inside the store; failures surface as STORAGE_FAILURE (or
// NOT_FOUND) domain errors.
type Store interface {
	// Put upserts a value under (collection, id).
	Put(ctx context.Context, collection, id string, value any) error
	// Get reads the value under (collection, id) into dest.
	Get(ctx context.Context, collection, id string, dest any) error
	// Delete removes (collection, id).
	Delete(ctx context.Context, collection, id string) error
	// List reads every value in the collection into dest (a pointer to a
	// slice), ordered by insertion time ascending.
	List(ctx context.Context, collection string, dest any) error
	// ListRecent reads the most recently inserted values, newest first.
	ListRecent(ctx context.Context, collection string, limit int, dest any) error
	// Flush forces buffered mutations to disk.
	Flush(ctx context.Context) error
	// Close flushes and releases the backend.
	Close() error
}

// decodeInto moves a slice of raw JSON entries into an arbitrary
// destination slice by marshaling through a JSON array. dest must be a
// pointer to a slice.
func decodeInto(raws []json.RawMessage, dest any) error {
	buf := make([]byte, 0, 2+len(raws)*16)
	buf = append(buf, '[')
	for i, r := range raws {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, r...)
	}
	buf = append(buf, ']')
	return json.Unmarshal(buf, dest)
}

// JSONMap stores a string map as a JSONB column.
type JSONMap map[string]string

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return errors.New("unsupported type for JSONMap")
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// JSONStrings stores a string slice as a JSONB column.
type JSONStrings []string

// Scan implements sql.Scanner.
func (s *JSONStrings) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return errors.New("unsupported type for JSONStrings")
	}
	if len(data) == 0 {
		*s = JSONStrings{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// Value implements driver.Valuer.
func (s JSONStrings) Value() (driver.Value, error) {
	if len(s) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}
