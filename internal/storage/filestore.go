package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
)

const storeFormatVersion = 1

// entry is one row inside a collection.
type entry struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	InsertedAt time.Time       `json:"insertedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Data       json.RawMessage `json:"data"`
}

// document is the whole on-disk JSON store.
type document struct {
	Version     int                          `json:"version"`
	UpdatedAt   time.Time                    `json:"updatedAt"`
	NextSeq     int64                        `json:"nextSeq"`
	Collections map[string]map[string]*entry `json:"collections"`
}

// FileStore keeps all collections in a single JSON document, loaded once
// at start and held in memory. Mutations mark the document dirty and are
// flushed either immediately (the default) or on a periodic tick. Writes
// replace the whole file via temp+rename. An advisory flock on a sidecar
// lock file keeps a second process from opening the same store for write.
type FileStore struct {
	path     string
	lockFile *os.File
	log      logger.Interface

	mu    sync.Mutex
	doc   *document
	dirty bool

	flushInterval time.Duration
	stopFlush     chan struct{}
	flushDone     chan struct{}
	closed        bool
}

// FileStoreOption tunes a FileStore.
type FileStoreOption func(*FileStore)

// WithFlushInterval batches writes on a periodic tick instead of
// flushing each mutation.
func WithFlushInterval(d time.Duration) FileStoreOption {
	return func(s *FileStore) {
		s.flushInterval = d
	}
}

// NewFileStore opens (or creates) the store at path and acquires the
// advisory lock. A malformed document is treated as empty with a logged
// warning; it is not auto-repaired on disk until the next flush.
func NewFileStore(path string, log logger.Interface, opts ...FileStoreOption) (*FileStore, error) {
	if log == nil {
		log = logger.NewNoOp()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to create store directory")
	}

	lockFile, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		path:     path,
		lockFile: lockFile,
		log:      log.WithComponent("filestore"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.doc = s.load()

	if s.flushInterval > 0 {
		s.stopFlush = make(chan struct{})
		s.flushDone = make(chan struct{})
		go s.flushLoop()
	}
	return s, nil
}

func acquireLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to open store lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "store is locked by another process")
	}
	return f, nil
}

// load reads the document from disk. Missing and malformed files both
// yield an empty document; malformed files additionally log a warning.
func (s *FileStore) load() *document {
	empty := &document{
		Version:     storeFormatVersion,
		NextSeq:     1,
		Collections: make(map[string]map[string]*entry),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read store file, starting empty", "path", s.path, "error", err)
		}
		return empty
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("store file is malformed, treating as empty", "path", s.path, "error", err)
		return empty
	}
	if doc.Collections == nil {
		doc.Collections = make(map[string]map[string]*entry)
	}
	if doc.NextSeq == 0 {
		doc.NextSeq = 1
	}
	return &doc
}

// Put upserts a value. Insertion timestamps are preserved across updates.
func (s *FileStore) Put(ctx context.Context, collection, id string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to encode %s/%s", collection, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.E(domain.KindStorageFailure, "store is closed")
	}

	coll := s.doc.Collections[collection]
	if coll == nil {
		coll = make(map[string]*entry)
		s.doc.Collections[collection] = coll
	}

	now := time.Now()
	if existing, ok := coll[id]; ok {
		existing.Data = data
		existing.UpdatedAt = now
	} else {
		coll[id] = &entry{
			ID:         id,
			Seq:        s.doc.NextSeq,
			InsertedAt: now,
			UpdatedAt:  now,
			Data:       data,
		}
		s.doc.NextSeq++
	}
	return s.markDirtyLocked()
}

// Get reads (collection, id) into dest.
func (s *FileStore) Get(ctx context.Context, collection, id string, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.doc.Collections[collection][id]
	if !ok {
		return domain.NotFound(collection, id)
	}
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to decode %s/%s", collection, id)
	}
	return nil
}

// Delete removes (collection, id).
func (s *FileStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.E(domain.KindStorageFailure, "store is closed")
	}

	coll := s.doc.Collections[collection]
	if _, ok := coll[id]; !ok {
		return domain.NotFound(collection, id)
	}
	delete(coll, id)
	return s.markDirtyLocked()
}

// List reads the whole collection into dest, insertion order ascending.
func (s *FileStore) List(ctx context.Context, collection string, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	entries := s.sortedEntries(collection, false)
	raws := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		raws[i] = e.Data
	}
	s.mu.Unlock()

	if err := decodeInto(raws, dest); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to decode collection %s", collection)
	}
	return nil
}

// ListRecent reads the most recently inserted values, newest first.
func (s *FileStore) ListRecent(ctx context.Context, collection string, limit int, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	entries := s.sortedEntries(collection, true)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	raws := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		raws[i] = e.Data
	}
	s.mu.Unlock()

	if err := decodeInto(raws, dest); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to decode collection %s", collection)
	}
	return nil
}

// sortedEntries returns the collection ordered by insertion sequence.
// Callers hold s.mu.
func (s *FileStore) sortedEntries(collection string, descending bool) []*entry {
	coll := s.doc.Collections[collection]
	entries := make([]*entry, 0, len(coll))
	for _, e := range coll {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if descending {
			return entries[i].Seq > entries[j].Seq
		}
		return entries[i].Seq < entries[j].Seq
	})
	return entries
}

// markDirtyLocked flushes immediately unless periodic flushing is on.
func (s *FileStore) markDirtyLocked() error {
	s.dirty = true
	if s.flushInterval > 0 {
		return nil
	}
	return s.flushLocked()
}

// Flush writes pending mutations to disk.
func (s *FileStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked replaces the whole file via temp+rename. Callers hold s.mu.
func (s *FileStore) flushLocked() error {
	if !s.dirty {
		return nil
	}
	s.doc.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to encode store document")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".storage-*.tmp")
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to create temp store file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to write temp store file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to close temp store file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to replace store file")
	}
	s.dirty = false
	return nil
}

func (s *FileStore) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if err := s.flushLocked(); err != nil {
				s.log.Error("periodic flush failed", "error", err)
			}
			s.mu.Unlock()
		case <-s.stopFlush:
			return
		}
	}
}

// Close flushes, stops the flush loop, and releases the advisory lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	flushErr := s.flushLocked()
	s.mu.Unlock()

	if s.stopFlush != nil {
		close(s.stopFlush)
		<-s.flushDone
	}

	if s.lockFile != nil {
		_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		_ = s.lockFile.Close()
	}
	return flushErr
}

var _ Store = (*FileStore)(nil)
