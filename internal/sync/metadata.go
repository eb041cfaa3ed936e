package sync

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
)

// metadataIndex maps "<gitRepo>_<env>" (or "<env>") to the latest
// bundle metadata for that pair. The whole index lives in one JSON
// file replaced atomically on every write.
type metadataIndex struct {
	path string
	log  logger.Interface
}

func (m *metadataIndex) load() (map[string]domain.SecretBundleMetadata, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]domain.SecretBundleMetadata{}, nil
		}
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to read metadata index")
	}

	index := map[string]domain.SecretBundleMetadata{}
	if err := json.Unmarshal(data, &index); err != nil {
		// Malformed index: start empty, do not auto-repair.
		m.log.Warn("metadata index is malformed, treating as empty", "path", m.path, "error", err)
		return map[string]domain.SecretBundleMetadata{}, nil
	}
	return index, nil
}

// Get returns the entry for a (gitRepo, environment) pair.
func (m *metadataIndex) Get(gitRepo, environment string) (domain.SecretBundleMetadata, error) {
	index, err := m.load()
	if err != nil {
		return domain.SecretBundleMetadata{}, err
	}
	entry, ok := index[domain.MetadataKey(gitRepo, environment)]
	if !ok {
		return domain.SecretBundleMetadata{}, domain.NotFound("secret bundle metadata", domain.MetadataKey(gitRepo, environment))
	}
	return entry, nil
}

// Put replaces the entry for the pair the metadata describes.
func (m *metadataIndex) Put(meta domain.SecretBundleMetadata) error {
	index, err := m.load()
	if err != nil {
		return err
	}
	index[domain.MetadataKey(meta.GitRepo, meta.Environment)] = meta
	return m.save(index)
}

// Delete removes the entry for a pair. Deleting an absent entry is
// NOT_FOUND.
func (m *metadataIndex) Delete(gitRepo, environment string) error {
	index, err := m.load()
	if err != nil {
		return err
	}
	key := domain.MetadataKey(gitRepo, environment)
	if _, ok := index[key]; !ok {
		return domain.NotFound("secret bundle metadata", key)
	}
	delete(index, key)
	return m.save(index)
}

// List returns every entry, newest first.
func (m *metadataIndex) List() ([]domain.SecretBundleMetadata, error) {
	index, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SecretBundleMetadata, 0, len(index))
	for _, entry := range index {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *metadataIndex) save(index map[string]domain.SecretBundleMetadata) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to serialize metadata index")
	}
	if err := atomicWrite(m.path, data, 0o600); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to write metadata index")
	}
	return nil
}
