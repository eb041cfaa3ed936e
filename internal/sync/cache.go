package sync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gwicho38/lsh/internal/domain"
)

// cache is the on-disk store of encrypted bundle payloads keyed by CID.
// Every persisted CID maps to a byte-identical cached payload; a miss
// is recoverable through the network paths.
type cache struct {
	dir string
}

func (c *cache) path(cid string) string {
	return filepath.Join(c.dir, cid+".encrypted")
}

// Write stores the payload under the CID via temp+rename so that a
// crash never leaves a partial file behind.
func (c *cache) Write(cid string, payload []byte) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to create cache directory")
	}
	if err := atomicWrite(c.path(cid), payload, 0o600); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to write cache entry %s", cid)
	}
	return nil
}

// Read returns the cached payload, or NOT_FOUND on a miss.
func (c *cache) Read(cid string) ([]byte, error) {
	data, err := os.ReadFile(c.path(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFound("cached bundle", cid)
		}
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to read cache entry %s", cid)
	}
	return data, nil
}

// atomicWrite replaces path with data through a sibling temp file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}
