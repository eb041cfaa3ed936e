package domain

import (
	"time"
)

// Secret is one key/value pair inside an encrypted bundle. Bundles are
// serialized as a JSON array of Secrets before encryption.
type Secret struct {
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SecretBundleMetadata is the index entry for the latest bundle pushed
// for one (gitRepo, environment) pair.
type SecretBundleMetadata struct {
	Environment string    `json:"environment"`
	GitRepo     string    `json:"gitRepo,omitempty"`
	GitBranch   string    `json:"gitBranch,omitempty"`
	CID         string    `json:"cid"`
	Timestamp   time.Time `json:"timestamp"`
	KeysCount   int       `json:"keysCount"`
	Encrypted   bool      `json:"encrypted"`
	// PendingNetwork marks a bundle cached locally but not yet accepted
	// by the IPFS daemon.
	PendingNetwork bool `json:"pendingNetwork,omitempty"`
}

// MetadataKey builds the index key for a (gitRepo, environment) pair:
// "<gitRepo>_<env>" when a repo is present, "<env>" otherwise.
func MetadataKey(gitRepo, environment string) string {
	if gitRepo == "" {
		return environment
	}
	return gitRepo + "_" + environment
}

// SyncOperation labels a sync history entry.
type SyncOperation string

const (
	// SyncPush records an upload.
	SyncPush SyncOperation = "push"
	// SyncPull records a download.
	SyncPull SyncOperation = "pull"
)

// SyncHistoryEntry is one line of the append-only sync log.
type SyncHistoryEntry struct {
	CID         string        `json:"cid"`
	Filename    string        `json:"filename"`
	Timestamp   time.Time     `json:"timestamp"`
	Size        int64         `json:"size"`
	Environment string        `json:"environment,omitempty"`
	GitRepo     string        `json:"gitRepo,omitempty"`
	Operation   SyncOperation `json:"operation"`
}
