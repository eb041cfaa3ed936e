package sync

import (
	"context"
	"fmt"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/metrics"
	"github.com/gwicho38/lsh/internal/secrets"
)

// DefaultGateways are the public HTTP gateways tried for downloads
// after the local daemon, in order.
var DefaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://dweb.link/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
}

// DefaultRequestTimeout bounds each individual network attempt.
const DefaultRequestTimeout = 30 * time.Second

// Config wires the engine to its on-disk and network locations.
type Config struct {
	// CacheDir holds encrypted payloads keyed by CID.
	CacheDir string
	// MetadataPath is the metadata index file.
	MetadataPath string
	// HistoryPath is the append-only sync log.
	HistoryPath string
	// IPFSAPIURL is the local daemon API base.
	IPFSAPIURL string
	// Gateways are download fallbacks tried after the daemon.
	Gateways []string
	// RequestTimeout bounds each network attempt.
	RequestTimeout time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.IPFSAPIURL == "" {
		c.IPFSAPIURL = DefaultIPFSAPIURL
	}
	if len(c.Gateways) == 0 {
		c.Gateways = DefaultGateways
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// PushOptions describes one upload.
type PushOptions struct {
	Environment string
	GitRepo     string
	GitBranch   string
	Key         string
}

// PushResult reports where a bundle ended up. Uploaded is false when
// the IPFS daemon was unreachable and the bundle only exists in the
// local cache; the push is still usable locally.
type PushResult struct {
	CID       string `json:"cid"`
	Uploaded  bool   `json:"uploaded"`
	KeysCount int    `json:"keysCount"`
	Size      int64  `json:"size"`
}

// PullOptions describes one download.
type PullOptions struct {
	Environment string
	GitRepo     string
	Key         string
}

// Engine is the content-addressed sync service. Operations on the same
// (repo, env) pair are serialized in arrival order; distinct pairs run
// concurrently.
type Engine struct {
	cfg     Config
	ipfs    *ipfsClient
	cache   *cache
	meta    *metadataIndex
	history *historyLog
	http    *http.Client
	met     *metrics.Metrics
	log     logger.Interface
	now     func() time.Time

	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

// New creates a sync engine.
func New(cfg Config, log logger.Interface) *Engine {
	if log == nil {
		log = logger.NewNoOp()
	}
	cfg.applyDefaults()
	log = log.WithComponent("sync")

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Engine{
		cfg:     cfg,
		ipfs:    newIPFSClient(cfg.IPFSAPIURL, httpClient),
		cache:   &cache{dir: cfg.CacheDir},
		meta:    &metadataIndex{path: cfg.MetadataPath, log: log},
		history: &historyLog{path: cfg.HistoryPath, log: log},
		http:    httpClient,
		met:     cfg.Metrics,
		log:     log,
		now:     time.Now,
	}
}

// pairLock returns the mutex serializing operations for one
// (repo, env) pair.
func (e *Engine) pairLock(gitRepo, environment string) *stdsync.Mutex {
	key := domain.MetadataKey(gitRepo, environment)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks == nil {
		e.locks = make(map[string]*stdsync.Mutex)
	}
	lock, ok := e.locks[key]
	if !ok {
		lock = &stdsync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// Push encrypts the secrets and replicates the bundle: cache write
// first, then upload to the local IPFS daemon when reachable. A push
// that cannot reach the daemon still succeeds with Uploaded=false; the
// local copy remains usable.
func (e *Engine) Push(ctx context.Context, secretList []domain.Secret, opts PushOptions) (*PushResult, error) {
	result, err := e.push(ctx, secretList, opts)
	if e.met != nil {
		e.met.SyncPushes.WithLabelValues(pushOutcome(result, err)).Inc()
	}
	return result, err
}

func pushOutcome(result *PushResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case result.Uploaded:
		return "uploaded"
	default:
		return "cached"
	}
}

func (e *Engine) push(ctx context.Context, secretList []domain.Secret, opts PushOptions) (*PushResult, error) {
	if opts.Environment == "" {
		return nil, domain.E(domain.KindInvalidInput, "environment is required")
	}

	lock := e.pairLock(opts.GitRepo, opts.Environment)
	lock.Lock()
	defer lock.Unlock()

	envelope, err := secrets.Encrypt(secretList, opts.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := []byte(envelope)

	cid := LocalCID(ciphertext)
	if err := e.cache.Write(cid, ciphertext); err != nil {
		return nil, err
	}

	// Past this point the bundle is durable locally; network failure
	// downgrades the push to a partial success.
	uploaded := false
	if e.ipfs.Available(ctx) {
		serverCID, err := e.ipfs.Add(ctx, bundleFilename(opts.GitRepo, opts.Environment), ciphertext)
		if err != nil {
			e.log.Warn("IPFS upload failed, bundle kept in local cache",
				"environment", opts.Environment, "error", err)
		} else {
			if serverCID != cid {
				// The daemon's CID is authoritative; keep the payload
				// reachable under it too.
				if err := e.cache.Write(serverCID, ciphertext); err != nil {
					return nil, err
				}
				cid = serverCID
			}
			uploaded = true
		}
	} else {
		e.log.Warn("IPFS daemon unreachable, bundle kept in local cache",
			"environment", opts.Environment)
	}

	meta := domain.SecretBundleMetadata{
		Environment:    opts.Environment,
		GitRepo:        opts.GitRepo,
		GitBranch:      opts.GitBranch,
		CID:            cid,
		Timestamp:      e.now().UTC(),
		KeysCount:      len(secretList),
		Encrypted:      true,
		PendingNetwork: !uploaded,
	}
	if err := e.meta.Put(meta); err != nil {
		return nil, err
	}

	if err := e.history.Append(domain.SyncHistoryEntry{
		CID:         cid,
		Filename:    bundleFilename(opts.GitRepo, opts.Environment),
		Timestamp:   meta.Timestamp,
		Size:        int64(len(ciphertext)),
		Environment: opts.Environment,
		GitRepo:     opts.GitRepo,
		Operation:   domain.SyncPush,
	}); err != nil {
		return nil, err
	}

	e.log.Info("bundle pushed",
		"environment", opts.Environment,
		"cid", cid,
		"keys", len(secretList),
		"uploaded", uploaded)
	return &PushResult{CID: cid, Uploaded: uploaded, KeysCount: len(secretList), Size: int64(len(ciphertext))}, nil
}

// Pull retrieves and decrypts the latest bundle for a (repo, env)
// pair. Retrieval order: local cache, local IPFS daemon, public
// gateways. Network payloads are written through to the cache.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) ([]domain.Secret, error) {
	secretList, err := e.pull(ctx, opts)
	if e.met != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.met.SyncPulls.WithLabelValues(outcome).Inc()
	}
	return secretList, err
}

func (e *Engine) pull(ctx context.Context, opts PullOptions) ([]domain.Secret, error) {
	if opts.Environment == "" {
		return nil, domain.E(domain.KindInvalidInput, "environment is required")
	}

	lock := e.pairLock(opts.GitRepo, opts.Environment)
	lock.Lock()
	defer lock.Unlock()

	cid, err := e.resolveCID(opts.GitRepo, opts.Environment)
	if err != nil {
		return nil, err
	}

	ciphertext, err := e.retrieve(ctx, cid)
	if err != nil {
		return nil, err
	}

	secretList, err := secrets.Decrypt(string(ciphertext), opts.Key)
	if err != nil {
		return nil, err
	}

	if err := e.history.Append(domain.SyncHistoryEntry{
		CID:         cid,
		Filename:    bundleFilename(opts.GitRepo, opts.Environment),
		Timestamp:   e.now().UTC(),
		Size:        int64(len(ciphertext)),
		Environment: opts.Environment,
		GitRepo:     opts.GitRepo,
		Operation:   domain.SyncPull,
	}); err != nil {
		e.log.Warn("failed to record pull in sync history", "cid", cid, "error", err)
	}

	e.log.Info("bundle pulled", "environment", opts.Environment, "cid", cid, "keys", len(secretList))
	return secretList, nil
}

// resolveCID finds the CID for a pair: the metadata index first, the
// sync history as fallback when the index lost its entry.
func (e *Engine) resolveCID(gitRepo, environment string) (string, error) {
	meta, err := e.meta.Get(gitRepo, environment)
	if err == nil {
		return meta.CID, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return "", err
	}

	entry, ok, histErr := e.history.LatestPush(gitRepo, environment)
	if histErr != nil {
		return "", histErr
	}
	if !ok {
		return "", domain.E(domain.KindNotFound,
			"no bundle found for environment %q%s", environment, repoSuffix(gitRepo))
	}
	e.log.Debug("metadata entry missing, resolved CID from sync history",
		"environment", environment, "cid", entry.CID)
	return entry.CID, nil
}

// retrieve fetches the ciphertext behind a CID, first success wins.
func (e *Engine) retrieve(ctx context.Context, cid string) ([]byte, error) {
	if data, err := e.cache.Read(cid); err == nil {
		return data, nil
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return nil, err
	}

	if e.ipfs.Available(ctx) {
		if data, err := e.ipfs.Cat(ctx, cid); err == nil {
			e.writeThrough(cid, data)
			return data, nil
		} else {
			e.log.Warn("IPFS cat failed, falling back to gateways", "cid", cid, "error", err)
		}
	}

	for _, gateway := range e.cfg.Gateways {
		data, err := e.fetchGateway(ctx, gateway, cid)
		if err != nil {
			e.log.Debug("gateway download failed", "gateway", gateway, "cid", cid, "error", err)
			continue
		}
		if e.met != nil {
			e.met.GatewayFallbacks.Inc()
		}
		e.writeThrough(cid, data)
		return data, nil
	}

	return nil, domain.E(domain.KindNetworkUnavailable,
		"bundle %s is not in the local cache and no retrieval path succeeded", cid)
}

func (e *Engine) fetchGateway(ctx context.Context, gateway, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+cid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return readAllLimited(resp.Body)
}

// writeThrough caches a network payload. Best effort: the caller
// already holds the bytes.
func (e *Engine) writeThrough(cid string, data []byte) {
	if err := e.cache.Write(cid, data); err != nil {
		e.log.Warn("failed to cache downloaded bundle", "cid", cid, "error", err)
	}
}

// List returns the metadata entries, newest first.
func (e *Engine) List() ([]domain.SecretBundleMetadata, error) {
	return e.meta.List()
}

// History returns recent sync log entries, newest first.
func (e *Engine) History(limit int) ([]domain.SyncHistoryEntry, error) {
	return e.history.Recent(limit)
}

// Delete removes the local metadata entry for a pair. Cached payloads
// stay; they are content-addressed and harmless.
func (e *Engine) Delete(gitRepo, environment string) error {
	lock := e.pairLock(gitRepo, environment)
	lock.Lock()
	defer lock.Unlock()
	return e.meta.Delete(gitRepo, environment)
}

func bundleFilename(gitRepo, environment string) string {
	return domain.MetadataKey(gitRepo, environment) + ".secrets.encrypted"
}

func repoSuffix(gitRepo string) string {
	if gitRepo == "" {
		return ""
	}
	return fmt.Sprintf(" (repo %q)", gitRepo)
}
