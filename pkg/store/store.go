// Package store caches pulled wasm modules on local disk, addressed by
// their content digest. Concurrent pulls of the same digest are coalesced
// onto a single download, and the cache is bounded by evicting the least
// recently used modules.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wasmlet/wasmlet/pkg/observability"
)

// ErrNotCached is returned when a module is not present on disk.
var ErrNotCached = errors.New("module not cached")

// Config holds module cache settings.
type Config struct {
	// DataDir is the cache root. Blobs live under DataDir/blobs.
	DataDir string

	// MaxBytes bounds the total cache size. Zero disables eviction.
	MaxBytes int64
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max bytes cannot be negative")
	}
	return nil
}

// Entry describes one cached module.
type Entry struct {
	Digest   digest.Digest
	Size     int64
	LastUsed time.Time
	Pinned   bool
}

// FetchFunc downloads the module bytes for a digest that is not cached.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Store is a content-addressed module cache. Safe for concurrent use.
type Store struct {
	config Config
	logger *zap.Logger

	group singleflight.Group

	mu       sync.Mutex
	pins     map[digest.Digest]int
	verified map[digest.Digest]bool

	blobDir string
	tmpDir  string
}

// New creates the cache directories and indexes any modules left over from
// a previous run.
func New(config Config, logger *zap.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	blobDir := filepath.Join(config.DataDir, "blobs")
	tmpDir := filepath.Join(config.DataDir, "tmp")

	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	// Drop partial writes from an interrupted run
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("failed to clear temp directory: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	s := &Store{
		config:   config,
		logger:   logger,
		pins:     make(map[digest.Digest]int),
		verified: make(map[digest.Digest]bool),
		blobDir:  blobDir,
		tmpDir:   tmpDir,
	}

	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	s.updateGauges(entries)

	logger.Info("Module cache initialized",
		zap.String("data_dir", config.DataDir),
		zap.Int("cached_modules", len(entries)),
		zap.Int64("max_bytes", config.MaxBytes),
	)

	return s, nil
}

// Get returns the cached bytes for a digest. Modules read for the first
// time since startup are re-verified against their digest; entries that
// fail verification are removed and reported as not cached.
func (s *Store) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", dgst, err)
	}

	path := s.blobPath(dgst)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("failed to read cached module: %w", err)
	}

	if !s.isVerified(dgst) {
		if computed := dgst.Algorithm().FromBytes(data); computed != dgst {
			s.logger.Warn("Removing corrupted cache entry",
				zap.String("digest", dgst.String()),
				zap.String("computed", computed.String()),
			)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to remove corrupted module: %w", err)
			}
			return nil, ErrNotCached
		}
		s.markVerified(dgst)
	}

	// Track recency for eviction
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	return data, nil
}

// GetOrFetch returns the cached module or downloads it with fetch. Callers
// asking for the same digest share one download; cancelling one caller does
// not abort the download for the others.
func (s *Store) GetOrFetch(ctx context.Context, dgst digest.Digest, fetch FetchFunc) ([]byte, error) {
	ctx, span := observability.StartSpan(ctx, "wasmlet.store", "store.get_or_fetch")
	defer span.End()

	data, err := s.Get(ctx, dgst)
	if err == nil {
		observability.CacheHitsTotal.Inc()
		return data, nil
	}
	if !errors.Is(err, ErrNotCached) {
		return nil, err
	}
	observability.CacheMissesTotal.Inc()

	key := dgst.String()
	ch := s.group.DoChan(key, func() (interface{}, error) {
		// The download outlives any single waiter so that one pod being
		// deleted does not abort a pull other pods are waiting on.
		data, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if err := s.Put(dgst, data); err != nil {
			return nil, err
		}
		if err := s.EnsureBudget(); err != nil {
			s.logger.Warn("Cache eviction failed", zap.Error(err))
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.group.Forget(key)
			return nil, res.Err
		}
		if res.Shared {
			observability.CacheSharedFetches.Inc()
		}
		return res.Val.([]byte), nil
	}
}

// Put verifies data against dgst and writes it to the cache atomically.
func (s *Store) Put(dgst digest.Digest, data []byte) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	if computed := dgst.Algorithm().FromBytes(data); computed != dgst {
		return fmt.Errorf("module failed verification: expected %s, got %s", dgst, computed)
	}

	path := s.blobPath(dgst)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.tmpDir, "blob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write module: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move module into cache: %w", err)
	}

	s.markVerified(dgst)

	s.logger.Debug("Cached module",
		zap.String("digest", dgst.String()),
		zap.Int("size", len(data)),
	)

	if entries, err := s.List(); err == nil {
		s.updateGauges(entries)
	}

	return nil
}

// Contains reports whether a module is cached without reading it.
func (s *Store) Contains(dgst digest.Digest) bool {
	_, err := os.Stat(s.blobPath(dgst))
	return err == nil
}

// Path returns the filesystem location a digest would be cached at.
func (s *Store) Path(dgst digest.Digest) string {
	return s.blobPath(dgst)
}

// Pin protects a module from eviction while it is in use. Pins nest.
func (s *Store) Pin(dgst digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[dgst]++
}

// Unpin releases one pin on a module.
func (s *Store) Unpin(dgst digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[dgst] > 1 {
		s.pins[dgst]--
	} else {
		delete(s.pins, dgst)
	}
}

// Remove deletes a module from the cache. Pinned modules are not removed.
func (s *Store) Remove(dgst digest.Digest) error {
	if s.isPinned(dgst) {
		return fmt.Errorf("module %s is in use", dgst)
	}
	if err := os.Remove(s.blobPath(dgst)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotCached
		}
		return fmt.Errorf("failed to remove module: %w", err)
	}

	s.mu.Lock()
	delete(s.verified, dgst)
	s.mu.Unlock()

	if entries, err := s.List(); err == nil {
		s.updateGauges(entries)
	}
	return nil
}

// List returns every cached module, most recently used first.
func (s *Store) List() ([]Entry, error) {
	return listBlobDir(s.blobDir, s.isPinned)
}

// ListDir reads the cache under a store data directory without opening the
// store, so it never clears temp state out from under a running agent. Pin
// state is process-local, so every entry reports unpinned.
func ListDir(dataDir string) ([]Entry, error) {
	return listBlobDir(filepath.Join(dataDir, "blobs"), func(digest.Digest) bool { return false })
}

func listBlobDir(blobDir string, pinned func(digest.Digest) bool) ([]Entry, error) {
	algDirs, err := os.ReadDir(blobDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read blob directory: %w", err)
	}

	var entries []Entry
	for _, algDir := range algDirs {
		if !algDir.IsDir() {
			continue
		}
		alg := digest.Algorithm(algDir.Name())

		files, err := os.ReadDir(filepath.Join(blobDir, algDir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read blob directory: %w", err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			dgst := digest.NewDigestFromEncoded(alg, file.Name())
			if err := dgst.Validate(); err != nil {
				// Not a blob we wrote; leave it alone
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			entries = append(entries, Entry{
				Digest:   dgst,
				Size:     info.Size(),
				LastUsed: info.ModTime(),
				Pinned:   pinned(dgst),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsed.After(entries[j].LastUsed)
	})
	return entries, nil
}

// EnsureBudget evicts least recently used modules until the cache fits the
// configured budget. Pinned modules survive even when the cache stays over
// budget.
func (s *Store) EnsureBudget() error {
	if s.config.MaxBytes <= 0 {
		return nil
	}

	entries, err := s.List()
	if err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= s.config.MaxBytes {
		s.updateGauges(entries)
		return nil
	}

	// Oldest first
	for i := len(entries) - 1; i >= 0 && total > s.config.MaxBytes; i-- {
		e := entries[i]
		if e.Pinned {
			continue
		}
		if err := os.Remove(s.blobPath(e.Digest)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to evict module %s: %w", e.Digest, err)
		}

		s.mu.Lock()
		delete(s.verified, e.Digest)
		s.mu.Unlock()

		total -= e.Size
		observability.CacheEvictionsTotal.Inc()
		s.logger.Debug("Evicted cached module",
			zap.String("digest", e.Digest.String()),
			zap.Int64("size", e.Size),
		)
	}

	if total > s.config.MaxBytes {
		s.logger.Warn("Cache over budget, remaining modules are in use",
			zap.Int64("size", total),
			zap.Int64("max_bytes", s.config.MaxBytes),
		)
	}

	entries, err = s.List()
	if err != nil {
		return err
	}
	s.updateGauges(entries)
	return nil
}

func (s *Store) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.blobDir, dgst.Algorithm().String(), dgst.Encoded())
}

func (s *Store) isPinned(dgst digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[dgst] > 0
}

func (s *Store) isVerified(dgst digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified[dgst]
}

func (s *Store) markVerified(dgst digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[dgst] = true
}

func (s *Store) updateGauges(entries []Entry) {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	observability.CacheSizeBytes.Set(float64(total))
	observability.CacheEntries.Set(float64(len(entries)))
}
