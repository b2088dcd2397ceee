package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/offlinectl/internal/metrics"
)

// Manager owns the named buckets. Every put and its eviction pass for one
// bucket run under that bucket's lock so the count bound holds under
// concurrent writers.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	locks map[string]*bucketLock
}

// bucketLock is reference counted so idle and purged buckets do not keep
// an entry in Manager.locks.
type bucketLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager wraps backend. A nil logger falls back to slog.Default.
func NewManager(backend Backend, logger *slog.Logger, recorder *metrics.Recorder) *Manager {
	if backend == nil {
		backend = NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		logger:  logger.With(slog.String("agent", "cache")),
		metrics: recorder,
		locks:   make(map[string]*bucketLock),
	}
}

// lockBucket serializes writers of bucket and returns the matching unlock.
func (m *Manager) lockBucket(bucket string) func() {
	m.mu.Lock()
	lock, ok := m.locks[bucket]
	if !ok {
		lock = &bucketLock{}
		m.locks[bucket] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, bucket)
		}
		m.mu.Unlock()
	}
}

// Get returns the entry stored under key. Backend errors and undecodable
// entries are logged and reported as a miss.
func (m *Manager) Get(ctx context.Context, bucket string, key RequestKey) (Entry, bool) {
	if bucket == "" {
		return Entry{}, false
	}
	start := time.Now()
	entry, ok, err := m.backend.Lookup(ctx, bucket, key.Hash())
	switch {
	case err != nil:
		m.metrics.ObserveCacheLookup(bucket, metrics.CacheLookupError, time.Since(start))
		m.logger.Warn("cache lookup failed", slog.String("bucket", bucket), slog.String("key", key.String()), slog.Any("error", err))
		return Entry{}, false
	case !ok:
		m.metrics.ObserveCacheLookup(bucket, metrics.CacheLookupMiss, time.Since(start))
		return Entry{}, false
	}
	m.metrics.ObserveCacheLookup(bucket, metrics.CacheLookupHit, time.Since(start))
	return entry, true
}

// Put writes entry and, when the policy carries a max count, trims the bucket
// back to that count before releasing the bucket.
func (m *Manager) Put(ctx context.Context, bucket string, key RequestKey, entry Entry, policy ExpirationPolicy) error {
	if bucket == "" {
		return errors.New("cache: bucket name required")
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.Method == "" {
		entry.Method = key.Method
	}
	if entry.URL == "" {
		entry.URL = key.URL
	}

	defer m.lockBucket(bucket)()

	start := time.Now()
	if err := m.backend.Store(ctx, bucket, key.Hash(), entry); err != nil {
		m.metrics.ObserveCacheStore(bucket, metrics.CacheStoreError, time.Since(start))
		return fmt.Errorf("cache: put %s: %w", bucket, err)
	}
	m.metrics.ObserveCacheStore(bucket, metrics.CacheStoreStored, time.Since(start))

	if _, err := m.evictLocked(ctx, bucket, policy); err != nil {
		return err
	}
	return nil
}

// Evict applies the count bound of policy to bucket and returns how many
// entries were removed.
func (m *Manager) Evict(ctx context.Context, bucket string, policy ExpirationPolicy) (int, error) {
	defer m.lockBucket(bucket)()
	return m.evictLocked(ctx, bucket, policy)
}

func (m *Manager) evictLocked(ctx context.Context, bucket string, policy ExpirationPolicy) (int, error) {
	if policy.MaxEntries <= 0 {
		return 0, nil
	}
	removed, err := m.backend.Trim(ctx, bucket, policy.MaxEntries)
	if err != nil {
		return 0, fmt.Errorf("cache: evict %s: %w", bucket, err)
	}
	if removed > 0 {
		m.metrics.ObserveEviction(metrics.EvictionCount, removed)
		m.logger.Debug("cache evicted entries", slog.String("bucket", bucket), slog.Int("removed", removed))
	}
	return removed, nil
}

// PurgeBucketsNotIn deletes every bucket whose name is absent from allow and
// returns the removed names. Individual delete failures are joined so the
// remaining buckets are still attempted.
func (m *Manager) PurgeBucketsNotIn(ctx context.Context, allow []string) ([]string, error) {
	keep := make(map[string]struct{}, len(allow))
	for _, name := range allow {
		keep[name] = struct{}{}
	}
	names, err := m.backend.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: list buckets: %w", err)
	}
	var (
		removed []string
		errs    []error
	)
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := m.deleteBucket(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		m.metrics.ObserveEviction(metrics.EvictionPurge, len(removed))
		m.logger.Info("cache purged buckets", slog.Any("buckets", removed))
	}
	return removed, errors.Join(errs...)
}

// Clear removes every bucket.
func (m *Manager) Clear(ctx context.Context) error {
	names, err := m.backend.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("cache: list buckets: %w", err)
	}
	var errs []error
	for _, name := range names {
		if err := m.deleteBucket(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	m.metrics.ObserveEviction(metrics.EvictionClear, len(names))
	return errors.Join(errs...)
}

// DeleteBucket removes one bucket and its entries.
func (m *Manager) DeleteBucket(ctx context.Context, name string) error {
	return m.deleteBucket(ctx, name)
}

func (m *Manager) deleteBucket(ctx context.Context, name string) error {
	defer m.lockBucket(name)()
	if err := m.backend.DeleteBucket(ctx, name); err != nil {
		return fmt.Errorf("cache: delete bucket %s: %w", name, err)
	}
	return nil
}

// Buckets lists the bucket names currently holding entries.
func (m *Manager) Buckets(ctx context.Context) ([]string, error) {
	names, err := m.backend.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: list buckets: %w", err)
	}
	return names, nil
}

// Size reports the stored body bytes across all buckets.
func (m *Manager) Size(ctx context.Context) (int64, error) {
	size, err := m.backend.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: size: %w", err)
	}
	return size, nil
}

func (m *Manager) Close(ctx context.Context) error {
	return m.backend.Close(ctx)
}
