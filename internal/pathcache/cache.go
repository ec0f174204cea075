package pathcache

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/stackvity/phpunitkit/internal/metrics"
)

// Status represents the outcome of a cache lookup.
type Status string

const (
	// StatusFound indicates a resolved path is cached for the pair.
	StatusFound Status = "Found"
	// StatusNotFound indicates an earlier search for the pair failed and the
	// failure is still remembered.
	StatusNotFound Status = "NotFound"
	// StatusAbsent indicates nothing is known about the pair.
	StatusAbsent Status = "Absent"
)

// Cache memoizes "file name found at path for project root" lookups.
// Absent and NotFound are distinct: callers forget a negative result with
// Invalidate to let a later strategy run without poisoning the cache.
type Cache interface {
	// Get returns the cached path and the lookup status for (root, name).
	Get(root, name string) (string, Status)

	// Put records that name resolves to path under root.
	Put(root, name, path string)

	// PutNotFound records a failed search for (root, name). Implementations
	// may ignore it when negative caching is disabled.
	PutNotFound(root, name string)

	// Invalidate forgets (root, name).
	Invalidate(root, name string)

	// Clear removes every entry for every root.
	Clear()
}

type entry struct {
	path    string
	found   bool
	expires time.Time // zero for positive entries
}

// Memory implements Cache with per-root maps guarded by a RWMutex.
type Memory struct {
	mu          sync.RWMutex
	roots       map[string]map[string]entry
	negativeTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Memory cache.
type Option func(*Memory)

// WithNegativeTTL enables caching of failed searches for ttl. Zero, the
// default, disables negative caching entirely.
func WithNegativeTTL(ttl time.Duration) Option {
	return func(m *Memory) { m.negativeTTL = ttl }
}

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithMetrics counts lookups by status.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Memory) { m.metrics = mt }
}

// New creates an empty in-memory cache.
func New(logger *slog.Logger, opts ...Option) *Memory {
	m := &Memory{
		roots:  make(map[string]map[string]entry),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements the Cache interface. An expired negative entry reads as
// Absent and is dropped.
func (m *Memory) Get(root, name string) (string, Status) {
	key := rootKey(root)

	m.mu.RLock()
	e, ok := m.roots[key][name]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debug("Path cache miss", "root", key, "candidate", name)
		m.metrics.CacheLookup("absent")
		return "", StatusAbsent
	}
	if e.found {
		m.logger.Debug("Path cache hit", "root", key, "candidate", name, "path", e.path)
		m.metrics.CacheLookup("found")
		return e.path, StatusFound
	}

	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.mu.Lock()
		// Re-check under the write lock; a Put may have replaced the entry.
		if cur, still := m.roots[key][name]; still && !cur.found && cur.expires.Equal(e.expires) {
			delete(m.roots[key], name)
		}
		m.mu.Unlock()
		m.logger.Debug("Path cache negative entry expired", "root", key, "candidate", name)
		m.metrics.CacheLookup("absent")
		return "", StatusAbsent
	}

	m.logger.Debug("Path cache negative hit", "root", key, "candidate", name)
	m.metrics.CacheLookup("not_found")
	return "", StatusNotFound
}

// Put implements the Cache interface.
func (m *Memory) Put(root, name, path string) {
	key := rootKey(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketLocked(key)[name] = entry{path: path, found: true}
	m.logger.Debug("Path cache stored", "root", key, "candidate", name, "path", path)
}

// PutNotFound implements the Cache interface. It is a no-op unless a
// negative TTL was configured.
func (m *Memory) PutNotFound(root, name string) {
	if m.negativeTTL <= 0 {
		return
	}
	key := rootKey(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketLocked(key)[name] = entry{expires: m.now().Add(m.negativeTTL)}
	m.logger.Debug("Path cache stored negative entry", "root", key, "candidate", name, "ttl", m.negativeTTL)
}

// Invalidate implements the Cache interface.
func (m *Memory) Invalidate(root, name string) {
	key := rootKey(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok := m.roots[key]; ok {
		delete(bucket, name)
		if len(bucket) == 0 {
			delete(m.roots, key)
		}
	}
}

// Clear implements the Cache interface.
func (m *Memory) Clear() {
	m.mu.Lock()
	n := 0
	for _, bucket := range m.roots {
		n += len(bucket)
	}
	m.roots = make(map[string]map[string]entry)
	m.mu.Unlock()
	m.logger.Debug("Path cache cleared", "entries", n)
}

// Len returns the number of entries across all roots, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, bucket := range m.roots {
		n += len(bucket)
	}
	return n
}

func (m *Memory) bucketLocked(key string) map[string]entry {
	bucket, ok := m.roots[key]
	if !ok {
		bucket = make(map[string]entry)
		m.roots[key] = bucket
	}
	return bucket
}

func rootKey(root string) string {
	return filepath.Clean(root)
}

// noOpCache provides a Cache implementation that remembers nothing.
type noOpCache struct{}

// NewNoOp creates a Cache that never stores anything, used for --no-cache.
func NewNoOp() Cache {
	return noOpCache{}
}

func (noOpCache) Get(root, name string) (string, Status) { return "", StatusAbsent }
func (noOpCache) Put(root, name, path string)            {}
func (noOpCache) PutNotFound(root, name string)          {}
func (noOpCache) Invalidate(root, name string)           {}
func (noOpCache) Clear()                                 {}
