package vfs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/pkg/clock"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

const component = "vfs"

// DefaultFlushDelay is the quiet period used when Config.FlushDelay is unset.
const DefaultFlushDelay = 500 * time.Millisecond

// Config holds the cache behavior of a FileSystem.
type Config struct {
	FlushDelay     time.Duration
	ListPending    bool
	MaxCopyEntries int
	FlushOnClose   bool
}

// ConfigFrom converts the cache section of the application configuration.
func ConfigFrom(c config.CacheConfig) Config {
	return Config{
		FlushDelay:     c.FlushDelay,
		ListPending:    c.ListPending,
		MaxCopyEntries: c.MaxCopyEntries,
		FlushOnClose:   c.FlushOnClose,
	}
}

// DefaultConfig mirrors the defaults of config.NewDefault.
func DefaultConfig() Config {
	return ConfigFrom(config.NewDefault().Cache)
}

// Option configures optional collaborators of a FileSystem.
type Option func(*FileSystem)

// WithLogger sets the logger. Components log through children of it.
func WithLogger(logger *zap.Logger) Option {
	return func(f *FileSystem) {
		f.logger = utils.Component(logger, component)
		f.flushLog = utils.Component(logger, "flusher")
	}
}

// WithClock replaces the real clock, typically with clock.Fake in tests.
func WithClock(c clock.Clock) Option {
	return func(f *FileSystem) { f.clock = c }
}

// WithMetrics reports operations to m.
func WithMetrics(m types.MetricsCollector) Option {
	return func(f *FileSystem) { f.metrics = m }
}

// Stats is a snapshot of the filesystem counters.
type Stats struct {
	Writes          int64 `json:"writes"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	Sweeps          int64 `json:"sweeps"`
	Persisted       int64 `json:"persisted"`
	PersistFailures int64 `json:"persist_failures"`
	CachedPaths     int   `json:"cached_paths"`
	DirtyPaths      int   `json:"dirty_paths"`
}

// FileSystem is a write-back cache in front of a handle-based backend.
// Writes land in memory and are persisted by a debounced sweep; reads are
// served from memory first.
type FileSystem struct {
	backend types.Backend
	cfg     Config

	logger   *zap.Logger
	flushLog *zap.Logger
	clock    clock.Clock
	metrics  types.MetricsCollector

	// mu guards everything below it. It is never held across a backend call.
	mu       sync.Mutex
	root     types.DirectoryHandle
	cache    map[string]types.Content
	dirty    map[string]struct{}
	timer    clock.Timer
	timerSeq uint64
	// gen is bumped whenever cache keys are invalidated so that in-flight
	// read-through fills can detect they are stale.
	gen    uint64
	closed bool

	// flushMu serializes sweeps with each other and with the operations
	// that need the backend to be consistent with the cache.
	flushMu sync.Mutex

	reads singleflight.Group

	writes          atomic.Int64
	hits            atomic.Int64
	misses          atomic.Int64
	sweeps          atomic.Int64
	persisted       atomic.Int64
	persistFailures atomic.Int64
}

// New creates a FileSystem over backend. Init must be called before use.
func New(backend types.Backend, cfg Config, opts ...Option) *FileSystem {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	f := &FileSystem{
		backend:  backend,
		cfg:      cfg,
		logger:   zap.NewNop(),
		flushLog: zap.NewNop(),
		clock:    clock.Real(),
		cache:    make(map[string]types.Content),
		dirty:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Init obtains the backend root handle. It is safe to call more than once.
func (f *FileSystem) Init(ctx context.Context) error {
	f.mu.Lock()
	if f.root != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	root, err := f.backend.Root(ctx)
	if err != nil {
		return wrapBackend("root", "/", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.root == nil {
		f.root = root
		f.closed = false
	}
	f.logger.Debug("Filesystem initialized",
		zap.Duration("flush_delay", f.cfg.FlushDelay),
		zap.Bool("list_pending", f.cfg.ListPending))
	return nil
}

// Config returns the effective cache configuration.
func (f *FileSystem) Config() Config {
	return f.cfg
}

// Close cancels the pending sweep and, when FlushOnClose is set, persists
// everything still dirty. Later writes fail with NOT_INITIALIZED.
func (f *FileSystem) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.cancelTimerLocked()
	pending := len(f.dirty)
	f.mu.Unlock()

	if !f.cfg.FlushOnClose {
		if pending > 0 {
			f.logger.Warn("Closing with unflushed writes", zap.Int("dirty_paths", pending))
		}
		return nil
	}
	return f.Flush(ctx)
}

// Stats returns a snapshot of the counters.
func (f *FileSystem) Stats() Stats {
	f.mu.Lock()
	cached, dirty := len(f.cache), len(f.dirty)
	f.mu.Unlock()

	return Stats{
		Writes:          f.writes.Load(),
		CacheHits:       f.hits.Load(),
		CacheMisses:     f.misses.Load(),
		Sweeps:          f.sweeps.Load(),
		Persisted:       f.persisted.Load(),
		PersistFailures: f.persistFailures.Load(),
		CachedPaths:     cached,
		DirtyPaths:      dirty,
	}
}

// rootHandle returns the backend root or NOT_INITIALIZED.
func (f *FileSystem) rootHandle() (types.DirectoryHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.root == nil {
		return nil, errors.NewError(errors.ErrCodeNotInitialized, "filesystem not initialized").
			WithComponent(component)
	}
	return f.root, nil
}

func (f *FileSystem) observe(op string, start time.Time, size int64, err error) {
	if f.metrics == nil {
		return
	}
	f.metrics.RecordOperation(op, f.clock.Now().Sub(start), size, err == nil)
}

// wrapBackend passes structured errors through and classifies anything
// else as a backend I/O failure.
func wrapBackend(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) != errors.ErrCodeInternalError {
		return err
	}
	return errors.BackendIO(op, path, err).WithComponent(component)
}

// isAbsent reports errors meaning "no entry of the requested kind here".
func isAbsent(err error) bool {
	return errors.IsNotFound(err) || errors.HasCode(err, errors.ErrCodeTypeMismatch)
}
