package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/pkg/types"
)

var _ types.MetricsCollector = (*Collector)(nil)

// Collector exports filesystem events to Prometheus and keeps a small
// per-operation summary for the debug endpoint.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	flushCounter      prometheus.Counter
	flushPaths        *prometheus.CounterVec
	flushDuration     prometheus.Histogram
	dirtyPaths        prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	healthCheck func(context.Context) error

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// ConfigFrom builds the collector configuration from the process
// configuration.
func ConfigFrom(c *config.Configuration) *Config {
	return &Config{
		Enabled:   c.Monitoring.Metrics.Enabled,
		Port:      c.Global.MetricsPort,
		Path:      c.Monitoring.Metrics.Path,
		Labels:    c.Monitoring.Metrics.CustomLabels,
		Namespace: c.Monitoring.Metrics.Namespace,
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(cfg *Config, logger *zap.Logger) (*Collector, error) {
	if cfg == nil {
		cfg = &Config{
			Enabled:   true,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "deskfs",
			Labels:    make(map[string]string),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:     cfg,
		logger:     logger.With(zap.String("component", "metrics")),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !cfg.Enabled {
		return c, nil
	}
	if c.config.Path == "" {
		c.config.Path = "/metrics"
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// SetHealthCheck installs the probe served on /health.
func (c *Collector) SetHealthCheck(check func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCheck = check
}

// Handler returns the HTTP handler serving the metrics, health and debug
// endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start starts the metrics collection server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", c.config.Port, err)
	}

	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	c.logger.Info("Metrics server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", c.config.Path))
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (c *Collector) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit(path string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"type": "hit"}).Inc()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss(path string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"type": "miss"}).Inc()
}

// RecordFlush records one write-back sweep.
func (c *Collector) RecordFlush(paths int, failures int, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.flushCounter.Inc()
	c.flushPaths.With(prometheus.Labels{"result": "persisted"}).Add(float64(paths - failures))
	c.flushPaths.With(prometheus.Labels{"result": "failed"}).Add(float64(failures))
	c.flushDuration.Observe(duration.Seconds())
}

// SetDirtyPaths updates the number of paths awaiting write-back.
func (c *Collector) SetDirtyPaths(n int) {
	if !c.config.Enabled {
		return
	}
	c.dirtyPaths.Set(float64(n))
}

// GetMetrics returns a copy of the per-operation summary.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets all metrics
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operations_total",
			Help:      "Total number of filesystem operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "operation_size_bytes",
			Help:      "Size of file contents read or written in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 12), // 64B to ~268MB
		},
		[]string{"operation"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_requests_total",
			Help:      "Total number of content cache lookups",
		},
		[]string{"type"},
	)

	c.flushCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "flush_sweeps_total",
			Help:      "Total number of write-back sweeps",
		},
	)

	c.flushPaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "flush_paths_total",
			Help:      "Paths handled by write-back sweeps",
		},
		[]string{"result"},
	)

	c.flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "flush_duration_seconds",
			Help:      "Duration of write-back sweeps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	c.dirtyPaths = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dirty_paths",
			Help:      "Paths written but not yet persisted",
		},
	)
}

func (c *Collector) registerMetrics() error {
	reg := prometheus.WrapRegistererWith(prometheus.Labels(c.config.Labels), c.registry)

	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.flushCounter,
		c.flushPaths,
		c.flushDuration,
		c.dirtyPaths,
	}
	for _, metric := range metrics {
		if err := reg.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	check := c.healthCheck
	c.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	var detail string
	if check != nil {
		if err := check(r.Context()); err != nil {
			status, code, detail = "unhealthy", http.StatusServiceUnavailable, err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"service": "deskfs",
		"error":   detail,
	})
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("deskfs operations summary\n")
	writef("=========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset).Round(time.Second))
	writef("Last Reset: %v\n\n", c.lastReset.Format(time.RFC3339))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-20s %10s %10s %12s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	writef("%-20s %10s %10s %12s %12s %10s\n",
		"---------", "-----", "------", "------------", "--------", "-------")
	for _, name := range names {
		op := c.operations[name]
		writef("%-20s %10d %10d %12v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration,
			op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}
