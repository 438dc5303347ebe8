// Package metrics exposes the Prometheus exporter. Login results are
// pushed by their producers; component counters are pulled from GetStats
// sources on a refresh interval.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config defines metrics exporter configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	MetricsPath    string        `yaml:"metrics_path"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	Namespace      string        `yaml:"namespace"`
}

// StatsSource exposes a component's counters to the refresh loop. The
// worker pool, admission controller, defense pipeline, audit emitter and
// login flow all provide it.
type StatsSource interface {
	GetStats() map[string]interface{}
}

// Exporter owns the registry and the scrape endpoint.
type Exporter struct {
	logger   *zap.Logger
	config   Config
	server   *http.Server
	registry *prometheus.Registry

	// Login metrics
	loginOutcomes       *prometheus.CounterVec
	verificationSeconds prometheus.Histogram
	lockouts            prometheus.Counter

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Component metrics
	componentStats *prometheus.GaugeVec

	// System metrics
	goroutines  prometheus.Gauge
	memoryAlloc prometheus.Gauge

	mu      sync.RWMutex
	sources map[string]StatsSource
}

// NewExporter creates a metrics exporter.
func NewExporter(config Config, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 10 * time.Second
	}
	if config.Namespace == "" {
		config.Namespace = "torii"
	}

	e := &Exporter{
		logger:   logger.Named("metrics"),
		config:   config,
		registry: prometheus.NewRegistry(),
		sources:  make(map[string]StatsSource),
	}
	e.initializeMetrics()
	return e
}

// Watch registers a component for the refresh loop. Numeric stats surface
// as torii_component_stat{component, stat}; everything else is skipped.
func (e *Exporter) Watch(name string, source StatsSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[name] = source
}

// Start serves the scrape endpoint and runs the refresh loop until the
// context is cancelled.
func (e *Exporter) Start(ctx context.Context) error {
	if !e.config.Enabled {
		e.logger.Info("Metrics exporter disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(e.config.MetricsPath, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Addr:    e.config.ListenAddr,
		Handler: mux,
	}

	go func() {
		e.logger.Info("Starting metrics exporter",
			zap.String("address", e.config.ListenAddr),
			zap.String("path", e.config.MetricsPath),
		)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(e.config.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.Stop()
		case <-ticker.C:
			e.refresh()
		}
	}
}

// Stop halts the scrape endpoint.
func (e *Exporter) Stop() error {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}
	e.logger.Info("Metrics exporter stopped")
	return nil
}

// RecordLoginOutcome counts one terminal login outcome.
func (e *Exporter) RecordLoginOutcome(outcome string) {
	e.loginOutcomes.WithLabelValues(outcome).Inc()
}

// RecordVerification records the duration of one proof verification.
func (e *Exporter) RecordVerification(d time.Duration) {
	e.verificationSeconds.Observe(d.Seconds())
}

// RecordLockout counts one automatic account lock.
func (e *Exporter) RecordLockout() {
	e.lockouts.Inc()
}

// RecordHTTPRequest counts one served request.
func (e *Exporter) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	e.httpRequests.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
	e.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// refresh pulls the registered sources and the runtime gauges.
func (e *Exporter) refresh() {
	e.mu.RLock()
	sources := make(map[string]StatsSource, len(e.sources))
	for name, source := range e.sources {
		sources[name] = source
	}
	e.mu.RUnlock()

	for name, source := range sources {
		e.setComponentStats(name, source.GetStats())
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	e.memoryAlloc.Set(float64(m.Alloc))
	e.goroutines.Set(float64(runtime.NumGoroutine()))
}

func (e *Exporter) setComponentStats(name string, stats map[string]interface{}) {
	for stat, value := range stats {
		if f, ok := toFloat(value); ok {
			e.componentStats.WithLabelValues(name, stat).Set(f)
		}
	}
}

// toFloat widens the numeric types that GetStats maps carry. Strings and
// other non-numeric values report false.
func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (e *Exporter) initializeMetrics() {
	ns := e.config.Namespace

	e.loginOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "login",
		Name:      "outcomes_total",
		Help:      "Terminal login outcomes by kind",
	}, []string{"outcome"})

	e.verificationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "login",
		Name:      "verification_seconds",
		Help:      "Proof verification duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	e.lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "login",
		Name:      "lockouts_total",
		Help:      "Accounts locked automatically after repeated failures",
	})

	e.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served",
	}, []string{"method", "path", "status"})

	e.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	e.componentStats = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "component_stat",
		Help:      "Component counters as last observed by the refresh loop",
	}, []string{"component", "stat"})

	e.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "goroutines_total",
		Help:      "Total number of goroutines",
	})

	e.memoryAlloc = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "memory_alloc_bytes",
		Help:      "Allocated memory in bytes",
	})

	e.registry.MustRegister(
		e.loginOutcomes,
		e.verificationSeconds,
		e.lockouts,
		e.httpRequests,
		e.httpDuration,
		e.componentStats,
		e.goroutines,
		e.memoryAlloc,
	)
	e.registry.MustRegister(prometheus.NewGoCollector())
}
