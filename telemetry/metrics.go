// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Cache metrics, labelled by entity family (channel, command, birthday, ...).
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	// Backing store
	StoreReads  *prometheus.CounterVec
	StoreWrites *prometheus.CounterVec

	// Notification bus
	NotificationsPublished prometheus.Counter
	NotificationsReceived  prometheus.Counter
	NotificationsDropped   prometheus.Counter
	ListenerReconnects     prometheus.Counter

	// Coordinator
	RefreshCycles   prometheus.Counter
	RefreshFailures prometheus.Counter
	WarmedChannels  prometheus.Gauge

	// Bot
	CommandsHandled    prometheus.Counter
	RedemptionsHandled prometheus.Counter

	// Histograms (seconds)
	StoreReadDuration prometheus.Observer
	RefreshDuration   prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_cache_hits_total", Help: "Cache hits by entity family"}, []string{"family"})
		CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_cache_misses_total", Help: "Cache misses by entity family"}, []string{"family"})
		CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_cache_evictions_total", Help: "Cache capacity evictions by entity family"}, []string{"family"})
		StoreReads = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_store_reads_total", Help: "Backing store reads by entity family"}, []string{"family"})
		StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_store_writes_total", Help: "Backing store writes by entity family"}, []string{"family"})
		NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_notifications_published_total", Help: "Change notifications published"})
		NotificationsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_notifications_received_total", Help: "Change notifications received"})
		NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_notifications_dropped_total", Help: "Malformed notifications dropped"})
		ListenerReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_listener_reconnects_total", Help: "Notification listener reconnect attempts"})
		RefreshCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_refresh_cycles_total", Help: "Periodic cache refresh cycles"})
		RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_refresh_failures_total", Help: "Failed cache refresh cycles"})
		WarmedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_warmed_channels", Help: "Channels with warm cache entries"})
		CommandsHandled = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_commands_handled_total", Help: "Chat commands handled"})
		RedemptionsHandled = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_redemptions_handled_total", Help: "Channel-points redemptions handled"})
		StoreReadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_store_read_duration_seconds", Help: "Backing store read duration seconds", Buckets: prometheus.DefBuckets})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_refresh_duration_seconds", Help: "Full refresh cycle duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// CacheObservers returns hit/miss/evict closures for wiring a cache to the
// family-labelled counters. Safe to call before Init only if the results are
// not invoked until after Init.
func CacheObservers(family string) (onHit, onMiss, onEvict func()) {
	return func() {
			if CacheHits != nil {
				CacheHits.WithLabelValues(family).Inc()
			}
		}, func() {
			if CacheMisses != nil {
				CacheMisses.WithLabelValues(family).Inc()
			}
		}, func() {
			if CacheEvictions != nil {
				CacheEvictions.WithLabelValues(family).Inc()
			}
		}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
