// Package telemetry provides Prometheus metrics and correlation-id aware
// logging helpers.
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

	// Counters
	DeliveriesStarted   prometheus.Counter
	DeliveriesGated     prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	DeliveriesCompleted prometheus.Counter
	CopiesSent          prometheus.Counter
	CopiesFailed        prometheus.Counter
	RetractionsRun      prometheus.Counter
	RetractionsFailed   prometheus.Counter
	ThrottleWaits       prometheus.Counter
	BroadcastsSent      prometheus.Counter

	// Histograms (seconds)
	DeliveryDuration prometheus.Observer
	FetchDuration    prometheus.Observer

	// Gauges
	PendingRetractionsGauge prometheus.Gauge
	UserbaseGauge           prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DeliveriesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_deliveries_started_total", Help: "Number of token deliveries started"})
		DeliveriesGated = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_deliveries_gated_total", Help: "Number of deliveries denied by the membership gate"})
		DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_deliveries_failed_total", Help: "Number of deliveries that failed before any copy was made"})
		DeliveriesCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_deliveries_completed_total", Help: "Number of deliveries that produced at least one copy"})
		CopiesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_copies_sent_total", Help: "Number of archive messages copied to requesters"})
		CopiesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_copies_failed_total", Help: "Number of per-message copy failures (skipped, batch continued)"})
		RetractionsRun = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_retractions_run_total", Help: "Number of retraction jobs run to completion"})
		RetractionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_retraction_deletes_failed_total", Help: "Number of per-copy deletion failures during retraction"})
		ThrottleWaits = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_throttle_waits_total", Help: "Number of platform throttling signals honored"})
		BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "sharegate_broadcasts_sent_total", Help: "Number of broadcast copies delivered"})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sharegate_delivery_duration_seconds", Help: "End-to-end delivery duration seconds", Buckets: prometheus.DefBuckets})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sharegate_fetch_duration_seconds", Help: "Archive batch fetch duration seconds", Buckets: prometheus.DefBuckets})
		PendingRetractionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sharegate_pending_retractions", Help: "Retraction jobs currently waiting for their delay"})
		UserbaseGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sharegate_userbase", Help: "Registered users"})
	})
}

// AddPendingRetraction adjusts the in-flight retraction gauge.
func AddPendingRetraction(delta int) {
	if PendingRetractionsGauge != nil {
		PendingRetractionsGauge.Add(float64(delta))
	}
}

// SetUserbase records the current registry size.
func SetUserbase(n int) {
	if UserbaseGauge != nil {
		UserbaseGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
