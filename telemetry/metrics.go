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

	// Counters
	MessagesRelayed    *prometheus.CounterVec
	RelayErrors        *prometheus.CounterVec
	StackRollovers     prometheus.Counter
	LivePolls          prometheus.Counter
	LiveAnnouncements  prometheus.Counter
	TokensPurged       prometheus.Counter
	ModeratorSyncRuns  prometheus.Counter

	// Histograms (seconds)
	PollDuration  prometheus.Observer
	RelayDuration prometheus.Observer

	// Gauges
	BridgesGauge      prometheus.Gauge
	ListenersGauge    prometheus.Gauge
	ChatSessionsGauge prometheus.Gauge
	LiveStreamsGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_messages_relayed_total", Help: "Messages relayed across a bridge"}, []string{"direction"})
		RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_relay_errors_total", Help: "Relay failures by direction"}, []string{"direction"})
		StackRollovers = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_stack_rollovers_total", Help: "Message-stack edits that fell back to a fresh message"})
		LivePolls = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_live_polls_total", Help: "Live status poll cycles"})
		LiveAnnouncements = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_live_announcements_total", Help: "Stream-up announcements posted"})
		TokensPurged = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_tokens_purged_total", Help: "Refresh tokens purged after provider rejection"})
		ModeratorSyncRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_moderator_sync_runs_total", Help: "Moderator role re-scan cycles"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridge_live_poll_duration_seconds", Help: "Live poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridge_relay_duration_seconds", Help: "Single message relay duration seconds", Buckets: prometheus.DefBuckets})
		BridgesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_active_bridges", Help: "Bridges currently registered"})
		ListenersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_active_listeners", Help: "Live listeners currently registered"})
		ChatSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_open_chat_sessions", Help: "Per-user chat sessions currently open"})
		LiveStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_live_streams", Help: "Streams currently recorded as live"})
	})
}

// CountRelayed is a nil-safe increment for relayed messages.
func CountRelayed(direction string) {
	if MessagesRelayed != nil {
		MessagesRelayed.WithLabelValues(direction).Inc()
	}
}

// CountRelayError is a nil-safe increment for relay failures.
func CountRelayError(direction string) {
	if RelayErrors != nil {
		RelayErrors.WithLabelValues(direction).Inc()
	}
}

// IncCounter is a nil-safe counter increment for code paths that may run
// before Init (tests, CLI tools).
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetGauge is a nil-safe gauge set.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// AddGauge is a nil-safe gauge add.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
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

// WithCorrelation returns a new context embedding the correlation id.
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
