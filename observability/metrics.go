package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	events   *prometheus.CounterVec
	messages *prometheus.CounterVec
}

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// Ledger returns the lazily-initialised registry of ledger call metrics.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dexcrow",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger calls segmented by module, method, outcome and error kind.",
			}, []string{"module", "method", "outcome", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dexcrow",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution of ledger calls including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dexcrow",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Committed ledger events segmented by type.",
			}, []string{"type"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dexcrow",
				Subsystem: "messenger",
				Name:      "messages_total",
				Help:      "Cross-chain messages segmented by direction and remote chain.",
			}, []string{"direction", "chain"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.calls,
			ledgerRegistry.latency,
			ledgerRegistry.events,
			ledgerRegistry.messages,
		)
	})
	return ledgerRegistry
}

// ObserveCall records one ledger call. kind is empty for successful calls.
func (m *ledgerMetrics) ObserveCall(module, method, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	module = normalizeLabel(module)
	method = normalizeLabel(method)
	outcome := "success"
	if kind != "" {
		outcome = "error"
	} else {
		kind = "none"
	}
	m.calls.WithLabelValues(module, method, outcome, kind).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordEvent counts one committed event.
func (m *ledgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// RecordMessage counts a message sent to or received from chainID.
func (m *ledgerMetrics) RecordMessage(direction string, chainID uint64) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(normalizeLabel(direction), strconv.FormatUint(chainID, 10)).Inc()
}

// RPC returns the lazily-initialised registry of JSON-RPC metrics.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dexcrow",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "JSON-RPC requests segmented by method and HTTP status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dexcrow",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dexcrow",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Requests rejected by throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency, rpcRegistry.throttles)
	})
	return rpcRegistry
}

// Observe records the outcome of a JSON-RPC request.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	method = normalizeLabel(method)
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
