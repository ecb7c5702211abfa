// Package metrics collects orchestrator counters and latency summaries
// and renders the admin metrics view from them.
package metrics

import (
	"fmt"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "chatbot"

// Metrics holds all orchestrator instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal      prometheus.Counter
	responseTime       prometheus.Summary
	intentTotal        *prometheus.CounterVec
	errorTotal         *prometheus.CounterVec
	providerTimeouts   *prometheus.CounterVec
	providerRateLimits *prometheus.CounterVec
	fallbackUsed       prometheus.Counter
	pushDropped        prometheus.Counter
	duplicateResponses prometheus.Counter
	protocolErrors     prometheus.Counter
	agentTimeouts      prometheus.Counter
	dispatchFailures   prometheus.Counter
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Chat messages processed.",
		}),
		responseTime: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "response_seconds",
			Help:       "Synchronous chat handling latency.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}),
		intentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_total",
			Help:      "Classified intents.",
		}, []string{"intent"}),
		errorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by machine-readable code.",
		}, []string{"code"}),
		providerTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_timeouts_total",
			Help:      "LLM provider timeouts.",
		}, []string{"provider"}),
		providerRateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_rate_limited_total",
			Help:      "LLM provider rate limit rejections.",
		}, []string{"provider"}),
		fallbackUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallback_total",
			Help:      "Calls served by a non-primary provider.",
		}),
		pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_dropped_total",
			Help:      "Push deliveries dropped for lack of a connection.",
		}),
		duplicateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_responses_total",
			Help:      "Bus responses dropped as duplicates of a resolved correlation.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed bus envelopes dropped.",
		}),
		agentTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_timeouts_total",
			Help:      "Correlations closed by the timeout sweeper.",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Task dispatches that failed before reaching the bus.",
		}),
	}

	reg.MustRegister(
		m.messagesTotal,
		m.responseTime,
		m.intentTotal,
		m.errorTotal,
		m.providerTimeouts,
		m.providerRateLimits,
		m.fallbackUsed,
		m.pushDropped,
		m.duplicateResponses,
		m.protocolErrors,
		m.agentTimeouts,
		m.dispatchFailures,
	)

	return m
}

// MessageProcessed records one handled chat message and its latency in seconds.
func (m *Metrics) MessageProcessed(seconds float64) {
	m.messagesTotal.Inc()
	m.responseTime.Observe(seconds)
}

// IntentClassified records a classification outcome.
func (m *Metrics) IntentClassified(intent string) {
	m.intentTotal.WithLabelValues(intent).Inc()
}

// ErrorOccurred records an error by code.
func (m *Metrics) ErrorOccurred(code string) {
	m.errorTotal.WithLabelValues(code).Inc()
}

// ProviderTimeout records a provider timeout.
func (m *Metrics) ProviderTimeout(provider string) {
	m.providerTimeouts.WithLabelValues(provider).Inc()
}

// ProviderRateLimited records a provider rate limit rejection.
func (m *Metrics) ProviderRateLimited(provider string) {
	m.providerRateLimits.WithLabelValues(provider).Inc()
}

// FallbackUsed records a call served by a non-primary provider.
func (m *Metrics) FallbackUsed() {
	m.fallbackUsed.Inc()
}

// PushDropped records a push delivery with no attached connection.
func (m *Metrics) PushDropped() {
	m.pushDropped.Inc()
}

// DuplicateResponse records a dropped duplicate bus response.
func (m *Metrics) DuplicateResponse() {
	m.duplicateResponses.Inc()
}

// ProtocolError records a dropped malformed envelope.
func (m *Metrics) ProtocolError() {
	m.protocolErrors.Inc()
}

// AgentTimeout records a sweeper-synthesized timeout.
func (m *Metrics) AgentTimeout() {
	m.agentTimeouts.Inc()
}

// DispatchFailure records a failed dispatch.
func (m *Metrics) DispatchFailure() {
	m.dispatchFailures.Inc()
}

// Handler exposes the raw Prometheus endpoint for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Percentiles are response-time quantiles in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Snapshot is the aggregated view served by the admin metrics endpoint.
type Snapshot struct {
	TotalMessages      uint64            `json:"total_messages"`
	ResponseTimeMS     Percentiles       `json:"response_time_ms"`
	Errors             map[string]uint64 `json:"errors"`
	Intents            map[string]uint64 `json:"intent_distribution"`
	ProviderTimeouts   map[string]uint64 `json:"provider_timeouts"`
	ProviderRateLimits map[string]uint64 `json:"provider_rate_limits"`
	FallbackUsed       uint64            `json:"llm_fallback_used"`
	PushDropped        uint64            `json:"push_dropped"`
	DuplicateResponses uint64            `json:"duplicate_responses"`
	ProtocolErrors     uint64            `json:"protocol_errors"`
	AgentTimeouts      uint64            `json:"agent_timeouts"`
	DispatchFailures   uint64            `json:"dispatch_failures"`
}

// Snapshot gathers the registry into the admin view.
func (m *Metrics) Snapshot() (*Snapshot, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	snap := &Snapshot{
		Errors:             map[string]uint64{},
		Intents:            map[string]uint64{},
		ProviderTimeouts:   map[string]uint64{},
		ProviderRateLimits: map[string]uint64{},
	}

	snap.TotalMessages = counterValue(byName, namespace+"_messages_total")
	snap.FallbackUsed = counterValue(byName, namespace+"_llm_fallback_total")
	snap.PushDropped = counterValue(byName, namespace+"_push_dropped_total")
	snap.DuplicateResponses = counterValue(byName, namespace+"_duplicate_responses_total")
	snap.ProtocolErrors = counterValue(byName, namespace+"_protocol_errors_total")
	snap.AgentTimeouts = counterValue(byName, namespace+"_agent_timeouts_total")
	snap.DispatchFailures = counterValue(byName, namespace+"_dispatch_failures_total")

	labeledCounters(byName, namespace+"_errors_total", "code", snap.Errors)
	labeledCounters(byName, namespace+"_intent_total", "intent", snap.Intents)
	labeledCounters(byName, namespace+"_provider_timeouts_total", "provider", snap.ProviderTimeouts)
	labeledCounters(byName, namespace+"_provider_rate_limited_total", "provider", snap.ProviderRateLimits)

	if f, ok := byName[namespace+"_response_seconds"]; ok && len(f.GetMetric()) > 0 {
		for _, q := range f.GetMetric()[0].GetSummary().GetQuantile() {
			// Quantiles are NaN until the first observation; NaN is not
			// representable in JSON.
			if math.IsNaN(q.GetValue()) {
				continue
			}
			ms := q.GetValue() * 1000
			switch q.GetQuantile() {
			case 0.5:
				snap.ResponseTimeMS.P50 = ms
			case 0.95:
				snap.ResponseTimeMS.P95 = ms
			case 0.99:
				snap.ResponseTimeMS.P99 = ms
			}
		}
	}

	return snap, nil
}

func counterValue(families map[string]*dto.MetricFamily, name string) uint64 {
	f, ok := families[name]
	if !ok || len(f.GetMetric()) == 0 {
		return 0
	}
	return uint64(f.GetMetric()[0].GetCounter().GetValue())
}

func labeledCounters(families map[string]*dto.MetricFamily, name, label string, out map[string]uint64) {
	f, ok := families[name]
	if !ok {
		return
	}
	for _, metric := range f.GetMetric() {
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] = uint64(metric.GetCounter().GetValue())
			}
		}
	}
}
