package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pricingMetricsOnce sync.Once
	pricingRegistry    *PricingMetrics

	executionMetricsOnce sync.Once
	executionRegistry    *ExecutionMetrics

	riskMetricsOnce sync.Once
	riskRegistry    *RiskMetrics

	notifyMetricsOnce sync.Once
	notifyRegistry    *NotifyMetrics
)

// PricingMetrics captures cache behaviour and upstream failures of the pricing service.
type PricingMetrics struct {
	lookups  *prometheus.CounterVec
	upstream *prometheus.CounterVec
}

// Pricing returns the lazily-initialised pricing metrics registry.
func Pricing() *PricingMetrics {
	pricingMetricsOnce.Do(func() {
		pricingRegistry = &PricingMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agent",
				Subsystem: "pricing",
				Name:      "cache_lookups_total",
				Help:      "Pricing cache lookups segmented by cache and outcome (hit, negative_hit, miss).",
			}, []string{"cache", "outcome"}),
			upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agent",
				Subsystem: "pricing",
				Name:      "upstream_errors_total",
				Help:      "Upstream price and metadata failures converted into negative cache entries.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(pricingRegistry.lookups, pricingRegistry.upstream)
	})
	return pricingRegistry
}

// RecordLookup increments the lookup counter for the supplied cache and outcome.
func (m *PricingMetrics) RecordLookup(cache, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(label(cache), label(outcome)).Inc()
}

// RecordUpstreamError increments the upstream failure counter for a source.
func (m *PricingMetrics) RecordUpstreamError(source string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(label(source)).Inc()
}

// LookupCounter exposes the lookup collector for tests.
func (m *PricingMetrics) LookupCounter() *prometheus.CounterVec { return m.lookups }

// ExecutionMetrics tracks swap executions across executor variants.
type ExecutionMetrics struct {
	executions *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// Execution returns the singleton metrics registry for swap executors.
func Execution() *ExecutionMetrics {
	executionMetricsOnce.Do(func() {
		executionRegistry = &ExecutionMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agent",
				Subsystem: "execution",
				Name:      "executions_total",
				Help:      "Swap executions segmented by executor, side and outcome.",
			}, []string{"executor", "side", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agent",
				Subsystem: "execution",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution from intent receipt to confirmation.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
			}, []string{"executor"}),
		}
		prometheus.MustRegister(executionRegistry.executions, executionRegistry.latency)
	})
	return executionRegistry
}

// Observe records the outcome of a single execution.
func (m *ExecutionMetrics) Observe(executor, side string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.executions.WithLabelValues(label(executor), label(side), outcome).Inc()
	m.latency.WithLabelValues(label(executor)).Observe(duration.Seconds())
}

// ExecutionCounter exposes the execution collector for tests.
func (m *ExecutionMetrics) ExecutionCounter() *prometheus.CounterVec { return m.executions }

// RiskMetrics reports gate decisions and the current exposure.
type RiskMetrics struct {
	decisions *prometheus.CounterVec
	exposure  prometheus.Gauge
	dailyLoss prometheus.Gauge
}

// Risk returns the singleton metrics registry for the risk gate.
func Risk() *RiskMetrics {
	riskMetricsOnce.Do(func() {
		riskRegistry = &RiskMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agent",
				Subsystem: "risk",
				Name:      "decisions_total",
				Help:      "Risk gate decisions segmented by outcome and rejection reason.",
			}, []string{"outcome", "reason"}),
			exposure: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "agent",
				Subsystem: "risk",
				Name:      "exposure_sol",
				Help:      "Open position size tracked by the risk gate, in SOL.",
			}),
			dailyLoss: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "agent",
				Subsystem: "risk",
				Name:      "daily_loss_sol",
				Help:      "Realized loss over the trailing 24 hours, in SOL.",
			}),
		}
		prometheus.MustRegister(riskRegistry.decisions, riskRegistry.exposure, riskRegistry.dailyLoss)
	})
	return riskRegistry
}

// RecordDecision counts a gate decision. Reason should be empty for approvals.
func (m *RiskMetrics) RecordDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
}

// SetExposure publishes the current exposure.
func (m *RiskMetrics) SetExposure(sol float64) {
	if m == nil {
		return
	}
	m.exposure.Set(sol)
}

// SetDailyLoss publishes the trailing realized loss.
func (m *RiskMetrics) SetDailyLoss(sol float64) {
	if m == nil {
		return
	}
	m.dailyLoss.Set(sol)
}

// DecisionCounter exposes the decision collector for tests.
func (m *RiskMetrics) DecisionCounter() *prometheus.CounterVec { return m.decisions }

// NotifyMetrics counts notification deliveries per channel.
type NotifyMetrics struct {
	deliveries *prometheus.CounterVec
}

// Notify returns the singleton metrics registry for notification channels.
func Notify() *NotifyMetrics {
	notifyMetricsOnce.Do(func() {
		notifyRegistry = &NotifyMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agent",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Notification deliveries segmented by channel and outcome.",
			}, []string{"channel", "outcome"}),
		}
		prometheus.MustRegister(notifyRegistry.deliveries)
	})
	return notifyRegistry
}

// RecordDelivery counts a delivery attempt for a channel.
func (m *NotifyMetrics) RecordDelivery(channel string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(label(channel), outcome).Inc()
}

// DeliveryCounter exposes the delivery collector for tests.
func (m *NotifyMetrics) DeliveryCounter() *prometheus.CounterVec { return m.deliveries }

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
