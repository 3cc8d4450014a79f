package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the arbitration collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Arbitrations       *prometheus.CounterVec
	ArbitrationTime    prometheus.Histogram
	EligibleModels     prometheus.Histogram
	Executions         *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	Fallbacks          *prometheus.CounterVec
	RateLimitDenials   *prometheus.CounterVec
	BatchInFlight      prometheus.Gauge
	BatchItems         *prometheus.CounterVec
	Cost               *prometheus.CounterVec
	BudgetAlerts       *prometheus.CounterVec
	ReliabilityBoost   prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Arbitrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_arbitrations_total",
			Help: "Arbitration decisions by outcome and strategy",
		}, []string{"outcome", "strategy"}),
		ArbitrationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_arbitration_duration_seconds",
			Help:    "Time spent evaluating and ranking candidates",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		EligibleModels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_eligible_models",
			Help:    "Number of models surviving eligibility per arbitration",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_executions_total",
			Help: "Provider executions by provider, model and status",
		}, []string{"provider", "model", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_provider_latency_seconds",
			Help:    "Provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_fallbacks_total",
			Help: "Fallback attempts by outcome",
		}, []string{"outcome"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_rate_limit_denials_total",
			Help: "Denied admissions by limit type",
		}, []string{"limit_type"}),
		BatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_batch_in_flight",
			Help: "Batch items currently executing",
		}),
		BatchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_batch_items_total",
			Help: "Batch items by status",
		}, []string{"status"}),
		Cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_cost_usd_total",
			Help: "Accumulated execution cost in USD",
		}, []string{"provider", "model"}),
		BudgetAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_budget_alerts_total",
			Help: "Executions that left a tenant past its budget alert threshold",
		}, []string{"tenant"}),
		ReliabilityBoost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_reliability_weight_boost",
			Help: "Current reliability weight boost set by rule optimization",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes by provider and target state",
		}, []string{"provider", "state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Arbitrations, m.ArbitrationTime, m.EligibleModels,
			m.Executions, m.ProviderLatency, m.Fallbacks,
			m.RateLimitDenials, m.BatchInFlight, m.BatchItems,
			m.Cost, m.BudgetAlerts, m.ReliabilityBoost, m.BreakerTransitions,
		)
	}
	return m
}

// ObserveArbitration records one arbitration outcome
func (m *Metrics) ObserveArbitration(outcome, strategy string, eligible int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Arbitrations.WithLabelValues(outcome, strategy).Inc()
	m.ArbitrationTime.Observe(elapsed.Seconds())
	m.EligibleModels.Observe(float64(eligible))
}

// ObserveExecution records one provider attempt
func (m *Metrics) ObserveExecution(provider, model string, err error, elapsed time.Duration, cost float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Executions.WithLabelValues(provider, model, status).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	if cost > 0 {
		m.Cost.WithLabelValues(provider, model).Add(cost)
	}
}

// ObserveFallback records a fallback attempt outcome
func (m *Metrics) ObserveFallback(succeeded bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	m.Fallbacks.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDenial records a denied admission
func (m *Metrics) ObserveRateLimitDenial(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(limitType).Inc()
}

// BatchItemStarted increments the in-flight gauge
func (m *Metrics) BatchItemStarted() {
	if m == nil {
		return
	}
	m.BatchInFlight.Inc()
}

// BatchItemFinished decrements the in-flight gauge and counts the item
func (m *Metrics) BatchItemFinished(err error) {
	if m == nil {
		return
	}
	m.BatchInFlight.Dec()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BatchItems.WithLabelValues(status).Inc()
}

// ObserveBudgetAlert counts a crossed alert threshold
func (m *Metrics) ObserveBudgetAlert(tenantID string) {
	if m == nil {
		return
	}
	m.BudgetAlerts.WithLabelValues(tenantID).Inc()
}

// SetReliabilityBoost exports the optimizer state
func (m *Metrics) SetReliabilityBoost(v float64) {
	if m == nil {
		return
	}
	m.ReliabilityBoost.Set(v)
}

// ObserveBreakerTransition counts a breaker state change
func (m *Metrics) ObserveBreakerTransition(provider, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(provider, state).Inc()
}
