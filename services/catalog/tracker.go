package catalog

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upb/llm-arbiter/models"
)

const (
	// HistorySize is the number of recent outcomes kept per model and provider
	HistorySize = 100

	// MinHealthSamples is the number of live outcomes needed before a
	// provider can be classified as anything but healthy
	MinHealthSamples = 10
)

type outcome struct {
	at      time.Time
	latency time.Duration
	success bool
}

// window is a fixed-size ring of outcomes
type window struct {
	items []outcome
	next  int
	full  bool
}

func (w *window) add(o outcome) {
	if w.items == nil {
		w.items = make([]outcome, HistorySize)
	}
	w.items[w.next] = o
	w.next = (w.next + 1) % HistorySize
	if w.next == 0 {
		w.full = true
	}
}

// stats summarizes the outcomes recorded after cutoff
func (w *window) stats(cutoff time.Time) models.PerformanceStats {
	size := w.next
	if w.full {
		size = HistorySize
	}

	var (
		n         int
		successes int
		latency   time.Duration
	)
	for _, o := range w.items[:size] {
		if !o.at.After(cutoff) {
			continue
		}
		n++
		if o.success {
			successes++
		}
		latency += o.latency
	}
	if n == 0 {
		return models.PerformanceStats{}
	}
	return models.PerformanceStats{
		Samples:        n,
		SuccessRate:    float64(successes) / float64(n),
		AverageLatency: latency / time.Duration(n),
	}
}

// Tracker keeps recent outcomes per model and per provider. Outcomes older
// than maxAge no longer count, so a provider that stopped receiving traffic
// after a bad streak reads as healthy again once the streak ages out.
type Tracker struct {
	clock  clock.Clock
	maxAge time.Duration

	mu        sync.RWMutex
	models    map[string]*window
	providers map[string]*window
}

// NewTracker creates an empty tracker. A zero maxAge keeps outcomes until they are overwritten.
func NewTracker(clk clock.Clock, maxAge time.Duration) *Tracker {
	return &Tracker{
		clock:     clk,
		maxAge:    maxAge,
		models:    make(map[string]*window),
		providers: make(map[string]*window),
	}
}

func (t *Tracker) cutoff() time.Time {
	if t.maxAge <= 0 {
		return time.Time{}
	}
	return t.clock.Now().Add(-t.maxAge)
}

// Record adds one outcome for a model and its provider
func (t *Tracker) Record(modelID, providerID string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := outcome{at: t.clock.Now(), latency: latency, success: success}
	windowFor(t.models, modelID).add(o)
	windowFor(t.providers, providerID).add(o)
}

// ModelStats summarizes the recent outcomes of a model
func (t *Tracker) ModelStats(modelID string) models.PerformanceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if w, ok := t.models[modelID]; ok {
		return w.stats(t.cutoff())
	}
	return models.PerformanceStats{}
}

// ProviderStats summarizes the recent outcomes of a provider
func (t *Tracker) ProviderStats(providerID string) models.PerformanceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if w, ok := t.providers[providerID]; ok {
		return w.stats(t.cutoff())
	}
	return models.PerformanceStats{}
}

func windowFor(m map[string]*window, key string) *window {
	w, ok := m[key]
	if !ok {
		w = &window{}
		m[key] = w
	}
	return w
}

// HealthFromStats classifies a provider by its recent success rate.
// Fewer than MinHealthSamples live outcomes read as healthy.
func HealthFromStats(s models.PerformanceStats) models.HealthStatus {
	switch {
	case s.Samples < MinHealthSamples:
		return models.HealthHealthy
	case s.SuccessRate < 0.5:
		return models.HealthDown
	case s.SuccessRate < 0.8:
		return models.HealthUnstable
	case s.SuccessRate < 0.95:
		return models.HealthDegraded
	default:
		return models.HealthHealthy
	}
}
