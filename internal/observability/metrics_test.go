package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/config"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveArbitration("selected", "balanced", 3, time.Millisecond)
		m.ObserveExecution("openai", "gpt-4o", nil, time.Second, 0.01)
		m.ObserveFallback(true)
		m.ObserveRateLimitDenial("requests")
		m.BatchItemStarted()
		m.BatchItemFinished(nil)
		m.ObserveBudgetAlert("acme")
		m.SetReliabilityBoost(0.1)
		m.ObserveBreakerTransition("openai", "open")
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveExecution("openai", "gpt-4o", nil, time.Second, 0.25)
	m.ObserveExecution("openai", "gpt-4o", errors.New("boom"), time.Second, 0)
	m.ObserveFallback(false)
	m.BatchItemStarted()
	m.BatchItemStarted()
	m.BatchItemFinished(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("openai", "gpt-4o", "error")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.Cost.WithLabelValues("openai", "gpt-4o")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchInFlight))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ObservabilityConfig
		wantErr bool
	}{
		{name: "json", cfg: config.ObservabilityConfig{LogLevel: "info", LogFormat: "json", ServiceName: "llm-arbiter"}},
		{name: "console", cfg: config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"}},
		{name: "upper case level", cfg: config.ObservabilityConfig{LogLevel: "WARN", LogFormat: "json"}},
		{name: "invalid level", cfg: config.ObservabilityConfig{LogLevel: "verbose"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}
