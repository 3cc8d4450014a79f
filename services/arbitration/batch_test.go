package arbitration

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"github.com/upb/llm-arbiter/services/providers"
)

func batchRequests(n int) []*models.CompletionRequest {
	reqs := make([]*models.CompletionRequest, n)
	for i := range reqs {
		reqs[i] = testRequest(fmt.Sprintf("r%d", i), fmt.Sprintf("item %d", i))
	}
	return reqs
}

// concurrencyProbe tracks how many provider calls overlap
type concurrencyProbe struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (p *concurrencyProbe) provider(name string) *fakeProvider {
	return &fakeProvider{
		name: name,
		complete: func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
			n := p.current.Add(1)
			defer p.current.Add(-1)
			for {
				peak := p.peak.Load()
				if n <= peak || p.peak.CompareAndSwap(peak, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return &providers.ChatResponse{
				Content: "ok",
				Usage:   models.Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20},
			}, nil
		},
	}
}

func TestExecuteBatch_ConcurrencyCeiling(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		items int
		want  int
	}{
		{"default ceiling", 0, 40, DefaultBatchConcurrency},
		{"configured ceiling", 3, 12, 3},
		{"fewer items than ceiling", 10, 4, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var probe concurrencyProbe
			cfg := DefaultConfig()
			cfg.BatchConcurrency = tt.limit
			h := newHarnessWithConfig(t, cfg, []models.Model{testModel("m", "openai", 90)}, probe.provider("openai"))

			result, err := h.engine.ExecuteBatch(context.Background(), batchRequests(tt.items), models.ArbitrationContext{TenantID: "t1"})

			require.NoError(t, err)
			assert.Len(t, result.Responses, tt.items)
			assert.Empty(t, result.Failures)
			assert.LessOrEqual(t, int(probe.peak.Load()), tt.want)
			assert.Zero(t, probe.current.Load())
		})
	}
}

func TestExecuteBatch_ItemsFailIndependently(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		complete: func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
			switch req.Messages[0].Content {
			case "item 2", "item 5":
				return nil, errProviderDown
			case "item 4":
				panic("adapter bug")
			}
			return &providers.ChatResponse{
				Content: "ok",
				Usage:   models.Usage{InputTokens: 1000, OutputTokens: 1000, TotalTokens: 2000},
			}, nil
		},
	}
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, p)
	reqs := batchRequests(8)
	reqs[6] = &models.CompletionRequest{ID: "r6"}

	result, err := h.engine.ExecuteBatch(context.Background(), reqs, models.ArbitrationContext{TenantID: "t1"})

	require.NoError(t, err)
	require.Len(t, result.Responses, 4)
	for i, id := range []string{"r0", "r1", "r3", "r7"} {
		assert.Equal(t, id, result.Responses[i].RequestID)
	}

	require.Len(t, result.Failures, 4)
	failed := make(map[int]models.BatchFailure)
	for _, f := range result.Failures {
		failed[f.Index] = f
	}
	assert.ErrorIs(t, failed[2].Err, errProviderDown)
	assert.Equal(t, "r2", failed[2].RequestID)
	assert.ErrorIs(t, failed[5].Err, errProviderDown)
	assert.Equal(t, services.ErrorTypeInternal, services.GetErrorType(failed[4].Err))
	assert.Contains(t, failed[4].Error, "adapter bug")
	assert.True(t, services.IsValidationError(failed[6].Err))

	// each success costs 1000/1M*1 + 1000/1M*2
	assert.InDelta(t, 4*0.003, result.TotalCost, 1e-12)
	assert.Equal(t, map[string]int{"m": 4}, result.ModelUsage)
}

func TestExecuteBatch_Empty(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, &fakeProvider{name: "openai"})

	_, err := h.engine.ExecuteBatch(context.Background(), nil, models.ArbitrationContext{TenantID: "t1"})

	assert.True(t, services.IsValidationError(err))
}

func TestExecuteBatch_CancelledContext(t *testing.T) {
	p := &fakeProvider{name: "openai"}
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.engine.ExecuteBatch(ctx, batchRequests(5), models.ArbitrationContext{TenantID: "t1"})

	require.NoError(t, err)
	assert.Empty(t, result.Responses)
	require.Len(t, result.Failures, 5)
	for _, f := range result.Failures {
		assert.ErrorIs(t, f.Err, context.Canceled)
	}
	assert.Equal(t, int32(0), p.calls.Load())
}
