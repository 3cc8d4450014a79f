package arbitration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"github.com/upb/llm-arbiter/services/providers"
)

// summaries collects completion callbacks
type summaries struct {
	mu  sync.Mutex
	all []StreamSummary
}

func (s *summaries) callback() CompletionCallback {
	return func(sum StreamSummary) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.all = append(s.all, sum)
	}
}

func (s *summaries) only(t *testing.T) StreamSummary {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.all, 1, "completion callback must fire exactly once")
	return s.all[0]
}

func drain(s *Stream) string {
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Chunk().Content)
	}
	return b.String()
}

func streamingProvider(name string, reader providers.StreamReader) *fakeProvider {
	return &fakeProvider{
		name: name,
		stream: func(ctx context.Context, req *providers.ChatRequest) (providers.StreamReader, error) {
			return reader, nil
		},
	}
}

func TestExecuteStreaming_Success(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, &fakeProvider{name: "openai"})
	var got summaries

	s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), models.ArbitrationContext{TenantID: "t1"}, got.callback())

	assert.Equal(t, "m", s.ModelID)
	assert.Equal(t, "openai", s.ProviderID)
	assert.False(t, s.FallbackUsed)
	assert.Equal(t, "hello world", drain(s))
	require.NoError(t, s.Err())
	assert.False(t, s.Next())
	require.NoError(t, s.Close())

	sum := got.only(t)
	assert.NoError(t, sum.Err)
	assert.Equal(t, "r1", sum.RequestID)
	assert.Equal(t, s.DecisionID, sum.DecisionID)
	assert.Equal(t, "m", sum.ModelID)
	assert.Equal(t, models.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}, sum.Usage)
	assert.InDelta(t, 0.000014, sum.Cost, 1e-12)

	assert.Equal(t, 1, h.costs.recordCount())
	assert.Equal(t, 12, h.limiter.recorded[models.LimitTokens])
	assert.Equal(t, []models.AuditAction{models.AuditActionExecutionSucceeded}, h.audit.actions())
	assert.Equal(t, []bool{true}, h.catalog.perf["m"])
}

func TestExecuteStreaming_NilCallback(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, &fakeProvider{name: "openai"})

	s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), models.ArbitrationContext{TenantID: "t1"}, nil)

	assert.Equal(t, "hello world", drain(s))
	assert.NoError(t, s.Err())
}

func TestExecuteStreaming_PreparationFailure(t *testing.T) {
	p := &fakeProvider{name: "openai"}
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, p)
	h.limiter.requests = &models.RateLimitStatus{Allowed: false, CurrentCount: 10, Max: 10}
	var got summaries

	s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), models.ArbitrationContext{TenantID: "t1"}, got.callback())

	assert.False(t, s.Next())
	assert.True(t, services.IsRateLimitError(s.Err()))
	assert.NoError(t, s.Close())

	sum := got.only(t)
	assert.Equal(t, "r1", sum.RequestID)
	assert.True(t, services.IsRateLimitError(sum.Err))
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestExecuteStreaming_FallbackOnOpenFailure(t *testing.T) {
	primary := failingProvider("openai", errProviderDown)
	backup := &fakeProvider{name: "anthropic"}
	h := twoProviderHarness(t, primary, backup)
	var got summaries

	s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), fallbackContext(), got.callback())

	assert.Equal(t, "backup", s.ModelID)
	assert.True(t, s.FallbackUsed)
	assert.Equal(t, "hello world", drain(s))
	require.NoError(t, s.Err())

	sum := got.only(t)
	assert.True(t, sum.FallbackUsed)
	assert.Equal(t, "backup", sum.ModelID)
	require.Equal(t, 1, h.catalog.failureCount())
	assert.Equal(t, "primary", h.catalog.failures[0].ModelID)
}

func TestExecuteStreaming_AllOpensFail(t *testing.T) {
	errBackup := errors.New("backup down")
	h := twoProviderHarness(t, failingProvider("openai", errProviderDown), failingProvider("anthropic", errBackup))

	t.Run("with fallback", func(t *testing.T) {
		var got summaries

		s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), fallbackContext(), got.callback())

		assert.False(t, s.Next())
		assert.Equal(t, services.ErrorTypeAllModelsFailed, services.GetErrorType(s.Err()))
		assert.ErrorIs(t, s.Err(), errProviderDown)
		assert.ErrorIs(t, s.Err(), errBackup)

		sum := got.only(t)
		assert.Equal(t, s.Err(), sum.Err)
		assert.Equal(t, s.DecisionID, sum.DecisionID)
	})

	t.Run("without fallback", func(t *testing.T) {
		var got summaries

		s := h.engine.ExecuteStreaming(context.Background(), testRequest("r2", "hello"), models.ArbitrationContext{TenantID: "t1"}, got.callback())

		assert.False(t, s.Next())
		assert.Equal(t, errProviderDown, s.Err())
		assert.Equal(t, errProviderDown, got.only(t).Err)
	})
}

func TestExecuteStreaming_CloseBeforeEnd(t *testing.T) {
	reader := newSliceReader("a", "b", "c")
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, streamingProvider("openai", reader))
	var got summaries

	s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), models.ArbitrationContext{TenantID: "t1"}, got.callback())

	require.True(t, s.Next())
	assert.Equal(t, "a", s.Chunk().Content)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, reader.closed.Load())
	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
	assert.Nil(t, s.Chunk())

	sum := got.only(t)
	assert.ErrorIs(t, sum.Err, ErrStreamClosed)
	assert.Empty(t, h.catalog.failures)
}

func TestExecuteStreaming_MidStreamError(t *testing.T) {
	errBroken := errors.New("connection reset")
	reader := newSliceReader("partial ", "answer")
	reader.err = errBroken
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, streamingProvider("openai", reader))
	var got summaries

	s := h.engine.ExecuteStreaming(context.Background(), testRequest("r1", "hello"), models.ArbitrationContext{TenantID: "t1"}, got.callback())

	assert.Equal(t, "partial answer", drain(s))
	assert.Equal(t, errBroken, s.Err())
	assert.True(t, reader.closed.Load())

	sum := got.only(t)
	assert.Equal(t, errBroken, sum.Err)
	// 14 streamed characters are still billed
	assert.Equal(t, 3, sum.Usage.OutputTokens)

	assert.Equal(t, 1, h.catalog.failureCount())
	assert.Equal(t, []bool{false}, h.catalog.perf["m"])
	assert.Equal(t, 1, h.costs.recordCount())
	assert.Equal(t, []models.AuditAction{models.AuditActionExecutionFailed}, h.audit.actions())
}

func TestExecuteStreaming_ContextCancelled(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("m", "openai", 90)}, streamingProvider("openai", newSliceReader("a", "b")))
	ctx, cancel := context.WithCancel(context.Background())
	var got summaries

	s := h.engine.ExecuteStreaming(ctx, testRequest("r1", "hello"), models.ArbitrationContext{TenantID: "t1"}, got.callback())

	require.True(t, s.Next())
	cancel()

	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), context.Canceled)
	assert.ErrorIs(t, got.only(t).Err, context.Canceled)
	assert.Empty(t, h.catalog.failures)
}
