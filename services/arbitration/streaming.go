package arbitration

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"github.com/upb/llm-arbiter/services/providers"
	"go.uber.org/zap"
)

// ErrStreamClosed ends a stream the caller closed before the provider finished
var ErrStreamClosed = errors.New("stream closed before completion")

// StreamSummary is the final accounting of a stream
type StreamSummary struct {
	RequestID    string
	DecisionID   uuid.UUID
	ModelID      string
	ProviderID   string
	Usage        models.Usage
	Cost         float64
	Latency      time.Duration
	FallbackUsed bool
	Err          error
}

// CompletionCallback receives the summary of a stream exactly once
type CompletionCallback func(StreamSummary)

// Stream is a lazy, non-restartable sequence of content chunks.
// It is not safe for concurrent use.
type Stream struct {
	DecisionID   uuid.UUID
	ModelID      string
	ProviderID   string
	FallbackUsed bool

	ctx      context.Context
	reader   providers.StreamReader
	chunk    *models.StreamChunk
	err      error
	done     bool
	received int
	usage    *models.Usage
	onEnd    func(received int, usage *models.Usage, err error)
	once     sync.Once
}

func newStream(ctx context.Context, reader providers.StreamReader, onEnd func(int, *models.Usage, error)) *Stream {
	return &Stream{ctx: ctx, reader: reader, onEnd: onEnd}
}

// failedStream returns an already terminated stream carrying err
func failedStream(err error) *Stream {
	return &Stream{err: err, done: true}
}

// Next advances to the next chunk. It returns false when the stream is
// exhausted or failed; Err tells which.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.finish(err)
		return false
	}

	chunk, err := s.reader.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		s.finish(err)
		return false
	}

	s.chunk = chunk
	s.received += len(chunk.Content)
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	return true
}

// Chunk returns the chunk read by the last successful Next
func (s *Stream) Chunk() *models.StreamChunk {
	return s.chunk
}

// Err returns the error that ended the stream, if any
func (s *Stream) Err() error {
	return s.err
}

// Close releases the provider stream. Closing before the end reports
// ErrStreamClosed to the completion callback but not through Err.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.chunk = nil
	err := s.reader.Close()
	s.end(ErrStreamClosed)
	return err
}

func (s *Stream) finish(err error) {
	s.done = true
	s.chunk = nil
	s.err = err
	if s.reader != nil {
		_ = s.reader.Close()
	}
	s.end(err)
}

func (s *Stream) end(err error) {
	s.once.Do(func() {
		if s.onEnd != nil {
			s.onEnd(s.received, s.usage, err)
		}
	})
}

// ExecuteStreaming selects a model and opens a stream on it. The provider call
// bypasses the circuit breaker. Failures before the first chunk, including
// every fallback failing to open, yield a terminated stream whose Err is set.
// onComplete, when not nil, is called exactly once: after the final chunk,
// on a mid-stream error, on Close, or immediately for a failed stream.
func (e *Engine) ExecuteStreaming(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext, onComplete CompletionCallback) *Stream {
	start := e.clock.Now()

	enriched, result, err := e.prepare(ctx, req, actx)
	if err != nil {
		return e.failStream(req, nil, err, onComplete)
	}

	candidates := []models.Candidate{result.Selected}
	if enriched.Fallback.Enabled {
		fallbacks := result.Fallbacks
		if limit := enriched.Fallback.MaxAttempts; limit > 0 && limit < len(fallbacks) {
			fallbacks = fallbacks[:limit]
		}
		candidates = append(candidates, fallbacks...)
	}

	var errs []error
	for i, cand := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if len(errs) == 0 {
				errs = append(errs, ctxErr)
			}
			break
		}

		attemptStart := e.clock.Now()
		reader, err := e.openStream(ctx, req, enriched, cand.Model)
		if err != nil {
			e.logger.Warn("failed to open stream",
				zap.String("request_id", req.ID),
				zap.String("model_id", cand.Model.ID),
				zap.Int("attempt", i+1),
				zap.Error(err))
			e.recordFailure(ctx, req, enriched, result, cand, i+1, err, e.clock.Since(attemptStart))
			if i > 0 {
				e.metrics.ObserveFallback(false)
			}
			errs = append(errs, err)
			continue
		}
		if i > 0 {
			e.metrics.ObserveFallback(true)
		}

		s := newStream(ctx, reader, e.streamFinisher(ctx, req, enriched, result, cand, i+1, start, onComplete))
		s.DecisionID = result.DecisionID
		s.ModelID = cand.Model.ID
		s.ProviderID = cand.Model.ProviderID
		s.FallbackUsed = i > 0
		return s
	}

	if len(errs) == 1 {
		return e.failStream(req, result, errs[0], onComplete)
	}
	return e.failStream(req, result, services.NewAllModelsFailedError(errs[0], errs[1:]...), onComplete)
}

func (e *Engine) openStream(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext, m models.Model) (providers.StreamReader, error) {
	adapter, err := e.deps.Adapters.GetStreamingProvider(m.ProviderID)
	if err != nil {
		return nil, err
	}
	return adapter.SendStreamingCompletion(ctx, providers.NewChatRequest(req, m, actx.UserID))
}

func (e *Engine) failStream(req *models.CompletionRequest, result *models.ArbitrationResult, err error, onComplete CompletionCallback) *Stream {
	s := failedStream(err)
	summary := StreamSummary{Err: err}
	if req != nil {
		summary.RequestID = req.ID
	}
	if result != nil {
		s.DecisionID = result.DecisionID
		summary.DecisionID = result.DecisionID
	}
	if onComplete != nil {
		onComplete(summary)
	}
	return s
}

// streamFinisher books the outcome of an opened stream and then calls onComplete
func (e *Engine) streamFinisher(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext, result *models.ArbitrationResult, cand models.Candidate, n int, start time.Time, onComplete CompletionCallback) func(int, *models.Usage, error) {
	m := cand.Model
	return func(received int, usage *models.Usage, streamErr error) {
		elapsed := e.clock.Since(start)

		var u models.Usage
		if usage != nil {
			u = *usage
		} else {
			u.InputTokens = actx.ExpectedInputTokens
			u.OutputTokens = received / charsPerToken
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		cost := m.EstimateCost(u.InputTokens, u.OutputTokens)

		failed := streamErr != nil &&
			!errors.Is(streamErr, ErrStreamClosed) &&
			!errors.Is(streamErr, context.Canceled)
		bookCtx := context.WithoutCancel(ctx)
		if perr := e.deps.Catalog.RecordPerformance(bookCtx, m.ID, m.ProviderID, elapsed, !failed); perr != nil {
			e.logger.Warn("failed to record performance", zap.String("model_id", m.ID), zap.Error(perr))
		}

		resp := &models.CompletionResponse{
			RequestID:    req.ID,
			DecisionID:   result.DecisionID,
			ModelID:      m.ID,
			ProviderID:   m.ProviderID,
			Usage:        u,
			Cost:         cost,
			Latency:      elapsed,
			FallbackUsed: n > 1,
			Attempts:     n,
		}
		if failed {
			e.metrics.ObserveExecution(m.ProviderID, m.ID, streamErr, elapsed, cost)
			e.recordFailure(bookCtx, req, actx, result, cand, n, streamErr, elapsed)
			// tokens streamed before the break are still billed
			e.recordUsage(bookCtx, actx, resp)
		} else {
			e.metrics.ObserveExecution(m.ProviderID, m.ID, nil, elapsed, cost)
			e.recordSuccess(bookCtx, actx, result, resp)
		}

		if onComplete != nil {
			onComplete(StreamSummary{
				RequestID:    req.ID,
				DecisionID:   result.DecisionID,
				ModelID:      m.ID,
				ProviderID:   m.ProviderID,
				Usage:        u,
				Cost:         cost,
				Latency:      elapsed,
				FallbackUsed: n > 1,
				Err:          streamErr,
			})
		}
	}
}
