package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-arbiter/middleware"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services/arbitration"
	"github.com/upb/llm-arbiter/utils"
	"go.uber.org/zap"
)

// Arbiter is the arbitration surface used by the inference endpoints
type Arbiter interface {
	Admit(ctx context.Context, actx models.ArbitrationContext) error
	Arbitrate(ctx context.Context, actx models.ArbitrationContext) (*models.ArbitrationResult, error)
	Execute(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (*models.CompletionResponse, error)
	ExecuteBatch(ctx context.Context, reqs []*models.CompletionRequest, actx models.ArbitrationContext) (*models.BatchResult, error)
}

// ChunkStream is a sequence of streamed chunks
type ChunkStream interface {
	Next() bool
	Chunk() *models.StreamChunk
	Err() error
	Close() error
}

// StreamInfo describes where a stream was routed
type StreamInfo struct {
	DecisionID   uuid.UUID
	ModelID      string
	ProviderID   string
	FallbackUsed bool
}

// Streamer opens completion streams
type Streamer interface {
	OpenStream(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (ChunkStream, StreamInfo)
}

// EngineStreamer opens streams on the arbitration engine and logs the final
// accounting of each one
type EngineStreamer struct {
	Engine *arbitration.Engine
	Logger *zap.Logger
}

// OpenStream implements Streamer
func (s EngineStreamer) OpenStream(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (ChunkStream, StreamInfo) {
	stream := s.Engine.ExecuteStreaming(ctx, req, actx, func(sum arbitration.StreamSummary) {
		fields := []zap.Field{
			zap.String("request_id", sum.RequestID),
			zap.String("decision_id", sum.DecisionID.String()),
			zap.String("model", sum.ModelID),
			zap.Int("output_tokens", sum.Usage.OutputTokens),
			zap.Float64("cost", sum.Cost),
			zap.Duration("latency", sum.Latency),
		}
		if sum.Err != nil {
			s.Logger.Warn("stream ended with error", append(fields, zap.Error(sum.Err))...)
			return
		}
		s.Logger.Info("stream completed", fields...)
	})
	return stream, StreamInfo{
		DecisionID:   stream.DecisionID,
		ModelID:      stream.ModelID,
		ProviderID:   stream.ProviderID,
		FallbackUsed: stream.FallbackUsed,
	}
}

// InferenceHandler handles completion and arbitration requests
type InferenceHandler struct {
	arbiter  Arbiter
	streamer Streamer
	defaults RequestDefaults
	now      func() time.Time
	logger   *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(arbiter Arbiter, streamer Streamer, defaults RequestDefaults, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		arbiter:  arbiter,
		streamer: streamer,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *InferenceHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenant, ok := middleware.GetTenantFromContext(ctx)
	if !ok {
		h.logger.Error("missing tenant information in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return
	}

	var chatReq ChatCompletionRequest
	if !h.decode(w, r, &chatReq) {
		return
	}

	req := chatReq.completionRequest(requestID, h.defaults)
	actx := chatReq.arbitrationContext(nil, tenant, h.defaults)

	h.logger.Debug("processing chat completion",
		zap.String("request_id", req.ID),
		zap.String("tenant_id", tenant.TenantID),
		zap.Bool("stream", chatReq.Stream))

	if chatReq.Stream {
		h.stream(w, r, req, actx)
		return
	}

	resp, err := h.arbiter.Execute(ctx, req, actx)
	if err != nil {
		h.logger.Warn("chat completion failed",
			zap.String("request_id", req.ID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion successful",
		zap.String("request_id", req.ID),
		zap.String("provider", resp.ProviderID),
		zap.String("model", resp.ModelID),
		zap.Int("prompt_tokens", resp.Usage.InputTokens),
		zap.Int("completion_tokens", resp.Usage.OutputTokens),
		zap.Bool("fallback_used", resp.FallbackUsed),
		zap.Float64("cost", resp.Cost))

	if err := utils.WriteJSON(w, http.StatusOK, newChatCompletionResponse(resp, h.now())); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}

// stream writes a completion as server-sent events. Failures before the
// first chunk are reported as ordinary HTTP errors.
func (h *InferenceHandler) stream(w http.ResponseWriter, r *http.Request, req *models.CompletionRequest, actx models.ArbitrationContext) {
	stream, info := h.streamer.OpenStream(r.Context(), req, actx)
	defer stream.Close()

	if !stream.Next() {
		if err := stream.Err(); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		h.logger.Error("streaming unsupported by response writer", zap.String("request_id", req.ID))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	created := h.now().Unix()
	role := "assistant"
	for chunk := stream.Chunk(); chunk != nil; chunk = stream.Chunk() {
		event := ChatCompletionChunk{
			ID:      req.ID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   info.ModelID,
			Choices: []ChatChoice{{Index: 0, Delta: &ChatDelta{Role: role, Content: chunk.Content}}},
		}
		role = ""
		if chunk.FinishReason != "" {
			finish := chunk.FinishReason
			event.Choices[0].FinishReason = &finish
		}
		if chunk.Usage != nil {
			usage := chatUsage(*chunk.Usage)
			event.Usage = &usage
		}
		if err := sse.Data(event); err != nil {
			h.logger.Debug("client went away during stream",
				zap.String("request_id", req.ID),
				zap.Error(err))
			return
		}
		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		h.logger.Warn("stream failed",
			zap.String("request_id", req.ID),
			zap.String("model", info.ModelID),
			zap.Error(err))
		_ = sse.Event("error", utils.ErrorResponse{Error: "stream_error", Message: err.Error()})
		return
	}
	_ = sse.Done()
}

// HandleBatch handles POST /v1/chat/batch
func (h *InferenceHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenant, ok := middleware.GetTenantFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return
	}

	var batchReq BatchRequest
	if !h.decode(w, r, &batchReq) {
		return
	}

	actx := batchReq.Arbitration.ArbitrationContext(tenant, h.defaults)
	reqs := make([]*models.CompletionRequest, len(batchReq.Requests))
	for i := range batchReq.Requests {
		item := &batchReq.Requests[i]
		if item.Stream || item.Arbitration != nil || item.Model != "" {
			_ = utils.WriteBadRequest(w, "batch items cannot set stream, model or arbitration", map[string]interface{}{"index": i})
			return
		}
		reqs[i] = item.completionRequest(fmt.Sprintf("%s-%d", batchID(requestID), i), h.defaults)
	}

	result, err := h.arbiter.ExecuteBatch(ctx, reqs, actx)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	created := h.now()
	resp := BatchResponse{
		Responses:        make([]ChatCompletionResponse, len(result.Responses)),
		Failures:         result.Failures,
		TotalCost:        result.TotalCost,
		ProcessingTimeMs: result.ProcessingTime.Milliseconds(),
		ModelUsage:       result.ModelUsage,
	}
	for i, item := range result.Responses {
		resp.Responses[i] = newChatCompletionResponse(item, created)
	}
	if resp.Failures == nil {
		resp.Failures = []models.BatchFailure{}
	}

	h.logger.Info("batch completed",
		zap.String("request_id", requestID),
		zap.Int("succeeded", len(result.Responses)),
		zap.Int("failed", len(result.Failures)),
		zap.Float64("total_cost", result.TotalCost))

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write batch response", zap.Error(err))
	}
}

func batchID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

// HandleArbitrate handles POST /v1/arbitrate. It runs admission control and
// returns the routing decision without executing it.
func (h *InferenceHandler) HandleArbitrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := middleware.GetTenantFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return
	}

	var arbReq ArbitrateRequest
	if !h.decode(w, r, &arbReq) {
		return
	}

	actx := arbReq.Arbitration.ArbitrationContext(tenant, h.defaults)
	if len(arbReq.Messages) > 0 {
		maxTokens := arbReq.MaxTokens
		if maxTokens == 0 {
			maxTokens = DefaultMaxTokens
		}
		actx = arbitration.Enrich(actx, &models.CompletionRequest{
			Messages:        toMessages(arbReq.Messages),
			MaxOutputTokens: maxTokens,
		})
	}

	if err := h.arbiter.Admit(ctx, actx); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	result, err := h.arbiter.Arbitrate(ctx, actx)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, newArbitrateResponse(result)); err != nil {
		h.logger.Error("failed to write arbitration response", zap.Error(err))
	}
}

// decode parses and validates the JSON body into v, writing a 400 on failure
func (h *InferenceHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(v); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}
