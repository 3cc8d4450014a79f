package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-arbiter/middleware"
	"github.com/upb/llm-arbiter/models"
)

// DefaultMaxTokens is used when a request does not set max_tokens
const DefaultMaxTokens = 1024

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ArbitrationOptions are the caller's constraints on model selection
type ArbitrationOptions struct {
	TaskType             string                         `json:"task_type,omitempty"`
	MinIntelligenceScore float64                        `json:"min_intelligence_score,omitempty" validate:"gte=0,lte=100"`
	MinContextLength     int                            `json:"min_context_length,omitempty" validate:"gte=0"`
	MaxCost              float64                        `json:"max_cost,omitempty" validate:"gte=0"`
	MaxLatencyMs         int64                          `json:"max_latency_ms,omitempty" validate:"gte=0"`
	AllowedModels        []string                       `json:"allowed_models,omitempty"`
	BlockedModels        []string                       `json:"blocked_models,omitempty"`
	AllowedProviders     []string                       `json:"allowed_providers,omitempty"`
	BlockedProviders     []string                       `json:"blocked_providers,omitempty"`
	RequiredCapabilities []models.CapabilityRequirement `json:"required_capabilities,omitempty" validate:"dive"`
	Compliance           models.ComplianceFlags         `json:"compliance"`
	Fallback             *models.FallbackPolicy         `json:"fallback,omitempty"`
	SelectionStrategy    string                         `json:"selection_strategy,omitempty"`
	ExpectedOutputTokens int                            `json:"expected_output_tokens,omitempty" validate:"gte=0"`
}

// ChatCompletionRequest represents an OpenAI-compatible chat completion request.
// Model, when set, pins selection to that model.
type ChatCompletionRequest struct {
	ID          string              `json:"id,omitempty"`
	Model       string              `json:"model,omitempty"`
	Messages    []ChatMessage       `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64            `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int                 `json:"max_tokens,omitempty" validate:"gte=0"`
	Stream      bool                `json:"stream,omitempty"`
	User        string              `json:"user,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	Arbitration *ArbitrationOptions `json:"arbitration,omitempty"`
}

// BatchRequest carries several completions sharing one set of constraints
type BatchRequest struct {
	Requests    []ChatCompletionRequest `json:"requests" validate:"required,min=1,max=100,dive"`
	Arbitration *ArbitrationOptions     `json:"arbitration,omitempty"`
}

// ArbitrateRequest asks for a routing decision without executing it.
// Messages, when present, drive task type and token estimates.
type ArbitrateRequest struct {
	Messages    []ChatMessage       `json:"messages,omitempty" validate:"dive"`
	MaxTokens   int                 `json:"max_tokens,omitempty" validate:"gte=0"`
	Arbitration *ArbitrationOptions `json:"arbitration,omitempty"`
}

// RequestDefaults fill what a request leaves unset
type RequestDefaults struct {
	MaxTokens int
	Fallback  models.FallbackPolicy
}

// ArbitrationContext builds the context for tenant from the options
func (o *ArbitrationOptions) ArbitrationContext(tenant middleware.Tenant, defaults RequestDefaults) models.ArbitrationContext {
	actx := models.ArbitrationContext{
		TenantID:  tenant.TenantID,
		ProjectID: tenant.ProjectID,
		UserID:    tenant.UserID,
		Fallback:  defaults.Fallback,
	}
	if o == nil {
		return actx
	}
	actx.TaskType = models.TaskType(o.TaskType)
	actx.MinIntelligenceScore = o.MinIntelligenceScore
	actx.MinContextLength = o.MinContextLength
	actx.MaxCost = o.MaxCost
	actx.MaxLatency = time.Duration(o.MaxLatencyMs) * time.Millisecond
	actx.AllowedModels = o.AllowedModels
	actx.BlockedModels = o.BlockedModels
	actx.AllowedProviders = o.AllowedProviders
	actx.BlockedProviders = o.BlockedProviders
	actx.RequiredCapabilities = o.RequiredCapabilities
	actx.Compliance = o.Compliance
	actx.SelectionStrategy = o.SelectionStrategy
	actx.ExpectedOutputTokens = o.ExpectedOutputTokens
	if o.Fallback != nil {
		actx.Fallback = *o.Fallback
	}
	return actx
}

// arbitrationContext combines the shared options with per-request overrides
func (r *ChatCompletionRequest) arbitrationContext(shared *ArbitrationOptions, tenant middleware.Tenant, defaults RequestDefaults) models.ArbitrationContext {
	opts := r.Arbitration
	if opts == nil {
		opts = shared
	}
	actx := opts.ArbitrationContext(tenant, defaults)
	if r.Model != "" {
		actx.AllowedModels = []string{r.Model}
	}
	return actx
}

// completionRequest converts to the provider-neutral request. fallbackID is
// used when the request carries no id.
func (r *ChatCompletionRequest) completionRequest(fallbackID string, defaults RequestDefaults) *models.CompletionRequest {
	id := r.ID
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		id = uuid.NewString()
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaults.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	metadata := r.Metadata
	if r.User != "" {
		metadata = make(map[string]string, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		metadata["user"] = r.User
	}

	return &models.CompletionRequest{
		ID:              id,
		Messages:        toMessages(r.Messages),
		MaxOutputTokens: maxTokens,
		Temperature:     r.Temperature,
		Metadata:        metadata,
	}
}

func toMessages(in []ChatMessage) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = models.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return out
}

// ChatCompletionResponse represents an OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID          string          `json:"id"`
	Object      string          `json:"object"`
	Created     int64           `json:"created"`
	Model       string          `json:"model"`
	Choices     []ChatChoice    `json:"choices"`
	Usage       ChatUsage       `json:"usage"`
	Arbitration ArbitrationInfo `json:"arbitration"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatDelta is the incremental content of a streamed choice
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatUsage represents token usage information
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ArbitrationInfo reports how a request was routed
type ArbitrationInfo struct {
	DecisionID   uuid.UUID `json:"decision_id"`
	Provider     string    `json:"provider"`
	FallbackUsed bool      `json:"fallback_used"`
	Attempts     int       `json:"attempts,omitempty"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
}

// ChatCompletionChunk is one server-sent event of a streamed completion
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

func chatUsage(u models.Usage) ChatUsage {
	return ChatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func newChatCompletionResponse(resp *models.CompletionResponse, created time.Time) ChatCompletionResponse {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return ChatCompletionResponse{
		ID:      resp.RequestID,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   resp.ModelID,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: &finish,
		}},
		Usage: chatUsage(resp.Usage),
		Arbitration: ArbitrationInfo{
			DecisionID:   resp.DecisionID,
			Provider:     resp.ProviderID,
			FallbackUsed: resp.FallbackUsed,
			Attempts:     resp.Attempts,
			Cost:         resp.Cost,
			LatencyMs:    resp.Latency.Milliseconds(),
		},
	}
}

// BatchResponse is the outcome of a batch request
type BatchResponse struct {
	Responses        []ChatCompletionResponse `json:"responses"`
	Failures         []models.BatchFailure    `json:"failures"`
	TotalCost        float64                  `json:"total_cost"`
	ProcessingTimeMs int64                    `json:"processing_time_ms"`
	ModelUsage       map[string]int           `json:"model_usage"`
}

// ArbitrateResponse is a routing decision
type ArbitrateResponse struct {
	DecisionID       uuid.UUID                    `json:"decision_id"`
	Selected         models.Candidate             `json:"selected"`
	Fallbacks        []models.Candidate           `json:"fallbacks"`
	CostEstimate     float64                      `json:"cost_estimate"`
	Prediction       models.PerformancePrediction `json:"performance_prediction"`
	Factors          models.DecisionFactors       `json:"decision_factors"`
	ExcludedModels   []string                     `json:"excluded_models"`
	Strategy         models.SelectionStrategy     `json:"strategy"`
	CandidatesScored int                          `json:"candidates_scored"`
}

func newArbitrateResponse(r *models.ArbitrationResult) ArbitrateResponse {
	return ArbitrateResponse{
		DecisionID:       r.DecisionID,
		Selected:         r.Selected,
		Fallbacks:        r.Fallbacks,
		CostEstimate:     r.CostEstimate,
		Prediction:       r.PerformancePrediction,
		Factors:          r.Factors,
		ExcludedModels:   r.ExcludedModels,
		Strategy:         r.Strategy,
		CandidatesScored: len(r.Candidates),
	}
}
