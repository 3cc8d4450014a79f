package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CompletionRequest is a provider-neutral chat completion request
type CompletionRequest struct {
	ID              string            `json:"id" validate:"required"`
	Messages        []Message         `json:"messages" validate:"required,min=1,dive"`
	MaxOutputTokens int               `json:"max_output_tokens" validate:"required,gt=0"`
	Temperature     *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Text concatenates all message contents
func (r *CompletionRequest) Text() string {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content) + 1
	}
	buf := make([]byte, 0, n)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// Usage is token accounting for one call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CompletionResponse is the result of an executed request
type CompletionResponse struct {
	RequestID    string        `json:"request_id"`
	DecisionID   uuid.UUID     `json:"decision_id"`
	ModelID      string        `json:"model_id"`
	ProviderID   string        `json:"provider_id"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	FallbackUsed bool          `json:"fallback_used"`
	Attempts     int           `json:"attempts"`
}

// StreamChunk is one piece of streamed content. Usage is set on the final
// chunk when the provider reports it.
type StreamChunk struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// BatchFailure is one failed item of a batch
type BatchFailure struct {
	Index     int    `json:"index"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Err       error  `json:"-"`
}

// BatchResult aggregates a batch execution
type BatchResult struct {
	Responses      []*CompletionResponse `json:"responses"`
	Failures       []BatchFailure        `json:"failures"`
	TotalCost      float64               `json:"total_cost"`
	ProcessingTime time.Duration         `json:"processing_time"`
	ModelUsage     map[string]int        `json:"model_usage"`
}
