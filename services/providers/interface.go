package providers

import (
	"context"
	"errors"
	"time"

	"github.com/upb/llm-arbiter/models"
)

// Provider is the uniform adapter contract every AI vendor integration implements
type Provider interface {
	// Name returns the provider id used by catalog models (e.g. "openai", "groq")
	Name() string

	// SendCompletion performs a non-streaming chat completion
	SendCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// IsAvailable checks if the provider endpoint answers
	IsAvailable(ctx context.Context) bool
}

// StreamingProvider extends Provider with streaming support
type StreamingProvider interface {
	Provider

	// SendStreamingCompletion opens a stream. The caller must Close the reader.
	SendStreamingCompletion(ctx context.Context, req *ChatRequest) (StreamReader, error)
}

// StreamReader yields chunks until io.EOF
type StreamReader interface {
	Recv() (*models.StreamChunk, error)
	Close() error
}

// ChatRequest is the request sent to one provider for one model
type ChatRequest struct {
	// Model is the vendor model name
	Model       string            `json:"model"`
	Messages    []models.Message  `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewChatRequest builds the provider request for model m
func NewChatRequest(req *models.CompletionRequest, m models.Model, user string) *ChatRequest {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return &ChatRequest{
		Model:       name,
		Messages:    req.Messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		User:        user,
		Metadata:    req.Metadata,
	}
}

// ChatResponse is a provider-neutral completion result
type ChatResponse struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason"`
	Usage        models.Usage  `json:"usage"`
	Latency      time.Duration `json:"latency"`
	Created      time.Time     `json:"created"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// Name is the provider id the adapter registers under
	Name string

	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for non-streaming requests
	Timeout time.Duration

	// MaxRetries for retryable failures
	MaxRetries int

	// RetryDelay is the base of the exponential backoff
	RetryDelay time.Duration

	// Additional headers
	Headers map[string]string

	// OrgID for organization-specific endpoints
	OrgID string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		Headers:    make(map[string]string),
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
