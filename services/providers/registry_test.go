package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) SendCompletion(context.Context, *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Provider: s.name}, nil
}
func (s *stubProvider) IsAvailable(context.Context) bool { return true }

type stubStreamer struct{ stubProvider }

func (s *stubStreamer) SendStreamingCompletion(context.Context, *ChatRequest) (StreamReader, error) {
	return nil, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(&stubProvider{name: "openai"}))
	require.NoError(t, r.RegisterProvider(&stubStreamer{stubProvider{name: "groq"}}))

	assert.ErrorIs(t, r.RegisterProvider(&stubProvider{name: "openai"}), ErrProviderAlreadyRegistered)
	assert.Error(t, r.RegisterProvider(nil))
	assert.Error(t, r.RegisterProvider(&stubProvider{}))

	p, err := r.GetProvider("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = r.GetProvider("missing")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	assert.Equal(t, []string{"groq", "openai"}, r.ListProviders())
}

func TestRegistry_GetStreamingProvider(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(&stubProvider{name: "plain"}))
	require.NoError(t, r.RegisterProvider(&stubStreamer{stubProvider{name: "streamer"}}))

	sp, err := r.GetStreamingProvider("streamer")
	require.NoError(t, err)
	assert.Equal(t, "streamer", sp.Name())

	_, err = r.GetStreamingProvider("plain")
	assert.True(t, errors.Is(err, services.ErrProviderUnsupportedOperation))
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	err := r.Build(func(cfg ProviderConfig) (Provider, error) {
		return &stubProvider{name: cfg.Name}, nil
	}, ProviderConfig{Name: "a"}, ProviderConfig{Name: "b"})
	require.NoError(t, err)
	assert.Len(t, r.ListProviders(), 2)

	err = r.Build(func(ProviderConfig) (Provider, error) { return nil, errors.New("bad key") }, ProviderConfig{Name: "c"})
	assert.EqualError(t, err, "bad key")
}

func TestNewChatRequest(t *testing.T) {
	temp := 0.2
	req := &models.CompletionRequest{
		ID:              "r1",
		Messages:        []models.Message{{Role: "user", Content: "hi"}},
		MaxOutputTokens: 64,
		Temperature:     &temp,
	}

	cr := NewChatRequest(req, models.Model{ID: "openai/gpt-4o", Name: "gpt-4o"}, "u1")
	assert.Equal(t, "gpt-4o", cr.Model)
	assert.Equal(t, 64, cr.MaxTokens)
	assert.Equal(t, "u1", cr.User)
	assert.Same(t, &temp, cr.Temperature)

	cr = NewChatRequest(req, models.Model{ID: "local-llama"}, "")
	assert.Equal(t, "local-llama", cr.Model)
}

func TestProviderError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewProviderError("openai", "HTTP_ERROR", "request failed", 0, true, cause)

	assert.Equal(t, "openai: request failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(cause))
}
