package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services/providers"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// SendStreamingCompletion opens a server-sent events stream. It is not retried.
func (a *OpenAIAdapter) SendStreamingCompletion(ctx context.Context, req *providers.ChatRequest) (providers.StreamReader, error) {
	body, err := json.Marshal(a.buildOpenAIRequest(req, true))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	resp, err := a.do(ctx, a.streamClient, body)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{provider: a.Name(), body: resp.Body, scanner: scanner}, nil
}

type sseReader struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
}

// Recv returns the next chunk that carries content, a finish reason or usage
func (r *sseReader) Recv() (*models.StreamChunk, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneMarker) {
			r.done = true
			return nil, io.EOF
		}

		var chunk OpenAIStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return nil, providers.NewProviderError(r.provider, "STREAM_DECODE_ERROR", "malformed stream chunk", 0, false, err)
		}

		out := &models.StreamChunk{}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
			if chunk.Choices[0].FinishReason != nil {
				out.FinishReason = *chunk.Choices[0].FinishReason
			}
		}
		if chunk.Usage != nil {
			out.Usage = &models.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, providers.NewProviderError(r.provider, "STREAM_READ_ERROR", "stream interrupted", 0, false, err)
	}
	r.done = true
	return nil, io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}

type OpenAIStreamChunk struct {
	ID      string               `json:"id"`
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *OpenAIUsage         `json:"usage,omitempty"`
}

type OpenAIStreamChoice struct {
	Index        int           `json:"index"`
	Delta        OpenAIMessage `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}
