// Package llm provides the outbound client for OpenAI-compatible chat
// completion endpoints. One call corresponds to one answer attempt; failures
// are returned as errors for the worker to record row-level, never retried
// here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const completionsPath = "/chat/completions"

var (
	// ErrEmptyCompletion is returned when the endpoint answers 200 with no
	// choices.
	ErrEmptyCompletion = errors.New("completion response contains no choices")

	// ErrEndpointStatus is returned on a non-2xx response from the endpoint.
	ErrEndpointStatus = errors.New("completion endpoint returned error status")
)

type (
	// Client calls chat completion endpoints with a per-call wall-clock
	// timeout. It is safe for concurrent use by all workers.
	Client struct {
		httpClient *http.Client
		timeout    time.Duration
	}

	// Request describes one completion call. Endpoint and credential come
	// from the experiment's model descriptor, the prompt from the dataset
	// row.
	Request struct {
		BaseURL        string
		APIKey         string
		Model          string
		System         string
		Prompt         string
		SamplingParams map[string]any
		ExtraParams    map[string]any
	}

	// Completion is the answer text plus the per-row metadata bag persisted
	// alongside it: token counts, tool-call count, generation time in
	// milliseconds.
	Completion struct {
		Text     string
		Metadata map[string]any
	}

	chatMessage struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	}

	chatResponse struct {
		Choices []struct {
			Message struct {
				Content   string            `json:"content"`
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
)

// NewClient creates a completion client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: cleanhttp.DefaultPooledClient(),
		timeout:    timeout,
	}
}

// Complete performs one chat completion call and times it. The context is
// bounded by the client timeout; a timeout surfaces as an error like any
// other endpoint failure.
func (c *Client) Complete(ctx context.Context, req *Request) (*Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := map[string]any{
		"model":    req.Model,
		"messages": buildMessages(req),
	}

	// Sampling and extra parameters pass through untouched; the engine never
	// introspects them.
	for key, value := range req.SamplingParams {
		body[key] = value
	}

	for key, value := range req.ExtraParams {
		body[key] = value
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	url := strings.TrimRight(req.BaseURL, "/") + completionsPath

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	started := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion call failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	elapsed := time.Since(started)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d: %s", ErrEndpointStatus, resp.StatusCode, truncate(string(raw)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}

	if len(decoded.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	choice := decoded.Choices[0]

	return &Completion{
		Text: choice.Message.Content,
		Metadata: map[string]any{
			"nb_tokens_prompt":     decoded.Usage.PromptTokens,
			"nb_tokens_completion": decoded.Usage.CompletionTokens,
			"nb_tool_calls":        len(choice.Message.ToolCalls),
			"generation_time":      elapsed.Milliseconds(),
		},
	}, nil
}

func buildMessages(req *Request) []chatMessage {
	var messages []chatMessage

	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}

	return append(messages, chatMessage{Role: "user", Content: req.Prompt})
}

const maxErrorBody = 256

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}

	return s[:maxErrorBody] + "..."
}
