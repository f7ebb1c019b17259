package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/pitchrefine/internal/backend"
)

// SystemPrompt establishes the assistant's role for chat backends.
const SystemPrompt = "You are a helpful assistant that modifies text."

// RemoteClient talks to a hosted chat-completions API.
type RemoteClient struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
	logger   *slog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func newRemoteClient(cfg backend.Config, o options) *RemoteClient {
	return &RemoteClient{
		apiKey:   cfg.APIKey,
		endpoint: cfg.EndpointURL,
		model:    cfg.Model,
		client:   o.httpClient,
		logger:   o.logger,
	}
}

func (c *RemoteClient) Name() string {
	return "remote"
}

// ModifyText sends a system+user chat payload and returns the trimmed content
// of the first choice. A response without choices yields empty text.
func (c *RemoteClient) ModifyText(ctx context.Context, req Request) (*Result, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: BuildPrompt(req.Instruction, req.SourceText)},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: *req.Temperature,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := doJSON(c.client, httpReq, "chat completion")
	if err != nil {
		c.logger.Warn("chat completion failed", "backend", c.Name(), "model", c.model, "error", err)
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &backend.TransportError{Op: "chat completion", Err: fmt.Errorf("decode response: %w", err)}
	}

	result := &Result{
		Backend: c.Name(),
		Model:   c.model,
		Latency: time.Since(start),
	}
	if len(resp.Choices) > 0 {
		result.Text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	c.logger.Debug("chat completion received",
		"model", c.model,
		"latency", result.Latency,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return result, nil
}

func (c *RemoteClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
