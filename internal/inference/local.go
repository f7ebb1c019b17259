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

// CompletionPath is the llama.cpp server completion endpoint.
const CompletionPath = "/completion"

// LocalClient talks to a llama.cpp server started by the supervisor.
type LocalClient struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop"`
}

type completionResponse struct {
	Content string `json:"content"`
}

func newLocalClient(cfg backend.Config, o options) *LocalClient {
	return &LocalClient{
		baseURL: cfg.BaseURL(),
		model:   cfg.ModelPath,
		client:  o.httpClient,
		logger:  o.logger,
	}
}

func (c *LocalClient) Name() string {
	return "llama.cpp"
}

// ModifyText sends the flattened prompt to /completion and returns the trimmed
// content field.
func (c *LocalClient) ModifyText(ctx context.Context, req Request) (*Result, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	payload := completionRequest{
		Prompt:      BuildPrompt(req.Instruction, req.SourceText),
		NPredict:    req.MaxTokens,
		Temperature: *req.Temperature,
		Stop:        []string{"\n"},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CompletionPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := doJSON(c.client, httpReq, "llama.cpp completion")
	if err != nil {
		c.logger.Warn("completion failed", "backend", c.Name(), "error", err)
		return nil, err
	}

	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &backend.TransportError{Op: "llama.cpp completion", Err: fmt.Errorf("decode response: %w", err)}
	}

	result := &Result{
		Text:    strings.TrimSpace(resp.Content),
		Backend: c.Name(),
		Model:   c.model,
		Latency: time.Since(start),
	}
	c.logger.Debug("completion received", "backend", c.Name(), "latency", result.Latency, "chars", len(result.Text))
	return result, nil
}

func (c *LocalClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
