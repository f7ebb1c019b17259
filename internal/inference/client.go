// Package inference sends a single text-refinement request to whichever
// backend is configured and normalizes the answer. It never retries: a slow
// or failed completion surfaces immediately to the caller.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/pitchrefine/internal/backend"
	"github.com/valpere/pitchrefine/internal/logging"
)

const (
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.7
	maxErrorBody       = 4096
)

// ErrInvalidRequest is wrapped by every Request validation failure.
var ErrInvalidRequest = errors.New("invalid refinement request")

// Request is one refinement: rewrite SourceText according to Instruction.
type Request struct {
	SourceText  string
	Instruction string
	// MaxTokens defaults to 150 when zero.
	MaxTokens int
	// Temperature defaults to 0.7 when nil.
	Temperature *float64
}

// Result is a normalized completion. Text may be empty when the backend
// returned no content.
type Result struct {
	Text    string
	Backend string
	Model   string
	Latency time.Duration
}

// Client is implemented by LocalClient and RemoteClient.
type Client interface {
	Name() string
	// ModifyText issues exactly one completion request. Failures are
	// *backend.TransportError or *backend.StatusError.
	ModifyText(ctx context.Context, req Request) (*Result, error)
	// Close releases pooled connections.
	Close() error
}

// Option customizes a client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient overrides the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logging.OrDiscard(logger)
	}
}

// New creates the client variant selected by cfg.Kind.
func New(cfg backend.Config, opts ...Option) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Timeout()}
	}

	switch cfg.Kind {
	case backend.KindLocal:
		return newLocalClient(cfg, o), nil
	case backend.KindRemote:
		return newRemoteClient(cfg, o), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", cfg.Kind)
	}
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 {
	return &v
}

// Normalize validates req and fills in defaults. It runs before any network
// I/O so an invalid request never reaches the backend.
func (r Request) Normalize() (Request, error) {
	if strings.TrimSpace(r.SourceText) == "" {
		return r, fmt.Errorf("%w: source text is empty", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Instruction) == "" {
		return r, fmt.Errorf("%w: instruction is empty", ErrInvalidRequest)
	}
	if r.MaxTokens < 0 {
		return r, fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidRequest, r.MaxTokens)
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == nil {
		r.Temperature = Float(DefaultTemperature)
	}
	if t := *r.Temperature; t < 0 || t > 2 {
		return r, fmt.Errorf("%w: temperature must be within [0,2], got %g", ErrInvalidRequest, t)
	}
	return r, nil
}

// BuildPrompt flattens an instruction and the source text into the prompt
// both backends receive.
func BuildPrompt(instruction, sourceText string) string {
	return instruction + "\n\nOriginal Text: " + sourceText + "\n\nModified Text:"
}

// doJSON sends an already-built request and returns the body of a 2xx
// response. op names the call in errors.
func doJSON(client *http.Client, req *http.Request, op string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &backend.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &backend.StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &backend.TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return body, nil
}
