// Package backend describes which text-generation backend a refinement runs
// against and defines the error kinds shared by the supervisor, the inference
// client and the session layer.
package backend

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind selects the backend variant.
type Kind string

const (
	// KindLocal is a llama.cpp server spawned and supervised by this process.
	KindLocal Kind = "local"
	// KindRemote is a hosted chat-completions API.
	KindRemote Kind = "remote"
)

const (
	DefaultExecutable     = "llama-server"
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8080
	DefaultEndpointURL    = "https://api.openai.com/v1/chat/completions"
	DefaultRemoteModel    = "gpt-3.5-turbo"
	DefaultRequestTimeout = 30 * time.Second
)

// ParseKind maps a user-supplied selector to a Kind. "llama" and "openai" are
// accepted as aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "llama", "llama.cpp":
		return KindLocal, nil
	case "remote", "openai":
		return KindRemote, nil
	default:
		return "", &ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown backend %q", s)}
	}
}

// Config is the immutable description of a backend. Build it with
// NewLocalConfig or NewRemoteConfig; the zero value is not valid.
type Config struct {
	Kind Kind

	// LocalProcess only.
	ExecutablePath string
	ModelPath      string
	Host           string
	Port           int
	ExtraArgs      []string

	// RemoteAPI only.
	APIKey      string
	EndpointURL string
	Model       string

	RequestTimeout time.Duration
}

// NewLocalConfig returns a validated configuration for a supervised
// llama.cpp server. Empty executable and host fall back to the defaults, a
// zero port to DefaultPort.
func NewLocalConfig(executable, modelPath, host string, port int) (Config, error) {
	cfg := Config{
		Kind:           KindLocal,
		ExecutablePath: strings.TrimSpace(executable),
		ModelPath:      strings.TrimSpace(modelPath),
		Host:           strings.TrimSpace(host),
		Port:           port,
		RequestTimeout: DefaultRequestTimeout,
	}
	if cfg.ExecutablePath == "" {
		cfg.ExecutablePath = DefaultExecutable
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return cfg, cfg.Validate()
}

// NewRemoteConfig returns a validated configuration for a hosted
// chat-completions endpoint.
func NewRemoteConfig(apiKey, endpointURL, model string) (Config, error) {
	cfg := Config{
		Kind:           KindRemote,
		APIKey:         strings.TrimSpace(apiKey),
		EndpointURL:    strings.TrimSpace(endpointURL),
		Model:          strings.TrimSpace(model),
		RequestTimeout: DefaultRequestTimeout,
	}
	if cfg.EndpointURL == "" {
		cfg.EndpointURL = DefaultEndpointURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRemoteModel
	}
	return cfg, cfg.Validate()
}

// Validate checks that exactly the fields required by Kind are populated.
func (c Config) Validate() error {
	if c.RequestTimeout < 0 {
		return &ConfigError{Field: "request_timeout", Reason: "must not be negative"}
	}
	switch c.Kind {
	case KindLocal:
		if c.ExecutablePath == "" {
			return &ConfigError{Field: "executable_path", Reason: "required for local backend"}
		}
		if c.ModelPath == "" {
			return &ConfigError{Field: "model_path", Reason: "required for local backend"}
		}
		if c.Host == "" {
			return &ConfigError{Field: "host", Reason: "required for local backend"}
		}
		if c.Port <= 0 || c.Port > 65535 {
			return &ConfigError{Field: "port", Reason: fmt.Sprintf("out of range: %d", c.Port)}
		}
		if c.APIKey != "" || c.EndpointURL != "" || c.Model != "" {
			return &ConfigError{Field: "kind", Reason: "remote fields set on a local backend"}
		}
	case KindRemote:
		if c.APIKey == "" {
			return &ConfigError{Field: "api_key", Reason: "required for remote backend"}
		}
		if c.EndpointURL == "" {
			return &ConfigError{Field: "endpoint_url", Reason: "required for remote backend"}
		}
		if c.ExecutablePath != "" || c.ModelPath != "" || c.Host != "" || c.Port != 0 || len(c.ExtraArgs) > 0 {
			return &ConfigError{Field: "kind", Reason: "local fields set on a remote backend"}
		}
	default:
		return &ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown backend %q", c.Kind)}
	}
	return nil
}

// Address returns host:port of a local backend.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the HTTP root of a local backend.
func (c Config) BaseURL() string {
	return "http://" + c.Address()
}

// Timeout returns the per-request timeout, applying the default when unset.
func (c Config) Timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}
