package backend

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewLocalConfig_Defaults(t *testing.T) {
	cfg, err := NewLocalConfig("", "/models/llama.gguf", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kind != KindLocal {
		t.Errorf("expected kind local, got %q", cfg.Kind)
	}
	if cfg.ExecutablePath != DefaultExecutable {
		t.Errorf("expected executable %q, got %q", DefaultExecutable, cfg.ExecutablePath)
	}
	if cfg.Address() != "127.0.0.1:8080" {
		t.Errorf("expected address 127.0.0.1:8080, got %q", cfg.Address())
	}
	if cfg.BaseURL() != "http://127.0.0.1:8080" {
		t.Errorf("unexpected base URL %q", cfg.BaseURL())
	}
	if cfg.Timeout() != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Timeout())
	}
}

func TestNewLocalConfig_MissingModel(t *testing.T) {
	_, err := NewLocalConfig("llama-server", "", "127.0.0.1", 8080)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Field != "model_path" {
		t.Errorf("expected field model_path, got %q", cfgErr.Field)
	}
}

func TestNewRemoteConfig_Defaults(t *testing.T) {
	cfg, err := NewRemoteConfig("sk-test", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EndpointURL != DefaultEndpointURL {
		t.Errorf("expected default endpoint, got %q", cfg.EndpointURL)
	}
	if cfg.Model != DefaultRemoteModel {
		t.Errorf("expected default model, got %q", cfg.Model)
	}
}

func TestNewRemoteConfig_MissingKey(t *testing.T) {
	_, err := NewRemoteConfig("  ", "", "")
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestValidate_MismatchedFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "local with api key",
			cfg:  Config{Kind: KindLocal, ExecutablePath: "llama-server", ModelPath: "m.gguf", Host: "127.0.0.1", Port: 8080, APIKey: "sk"},
		},
		{
			name: "remote with model path",
			cfg:  Config{Kind: KindRemote, APIKey: "sk", EndpointURL: DefaultEndpointURL, ModelPath: "m.gguf"},
		},
		{
			name: "remote with port",
			cfg:  Config{Kind: KindRemote, APIKey: "sk", EndpointURL: DefaultEndpointURL, Port: 8080},
		},
		{
			name: "unknown kind",
			cfg:  Config{Kind: "grpc"},
		},
		{
			name: "port out of range",
			cfg:  Config{Kind: KindLocal, ExecutablePath: "llama-server", ModelPath: "m.gguf", Host: "127.0.0.1", Port: 70000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfgErr *ConfigError
			if err := tt.cfg.Validate(); !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"local":  KindLocal,
		"LLAMA":  KindLocal,
		"remote": KindRemote,
		"openai": KindRemote,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil {
			t.Errorf("ParseKind(%q): unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseKind("ollama"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")

	if !errors.Is(&TransportError{Op: "completion", Err: cause}, cause) {
		t.Error("TransportError should unwrap to its cause")
	}
	if !errors.Is(&SpawnError{Executable: "llama-server", Err: cause}, cause) {
		t.Error("SpawnError should unwrap to its cause")
	}
	nr := &ServerNotReadyError{Address: "127.0.0.1:8080", Attempts: 10, Err: cause, Stderr: "error loading model\n"}
	if !errors.Is(nr, cause) {
		t.Error("ServerNotReadyError should unwrap to its cause")
	}
	if !strings.Contains(nr.Error(), "error loading model") {
		t.Errorf("expected stderr tail in message, got %q", nr.Error())
	}
}

func TestStatusError_TruncatesBody(t *testing.T) {
	err := &StatusError{Op: "completion", StatusCode: 500, Body: strings.Repeat("x", 500)}
	if len(err.Error()) > 250 {
		t.Errorf("expected truncated message, got %d bytes", len(err.Error()))
	}
	if !strings.Contains(err.Error(), "http 500") {
		t.Errorf("expected status code in message, got %q", err.Error())
	}
}
