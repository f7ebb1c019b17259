// Package config loads pitchrefine settings from an optional config file,
// PITCHREFINE_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/valpere/pitchrefine/internal/backend"
)

// EnvPrefix namespaces environment overrides, e.g. PITCHREFINE_LOCAL_PORT.
const EnvPrefix = "PITCHREFINE"

// Local holds settings for a supervised llama.cpp server.
type Local struct {
	Executable  string        `mapstructure:"executable"`
	ModelPath   string        `mapstructure:"model_path"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ExtraArgs   []string      `mapstructure:"extra_args"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Remote holds settings for a hosted chat-completions API.
type Remote struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// Request holds per-completion parameters.
type Request struct {
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Refine struct {
	Strict         bool `mapstructure:"strict"`
	VerifyLanguage bool `mapstructure:"verify_language"`
}

// Memory configures the refinement cache and run history.
type Memory struct {
	DBPath         string  `mapstructure:"db_path"`
	Disabled       bool    `mapstructure:"disabled"`
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Backend string  `mapstructure:"backend"`
	Local   Local   `mapstructure:"local"`
	Remote  Remote  `mapstructure:"remote"`
	Request Request `mapstructure:"request"`
	Refine  Refine  `mapstructure:"refine"`
	Memory  Memory  `mapstructure:"memory"`
	Log     Log     `mapstructure:"log"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", string(backend.KindLocal))

	v.SetDefault("local.executable", backend.DefaultExecutable)
	v.SetDefault("local.model_path", "")
	v.SetDefault("local.host", backend.DefaultHost)
	v.SetDefault("local.port", backend.DefaultPort)
	v.SetDefault("local.extra_args", []string{})
	v.SetDefault("local.max_attempts", 10)
	v.SetDefault("local.base_delay", time.Second)
	v.SetDefault("local.grace_period", 5*time.Second)

	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.endpoint", backend.DefaultEndpointURL)
	v.SetDefault("remote.model", backend.DefaultRemoteModel)

	v.SetDefault("request.max_tokens", 150)
	v.SetDefault("request.temperature", 0.7)
	v.SetDefault("request.timeout", backend.DefaultRequestTimeout)

	v.SetDefault("refine.strict", false)
	v.SetDefault("refine.verify_language", false)

	v.SetDefault("memory.db_path", DefaultDBPath())
	v.SetDefault("memory.disabled", false)
	v.SetDefault("memory.fuzzy_threshold", 0.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// DefaultConfigPath is $HOME/.pitchrefine.yaml, or "" when HOME is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pitchrefine.yaml")
}

// DefaultDBPath is where refinement memory lives unless configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("data", "pitchrefine.db")
	}
	return filepath.Join(home, ".local", "share", "pitchrefine", "pitchrefine.db")
}

// Load reads configuration into v and decodes it. An explicit path must
// exist; the default path is optional. It returns the file actually used, or
// "" when none was read.
func Load(v *viper.Viper, path string) (*Config, string, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("remote.api_key", EnvPrefix+"_REMOTE_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, "", fmt.Errorf("bind api key env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	used := ""
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
				return nil, "", fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			used = v.ConfigFileUsed()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	cfg.Memory.DBPath = expandHome(cfg.Memory.DBPath)
	cfg.Local.ModelPath = expandHome(cfg.Local.ModelPath)
	return &cfg, used, nil
}

// BackendConfig converts the loaded settings into a validated backend
// configuration.
func (c *Config) BackendConfig() (backend.Config, error) {
	kind, err := backend.ParseKind(c.Backend)
	if err != nil {
		return backend.Config{}, err
	}

	var cfg backend.Config
	switch kind {
	case backend.KindLocal:
		if strings.TrimSpace(c.Local.ModelPath) == "" {
			return backend.Config{}, &backend.ConfigError{Field: "model_path", Reason: "required for local backend (--model-path)"}
		}
		cfg, err = backend.NewLocalConfig(c.Local.Executable, c.Local.ModelPath, c.Local.Host, c.Local.Port)
		if err != nil {
			return backend.Config{}, err
		}
		cfg.ExtraArgs = c.Local.ExtraArgs
	case backend.KindRemote:
		if strings.TrimSpace(c.Remote.APIKey) == "" {
			return backend.Config{}, &backend.ConfigError{Field: "api_key", Reason: "required for remote backend (--api-key or OPENAI_API_KEY)"}
		}
		cfg, err = backend.NewRemoteConfig(c.Remote.APIKey, c.Remote.Endpoint, c.Remote.Model)
		if err != nil {
			return backend.Config{}, err
		}
	}

	cfg.RequestTimeout = c.Request.Timeout
	return cfg, cfg.Validate()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
