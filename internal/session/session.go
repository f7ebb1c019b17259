// Package session scopes one refinement: it brings the backend up, hands out
// an inference client, and guarantees teardown on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/valpere/pitchrefine/internal/backend"
	"github.com/valpere/pitchrefine/internal/inference"
	"github.com/valpere/pitchrefine/internal/logging"
	"github.com/valpere/pitchrefine/internal/supervisor"
)

// Session owns a started backend and its client. A Session is used by one
// goroutine at a time.
type Session struct {
	id     string
	cfg    backend.Config
	client inference.Client
	sup    *supervisor.Supervisor
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Open.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	supervisorOps []supervisor.Option
	clientOps     []inference.Option
}

// WithLogger sets the logger shared by the session, its supervisor and client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logging.OrDiscard(logger)
	}
}

// WithSupervisorOptions passes options through to the local supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) {
		o.supervisorOps = append(o.supervisorOps, opts...)
	}
}

// WithClientOptions passes options through to the inference client.
func WithClientOptions(opts ...inference.Option) Option {
	return func(o *options) {
		o.clientOps = append(o.clientOps, opts...)
	}
}

// Open validates cfg and, for a local backend, starts llama-server and blocks
// until it is healthy. When Open fails nothing is left running.
func Open(ctx context.Context, cfg backend.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:     uuid.New().String(),
		cfg:    cfg,
		logger: o.logger,
	}
	s.logger = s.logger.With("session_id", s.id, "backend", string(cfg.Kind))

	if cfg.Kind == backend.KindLocal {
		supOpts := append([]supervisor.Option{supervisor.WithLogger(s.logger)}, o.supervisorOps...)
		s.sup = supervisor.New(cfg, supOpts...)

		s.logger.Info("starting llama-server", "address", cfg.Address(), "model", cfg.ModelPath)
		if _, err := s.sup.Start(ctx); err != nil {
			if stopErr := s.sup.Stop(); stopErr != nil {
				s.logger.Warn("stop after failed start", "error", stopErr)
			}
			return nil, err
		}
		s.logger.Info("llama-server ready", "attempts", s.sup.Attempts(), "pid", s.sup.PID())
	}

	clientOpts := append([]inference.Option{inference.WithLogger(s.logger)}, o.clientOps...)
	client, err := inference.New(cfg, clientOpts...)
	if err != nil {
		if s.sup != nil {
			_ = s.sup.Stop()
		}
		return nil, fmt.Errorf("create inference client: %w", err)
	}
	s.client = client
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Client returns the inference client bound to this session.
func (s *Session) Client() inference.Client {
	return s.client
}

// Close releases the client and stops the supervised process. Only the first
// call does any work; later calls return the same error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close client: %w", err))
			}
		}
		if s.sup != nil {
			if err := s.sup.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop llama-server: %w", err))
			}
			s.logger.Info("llama-server stopped")
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Run opens a session, calls fn with its client and closes the session on
// every exit path, including a panic in fn.
func Run(ctx context.Context, cfg backend.Config, fn func(ctx context.Context, client inference.Client) error, opts ...Option) (err error) {
	s, err := Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, s.Client())
}
