// Package supervisor owns a locally spawned llama.cpp server from launch to
// guaranteed termination: spawn, readiness polling with exponential backoff,
// graceful stop with a forced kill after a grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/valpere/pitchrefine/internal/backend"
	"github.com/valpere/pitchrefine/internal/logging"
)

// HealthPath is probed on the local server until it answers 200.
const HealthPath = "/health"

const (
	DefaultMaxAttempts  = 10
	DefaultBaseDelay    = time.Second
	DefaultGracePeriod  = 5 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// State is the lifecycle state of a supervised server.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Supervisor manages at most one server process at a time.
type Supervisor struct {
	cfg          backend.Config
	logger       *slog.Logger
	httpClient   *http.Client
	maxAttempts  int
	baseDelay    time.Duration
	gracePeriod  time.Duration
	probeTimeout time.Duration
	lockDir      string
	env          []string

	terminate func(pid int) error
	kill      func(pid int) error

	mu       sync.Mutex
	state    State
	attempts int
	proc     *process
	lastPID  int
	lock     *portLock
	stdout   string
	stderr   string
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithMaxAttempts caps the number of health probes (defaults to 10).
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the first backoff delay; later delays double (defaults to 1s).
func WithBaseDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

// WithGracePeriod sets how long Stop waits after SIGTERM before killing (defaults to 5s).
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithProbeTimeout bounds a single health probe (defaults to 2s).
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithHTTPClient overrides the client used for health probes.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Supervisor) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithLogger sets the logger for lifecycle events and server output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logging.OrDiscard(logger)
	}
}

// WithLockDir sets where per-port lock files live (defaults to os.TempDir()).
func WithLockDir(dir string) Option {
	return func(s *Supervisor) {
		s.lockDir = dir
	}
}

// WithEnv appends KEY=VALUE pairs to the server's inherited environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

// New creates a supervisor for a local backend. Nothing is spawned until Start.
func New(cfg backend.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		logger:       logging.Discard(),
		httpClient:   &http.Client{},
		maxAttempts:  DefaultMaxAttempts,
		baseDelay:    DefaultBaseDelay,
		gracePeriod:  DefaultGracePeriod,
		probeTimeout: DefaultProbeTimeout,
		state:        StateNotStarted,
		terminate:    func(pid int) error { return signalGroup(pid, syscall.SIGTERM) },
		kill:         func(pid int) error { return signalGroup(pid, syscall.SIGKILL) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns how many health probes the last Start issued.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// PID returns the process ID of the current or most recent server, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPID
}

// Stderr returns the tail of the server's standard error.
func (s *Supervisor) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return s.proc.stderr.String()
	}
	return s.stderr
}

// Stdout returns the tail of the server's standard output.
func (s *Supervisor) Stdout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return s.proc.stdout.String()
	}
	return s.stdout
}

func (s *Supervisor) args() []string {
	args := make([]string, 0, len(s.cfg.ExtraArgs)+6)
	args = append(args, s.cfg.ExtraArgs...)
	return append(args,
		"-m", s.cfg.ModelPath,
		"--host", s.cfg.Host,
		"--port", strconv.Itoa(s.cfg.Port),
	)
}

// Start spawns the server and blocks until it is Ready, readiness fails, or
// ctx is done. On failure the process may still be running; callers must
// call Stop.
func (s *Supervisor) Start(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.state != StateNotStarted {
		state := s.state
		s.mu.Unlock()
		return state, fmt.Errorf("supervisor: start called in state %s", state)
	}

	lock, err := acquirePortLock(s.lockDir, s.cfg.Host, s.cfg.Port)
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return StateFailed, &backend.SpawnError{Executable: s.cfg.ExecutablePath, Err: err}
	}
	s.lock = lock

	cmd := newCommand(s.cfg.ExecutablePath, s.args()...)
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	proc, err := startProcess(cmd, s.logger.With("component", "llama-server"))
	if err != nil {
		s.state = StateFailed
		s.releaseLock()
		s.mu.Unlock()
		return StateFailed, &backend.SpawnError{Executable: s.cfg.ExecutablePath, Err: err}
	}
	s.proc = proc
	s.lastPID = proc.pid()
	s.attempts = 0
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.Info("server spawned",
		"executable", s.cfg.ExecutablePath,
		"model", s.cfg.ModelPath,
		"address", s.cfg.Address(),
		"pid", proc.pid(),
	)

	readyErr := s.waitReady(ctx, proc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		// Stop ran while we were polling.
		if readyErr == nil {
			readyErr = fmt.Errorf("supervisor: stopped during startup")
		}
		return s.state, readyErr
	}
	if readyErr != nil {
		s.state = StateFailed
		return s.state, readyErr
	}
	s.state = StateReady
	s.logger.Info("server ready", "address", s.cfg.Address(), "attempts", s.attempts)
	return s.state, nil
}

// waitReady probes the health endpoint on the backoff schedule. Probe failures
// are logged and swallowed; only exhaustion, cancellation or an early exit of
// proc end the loop with a ServerNotReadyError. proc may be nil.
func (s *Supervisor) waitReady(ctx context.Context, proc *process) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exited <-chan struct{}
	if proc != nil {
		exited = proc.done
		go func() {
			select {
			case <-proc.done:
				cancel()
			case <-pollCtx.Done():
			}
		}()
	}

	attempts := 0
	var lastErr error
	operation := func() error {
		select {
		case <-exited:
			return backoff.Permanent(fmt.Errorf("server exited before becoming healthy: %v", proc.err))
		default:
		}
		if pollCtx.Err() != nil {
			return backoff.Permanent(pollCtx.Err())
		}

		attempts++
		s.mu.Lock()
		s.attempts = attempts
		s.mu.Unlock()

		err := s.probe(pollCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		return err
	}

	notify := func(err error, next time.Duration) {
		s.logger.Info("health probe failed",
			"attempt", attempts,
			"max_attempts", s.maxAttempts,
			"retry_in", next,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, newBackOff(pollCtx, s.baseDelay, s.maxAttempts), notify)
	if err == nil {
		return nil
	}

	notReady := &backend.ServerNotReadyError{
		Address:  s.cfg.Address(),
		Attempts: attempts,
		Err:      err,
	}
	if proc != nil {
		if proc.exited() {
			notReady.Err = fmt.Errorf("server exited before becoming healthy: %v", proc.err)
		}
		notReady.Stderr = proc.stderr.String()
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(notReady.Err, ctxErr) {
		notReady.Err = fmt.Errorf("%w (last probe: %v)", ctxErr, lastErr)
	}
	s.logger.Warn("server not ready", "address", s.cfg.Address(), "attempts", attempts, "error", notReady.Err)
	return notReady
}

// newBackOff returns a schedule of maxAttempts-1 delays that double from base
// without jitter. The first probe runs immediately.
func newBackOff(ctx context.Context, base time.Duration, maxAttempts int) backoff.BackOffContext {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)
}

func (s *Supervisor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL()+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

// Stop terminates the server: SIGTERM to its process group, then SIGKILL if it
// has not exited within the grace period. It is a no-op on a supervisor that
// was never started or is already stopped, and always leaves a started
// supervisor in StateStopped.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNotStarted || s.state == StateStopped {
		return nil
	}

	proc := s.proc
	s.proc = nil
	defer func() {
		s.state = StateStopped
		s.releaseLock()
	}()

	if proc == nil {
		return nil
	}
	defer func() {
		s.stdout = proc.stdout.String()
		s.stderr = proc.stderr.String()
	}()

	if proc.exited() {
		s.logger.Info("server already exited", "pid", proc.pid(), "status", proc.err)
		return nil
	}

	s.logger.Info("stopping server", "pid", proc.pid())
	if err := s.terminate(proc.pid()); err != nil {
		s.logger.Warn("terminate failed", "pid", proc.pid(), "error", err)
	}

	select {
	case <-proc.done:
		s.logger.Info("server stopped", "pid", proc.pid())
		return nil
	case <-time.After(s.gracePeriod):
	}

	s.logger.Warn("server did not exit within grace period; killing", "pid", proc.pid(), "grace", s.gracePeriod)
	if err := s.kill(proc.pid()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}

	select {
	case <-proc.done:
		s.logger.Info("server killed", "pid", proc.pid())
		return nil
	case <-time.After(s.gracePeriod):
		return fmt.Errorf("server %d did not exit after kill", proc.pid())
	}
}

// releaseLock must be called with s.mu held.
func (s *Supervisor) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.release(); err != nil {
		s.logger.Warn("failed to release port lock", "error", err)
	}
	s.lock = nil
}
