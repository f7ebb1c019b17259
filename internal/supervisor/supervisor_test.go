package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/valpere/pitchrefine/internal/backend"
	"github.com/valpere/pitchrefine/internal/testsupport"
)

func TestHelperProcess(t *testing.T) {
	testsupport.ServeIfHelper()
}

// healthServer answers 503 for the first failures probes and 200 afterwards.
func healthServer(t *testing.T, failures int32) (backend.Config, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != HealthPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if hits.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	cfg, err := backend.NewLocalConfig("llama-server", "model.gguf", u.Hostname(), port)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg, &hits
}

func TestNewBackOff_Schedule(t *testing.T) {
	b := newBackOff(context.Background(), time.Second, DefaultMaxAttempts)
	b.Reset()

	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
		if len(delays) > DefaultMaxAttempts {
			t.Fatal("schedule did not stop")
		}
	}

	if len(delays) != DefaultMaxAttempts-1 {
		t.Fatalf("expected %d delays, got %d", DefaultMaxAttempts-1, len(delays))
	}
	want := time.Second
	for i, d := range delays {
		if d != want {
			t.Errorf("delay %d: expected %v, got %v", i, want, d)
		}
		want *= 2
	}
}

func TestNewBackOff_BoundedAndNonDecreasing(t *testing.T) {
	for _, base := range []time.Duration{time.Millisecond, 250 * time.Millisecond, time.Second} {
		for maxAttempts := 1; maxAttempts <= 12; maxAttempts++ {
			b := newBackOff(context.Background(), base, maxAttempts)
			b.Reset()

			attempts := 1 // the first probe runs before any delay
			var prev time.Duration
			for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
				if d < prev {
					t.Fatalf("base=%v max=%d: delay %v shorter than previous %v", base, maxAttempts, d, prev)
				}
				prev = d
				attempts++
			}
			if attempts != maxAttempts {
				t.Errorf("base=%v: expected %d attempts, got %d", base, maxAttempts, attempts)
			}
		}
	}
}

func TestWaitReady_ThirdProbeSucceeds(t *testing.T) {
	cfg, hits := healthServer(t, 2)
	s := New(cfg, WithBaseDelay(time.Millisecond))

	if err := s.waitReady(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 probes, got %d", got)
	}
	if got := s.Attempts(); got != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", got)
	}
}

func TestWaitReady_Exhausted(t *testing.T) {
	cfg, hits := healthServer(t, 1000)
	s := New(cfg, WithBaseDelay(time.Millisecond), WithMaxAttempts(4))

	err := s.waitReady(context.Background(), nil)

	var notReady *backend.ServerNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected ServerNotReadyError, got %v", err)
	}
	if notReady.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", notReady.Attempts)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("expected exactly 4 probes, got %d", got)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected last probe status in error, got %q", err.Error())
	}
}

func TestWaitReady_ConnectionRefusedIsSwallowed(t *testing.T) {
	cfg, err := backend.NewLocalConfig("llama-server", "model.gguf", "127.0.0.1", testsupport.FreePort(t))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	s := New(cfg, WithBaseDelay(time.Millisecond), WithMaxAttempts(3))

	err = s.waitReady(context.Background(), nil)
	var notReady *backend.ServerNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected ServerNotReadyError, got %v", err)
	}
	if notReady.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", notReady.Attempts)
	}
}

func TestWaitReady_Cancelled(t *testing.T) {
	cfg, hits := healthServer(t, 1000)
	s := New(cfg, WithBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- s.waitReady(ctx, nil) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		var notReady *backend.ServerNotReadyError
		if !errors.As(err, &notReady) {
			t.Fatalf("expected ServerNotReadyError, got %T", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waitReady did not honor cancellation")
	}
}

func TestStop_NeverStarted(t *testing.T) {
	cfg, _ := healthServer(t, 0)
	s := New(cfg)
	var signals int
	s.terminate = func(int) error { signals++; return nil }
	s.kill = func(int) error { signals++; return nil }

	if err := s.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("unexpected error on second stop: %v", err)
	}
	if signals != 0 {
		t.Errorf("expected no signals, got %d", signals)
	}
	if s.State() != StateNotStarted {
		t.Errorf("expected state %s, got %s", StateNotStarted, s.State())
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	cfg, err := backend.NewLocalConfig("/nonexistent/llama-server", "model.gguf", "127.0.0.1", testsupport.FreePort(t))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	s := New(cfg, WithLockDir(t.TempDir()))

	state, err := s.Start(context.Background())
	var spawnErr *backend.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if state != StateFailed {
		t.Errorf("expected state %s, got %s", StateFailed, state)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("expected state %s, got %s", StateStopped, s.State())
	}
}

func TestStart_PortLocked(t *testing.T) {
	lockDir := t.TempDir()
	cfg := testsupport.LocalConfig(t)

	held, err := acquirePortLock(lockDir, cfg.Host, cfg.Port)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer held.release()

	s := New(cfg, WithLockDir(lockDir), WithEnv(testsupport.Env(testsupport.ModeServe)...))
	_, err = s.Start(context.Background())
	var spawnErr *backend.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if !strings.Contains(err.Error(), "in use") {
		t.Errorf("expected lock message, got %q", err.Error())
	}
	if s.PID() != 0 {
		t.Errorf("expected no process, got pid %d", s.PID())
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	cfg := testsupport.LocalConfig(t)
	s := New(cfg,
		WithLockDir(t.TempDir()),
		WithBaseDelay(20*time.Millisecond),
		WithEnv(testsupport.Env(testsupport.ModeServe, testsupport.UnhealthyEnv+"=2")...),
	)

	var terminations int
	s.terminate = func(pid int) error {
		terminations++
		return signalGroup(pid, syscall.SIGTERM)
	}

	state, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v (stderr: %s)", err, s.Stderr())
	}
	if state != StateReady {
		t.Fatalf("expected %s, got %s", StateReady, state)
	}
	if s.Attempts() < 3 {
		t.Errorf("expected at least 3 probes for two unhealthy answers, got %d", s.Attempts())
	}
	pid := s.PID()
	if !testsupport.ProcessAlive(pid) {
		t.Fatalf("expected server process %d to be running", pid)
	}

	if _, err := s.Start(context.Background()); err == nil {
		t.Error("expected error when starting twice")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("expected %s, got %s", StateStopped, s.State())
	}
	if terminations != 1 {
		t.Errorf("expected exactly one terminate signal, got %d", terminations)
	}
	if !strings.Contains(s.Stdout(), "fake llama-server starting") {
		t.Errorf("expected captured stdout, got %q", s.Stdout())
	}
}

func TestStop_KillsAfterGracePeriod(t *testing.T) {
	cfg := testsupport.LocalConfig(t)
	s := New(cfg,
		WithLockDir(t.TempDir()),
		WithBaseDelay(20*time.Millisecond),
		WithGracePeriod(200*time.Millisecond),
		WithEnv(testsupport.Env(testsupport.ModeStubborn)...),
	)

	var kills int
	s.kill = func(pid int) error {
		kills++
		return signalGroup(pid, syscall.SIGKILL)
	}

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("expected stop to wait for the grace period, took %v", elapsed)
	}
	if kills != 1 {
		t.Errorf("expected one kill, got %d", kills)
	}
	if s.State() != StateStopped {
		t.Errorf("expected %s, got %s", StateStopped, s.State())
	}
}

func TestStart_ProcessExitsEarly(t *testing.T) {
	cfg := testsupport.LocalConfig(t)
	s := New(cfg,
		WithLockDir(t.TempDir()),
		WithBaseDelay(time.Hour),
		WithEnv(testsupport.Env(testsupport.ModeCrash)...),
	)

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background())
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("start did not notice the server exiting")
	}

	var notReady *backend.ServerNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected ServerNotReadyError, got %v", err)
	}
	if !strings.Contains(notReady.Stderr, "failed to load model") {
		t.Errorf("expected stderr tail, got %q", notReady.Stderr)
	}
	if s.State() != StateFailed {
		t.Errorf("expected %s, got %s", StateFailed, s.State())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("expected %s, got %s", StateStopped, s.State())
	}
}

func TestTailBuffer_KeepsLastLines(t *testing.T) {
	b := newTailBuffer(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		b.add(line)
	}
	if got := b.String(); got != "c\nd\ne" {
		t.Errorf("expected last three lines, got %q", got)
	}
}

func TestArgs(t *testing.T) {
	cfg, err := backend.NewLocalConfig("llama-server", "/models/m.gguf", "0.0.0.0", 9090)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.ExtraArgs = []string{"--ctx-size", "4096"}

	got := strings.Join(New(cfg).args(), " ")
	want := "--ctx-size 4096 -m /models/m.gguf --host 0.0.0.0 --port 9090"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}
