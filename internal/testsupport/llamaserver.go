// Package testsupport provides a fake llama-server for tests. The running test
// binary re-executes itself as the server process (see ServeIfHelper), so the
// supervisor exercises a real child process without llama.cpp installed.
package testsupport

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/valpere/pitchrefine/internal/backend"
)

const (
	HelperEnv    = "GO_WANT_HELPER_PROCESS"
	ModeEnv      = "LLAMA_HELPER_MODE"
	ContentEnv   = "LLAMA_HELPER_CONTENT"
	StatusEnv    = "LLAMA_HELPER_STATUS"
	UnhealthyEnv = "LLAMA_HELPER_UNHEALTHY_PROBES"
)

// Helper modes.
const (
	ModeServe    = "serve"
	ModeCrash    = "crash"    // exits at once with an error on stderr
	ModeStubborn = "stubborn" // ignores SIGTERM
)

// LocalConfig returns a local backend config whose executable is the current
// test binary, re-executed as TestHelperProcess on a free port.
func LocalConfig(t testing.TB) backend.Config {
	t.Helper()
	cfg, err := backend.NewLocalConfig(os.Args[0], "fake-model.gguf", "127.0.0.1", FreePort(t))
	if err != nil {
		t.Fatalf("local config: %v", err)
	}
	cfg.ExtraArgs = []string{"-test.run=^TestHelperProcess$", "--"}
	return cfg
}

// Env builds the environment for a helper server in the given mode. extra are
// additional KEY=VALUE pairs.
func Env(mode string, extra ...string) []string {
	return append([]string{HelperEnv + "=1", ModeEnv + "=" + mode}, extra...)
}

// FreePort returns a TCP port on 127.0.0.1 that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return port
}

// ProcessAlive reports whether pid still exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// ServeIfHelper turns the test binary into the fake server when it was started
// by the supervisor. It does not return in that case.
func ServeIfHelper() {
	if os.Getenv(HelperEnv) != "1" {
		return
	}
	os.Exit(serve(os.Args))
}

func serve(args []string) int {
	host, port := "127.0.0.1", ""
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--host":
			host = args[i+1]
		case "--port":
			port = args[i+1]
		}
	}

	fmt.Println("fake llama-server starting")

	switch os.Getenv(ModeEnv) {
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "error: failed to load model")
		return 1
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
	}

	unhealthy, _ := strconv.Atoi(os.Getenv(UnhealthyEnv))
	var probes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if int(probes.Add(1)) <= unhealthy {
			http.Error(w, `{"error":"loading model"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		if status, err := strconv.Atoi(os.Getenv(StatusEnv)); err == nil && status != http.StatusOK {
			http.Error(w, "internal error", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"content": os.Getenv(ContentEnv)})
	})

	if err := http.ListenAndServe(net.JoinHostPort(host, port), mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
