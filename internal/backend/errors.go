package backend

import (
	"fmt"
	"strings"
)

// ConfigError reports a Config whose fields do not match its Kind.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("backend config: %s: %s", e.Field, e.Reason)
}

// SpawnError means the local server could not be launched. It is fatal to the
// session.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ServerNotReadyError means the health checks were exhausted, cancelled, or the
// process exited before becoming healthy. It is fatal to the session.
type ServerNotReadyError struct {
	Address  string
	Attempts int
	Err      error
	// Stderr holds the tail of the server's standard error, if any.
	Stderr string
}

func (e *ServerNotReadyError) Error() string {
	msg := fmt.Sprintf("server %s not ready after %d attempt(s)", e.Address, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += " (stderr: " + tail + ")"
	}
	return msg
}

func (e *ServerNotReadyError) Unwrap() error { return e.Err }

// TransportError is a single request that failed on the network: timeout,
// connection reset, cancellation or an unreadable body. The session stays usable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-success HTTP status from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, body)
}
