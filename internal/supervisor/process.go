package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const tailLines = 40

// process is a spawned server plus its captured output. It is owned by exactly
// one Supervisor.
type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error // exit status, valid once done is closed
	stdout *tailBuffer
	stderr *tailBuffer
}

// newCommand creates an exec.Cmd in its own process group so the whole server
// tree can be signalled at once. The command is deliberately not bound to a
// context: its lifetime ends in Stop, not when a readiness context expires.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// startProcess launches cmd and drains stdout and stderr concurrently. The
// pipes must be fully read before cmd.Wait, otherwise a chatty server blocks
// on a full pipe buffer.
func startProcess(cmd *exec.Cmd, logger *slog.Logger) (*process, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: newTailBuffer(tailLines),
		stderr: newTailBuffer(tailLines),
	}

	var g errgroup.Group
	g.Go(func() error { return drain(stdoutPipe, p.stdout, logger, "stdout") })
	g.Go(func() error { return drain(stderrPipe, p.stderr, logger, "stderr") })

	go func() {
		if err := g.Wait(); err != nil {
			logger.Debug("server output drain ended with error", "error", err)
		}
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *process) pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// drain copies r line by line into buf. If a line overflows the scanner the
// rest of the stream is discarded so the child never blocks on a full pipe.
func drain(r io.Reader, buf *tailBuffer, logger *slog.Logger, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.add(line)
		logger.Debug("server output", "stream", stream, "line", line)
	}
	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// signalGroup delivers sig to every process in pid's group. A group that has
// already gone away is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0:0], b.lines[over:]...)
	}
}

func (b *tailBuffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
