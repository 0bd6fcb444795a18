// Package supervise spawns worker processes and captures their output as
// line-buffered text.
//
// A Handle never blocks its creator: both output streams are pumped by
// background readers and completion is observed through Wait. Workers run in
// their own process group so cancellation can take down descendants too.
package supervise

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// LineFunc receives one complete output line, stripped of its newline.
// A panicking LineFunc is recovered and ignored: a line-handling fault must
// never abort log capture.
type LineFunc func(line string)

// Handle is one supervised worker process.
type Handle struct {
	cmd  *exec.Cmd
	buf  *lineBuffer
	done chan struct{}

	// exitCode is written exactly once before done closes.
	exitCode int
}

// Start launches command with args, working directory dir, and begins
// streaming stdout and stderr through onLine. bufCap bounds the in-memory
// log buffer (lines); zero means a default of 10000.
func Start(dir, command string, args []string, bufCap int, onLine LineFunc) (*Handle, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if bufCap <= 0 {
		bufCap = 10000
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	// Own process group: Terminate/Kill signal the whole tree at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &Handle{
		cmd:  cmd,
		buf:  newLineBuffer(bufCap),
		done: make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error { h.pump(stdout, onLine); return nil })
	g.Go(func() error { h.pump(stderr, onLine); return nil })

	go func() {
		_ = g.Wait()
		err := cmd.Wait()
		h.exitCode = exitCode(err)
		close(h.done)
	}()

	return h, nil
}

func (h *Handle) pump(r io.Reader, onLine LineFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		h.buf.append(line)
		if onLine != nil {
			invokeSafely(onLine, line)
		}
	}
}

func invokeSafely(fn LineFunc, line string) {
	defer func() { _ = recover() }()
	fn(line)
}

// Wait blocks until the worker exits and returns its exit code. Returns -1
// when the process ended without a usable exit status.
func (h *Handle) Wait() int {
	<-h.done
	return h.exitCode
}

// Done is closed when the worker has exited and both streams are drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// PID returns the worker's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Running reports whether the worker has not yet exited.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Logs returns the last n buffered lines, or all of them when n <= 0.
func (h *Handle) Logs(n int) []string {
	return h.buf.tail(n)
}

// Terminate sends SIGTERM to the worker's process group so descendants
// are signalled too.
func (h *Handle) Terminate() error {
	return h.signalGroup(syscall.SIGTERM)
}

// Kill sends SIGKILL to the worker's process group.
func (h *Handle) Kill() error {
	return h.signalGroup(syscall.SIGKILL)
}

func (h *Handle) signalGroup(sig syscall.Signal) error {
	pid := h.PID()
	if pid <= 0 {
		return fmt.Errorf("worker has no pid")
	}
	if !h.Running() {
		return nil
	}
	// Negative pid targets the process group created at Start.
	if err := syscall.Kill(-pid, sig); err != nil {
		// Group may be gone already; fall back to the process itself.
		if err := h.cmd.Process.Signal(sig); err != nil {
			return fmt.Errorf("signal worker: %w", err)
		}
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// lineBuffer is a bounded FIFO of output lines. When full, the oldest lines
// are dropped.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newLineBuffer(capacity int) *lineBuffer {
	return &lineBuffer{cap: capacity}
}

func (b *lineBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.cap {
		b.lines = b.lines[len(b.lines)-b.cap:]
	}
}

func (b *lineBuffer) tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}
