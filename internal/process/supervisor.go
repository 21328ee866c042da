// Package process launches and supervises a single worker process whose
// standard streams carry a line-oriented protocol.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrStopped is returned by Start once the supervisor has been stopped.
var ErrStopped = errors.New("process: supervisor stopped")

// StartError reports that the worker executable could not be launched.
type StartError struct {
	Command []string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start worker %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Pipes are the parent-side ends of the worker's standard streams.
type Pipes struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDir sets the worker's working directory.
func WithDir(dir string) Option {
	return func(s *Supervisor) { s.dir = dir }
}

// Supervisor owns one worker process. Start is idempotent; Stop is idempotent
// and safe for concurrent callers, all of which return only once the process
// is gone.
type Supervisor struct {
	command []string
	env     map[string]string
	dir     string
	log     *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	pipes    *Pipes
	stdoutR  *os.File
	stderrR  *os.File
	stopping bool
	stopped  chan struct{}

	exited  chan struct{}
	exitErr error
}

// New constructs a Supervisor for the given argument vector. env is merged
// over the host's inherited environment at Start.
func New(command []string, env map[string]string, opts ...Option) *Supervisor {
	s := &Supervisor{
		command: append([]string(nil), command...),
		env:     copyEnv(env),
		log:     slog.Default(),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker. Calling Start again returns the existing pipes
// until Stop, after which it returns ErrStopped.
func (s *Supervisor) Start() (*Pipes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, ErrStopped
	}
	if s.pipes != nil {
		return s.pipes, nil
	}
	if len(s.command) == 0 || s.command[0] == "" {
		return nil, &StartError{Command: s.command, Err: errors.New("empty command")}
	}

	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Env = MergeEnv(os.Environ(), s.env)
	cmd.Dir = s.dir

	// os.Pipe pairs keep the read ends under our control: exec's own pipes
	// are closed by Wait, which would race the reader on process exit.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Command: s.command, Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, &StartError{Command: s.command, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, &StartError{Command: s.command, Err: err}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, &StartError{Command: s.command, Err: err}
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	s.cmd = cmd
	s.stdoutR = stdoutR
	s.stderrR = stderrR
	s.pipes = &Pipes{Stdin: stdinW, Stdout: stdoutR, Stderr: stderrR}

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(s.exited)
	}()

	s.log.Debug("process.start", slog.Int("pid", cmd.Process.Pid), slog.String("command", s.command[0]))
	return s.pipes, nil
}

// Stop terminates the worker: its stdin is closed, it receives SIGTERM, and
// if it has not exited after grace it is killed. Stop never fails. Every
// caller blocks until the process is confirmed gone; only the first caller
// does the work.
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.stopping = true
	cmd := s.cmd
	pipes := s.pipes
	s.mu.Unlock()
	defer close(s.stopped)

	if cmd == nil {
		return
	}

	_ = pipes.Stdin.Close()

	select {
	case <-s.exited:
	default:
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			// Platforms without SIGTERM go straight to kill.
			s.log.Debug("process.stop.signal_failed", slog.String("err", err.Error()))
			_ = cmd.Process.Kill()
		}
		timer := time.NewTimer(grace)
		select {
		case <-s.exited:
			timer.Stop()
		case <-timer.C:
			s.log.Warn("process.stop.kill", slog.Int("pid", cmd.Process.Pid), slog.Duration("grace", grace))
			_ = cmd.Process.Kill()
			<-s.exited
		}
	}

	// Unblock any reader still waiting on output held open by grandchildren.
	_ = s.stdoutR.Close()
	_ = s.stderrR.Close()

	s.log.Debug("process.stop", slog.Int("pid", cmd.Process.Pid))
}

// Done is closed once the process has exited (for any reason).
func (s *Supervisor) Done() <-chan struct{} { return s.exited }

// Running reports whether the process has been started and not yet exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// PID returns the worker's process id, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ExitErr returns the error reported by Wait once the process has exited.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// MergeEnv overlays overrides onto a KEY=VALUE environment list. Overridden
// keys replace inherited entries; the result is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func copyEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
