// Package worker runs one AI CLI child process and turns its stdout into a
// typed event stream. A worker owns exactly one child: it spawns the tool in
// its own process group, parses stream-json lines as they arrive, forwards
// text written by the user to the child's stdin, and reports the exit.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/worker/tool"
	"github.com/coderelay/coderelay/pkg/stream"
)

// State is the worker lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// stopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const stopGracePeriod = 5 * time.Second

// errorWrapper lets an error (possibly nil) live in an atomic.Value.
type errorWrapper struct {
	err error
}

// Config describes one worker run.
type Config struct {
	// WorkerID identifies this worker in logs and events.
	WorkerID string

	// SessionID is the hub session this worker serves.
	SessionID string

	// Tool is the CLI spec to launch.
	Tool *tool.Spec

	// WorkingDir is the materialized workspace the child runs in.
	WorkingDir string

	// Invocation carries model, prompt, resume token, and credentials.
	Invocation tool.Invocation

	// StderrLines bounds the retained stderr tail. Zero means the default.
	StderrLines int

	// OnEvent receives each parsed stream event, in stdout order, from a
	// single goroutine. It must not block for long.
	OnEvent func(*stream.Event)

	// OnExit is called once when the child exits, after the final stream
	// event has been delivered.
	OnExit func(exitCode int, err error)
}

// Status is a point-in-time snapshot of a worker.
type Status struct {
	State         State     `json:"state"`
	PID           int       `json:"pid,omitempty"`
	LastEventTime time.Time `json:"lastEventTime,omitempty"`
	ExitCode      int       `json:"exitCode"`
}

// Worker supervises one CLI child process.
type Worker struct {
	cfg    Config
	logger *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	state     atomic.Value // State
	exitCode  atomic.Int32
	exitErr   atomic.Value // errorWrapper
	lastEvent atomic.Int64 // unix nanos of the last parsed event

	stderr *stderrBuffer

	startMu sync.Mutex
	stopMu  sync.Mutex
	wg      sync.WaitGroup
}

// New creates a worker in the idle state.
func New(cfg Config, log *logger.Logger) *Worker {
	w := &Worker{
		cfg:    cfg,
		logger: log.WithWorkerID(cfg.WorkerID).WithFields(zap.String("tool", cfg.Tool.Name)),
		stderr: newStderrBuffer(cfg.StderrLines),
	}
	w.state.Store(StateIdle)
	w.exitCode.Store(-1)
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// ExitCode returns the child's exit code, or -1 before exit.
func (w *Worker) ExitCode() int {
	return int(w.exitCode.Load())
}

// ExitError returns the child's exit error, if any.
func (w *Worker) ExitError() error {
	if v := w.exitErr.Load(); v != nil {
		if wrap, ok := v.(errorWrapper); ok {
			return wrap.err
		}
	}
	return nil
}

// StderrTail returns the last n captured stderr lines.
func (w *Worker) StderrTail(n int) string {
	return w.stderr.Tail(n)
}

// Status returns a snapshot for status reporting.
func (w *Worker) Status() Status {
	st := Status{
		State:    w.State(),
		ExitCode: w.ExitCode(),
	}
	if ts := w.lastEvent.Load(); ts > 0 {
		st.LastEventTime = time.Unix(0, ts)
	}
	if w.cmd != nil && w.cmd.Process != nil {
		st.PID = w.cmd.Process.Pid
	}
	return st
}

// Start launches the child process. A worker starts at most once.
func (w *Worker) Start() error {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.State() != StateIdle {
		return fmt.Errorf("worker already started (state %s)", w.State())
	}
	w.state.Store(StateStarting)
	w.exitErr.Store(errorWrapper{err: nil})

	args := w.cfg.Tool.Args(w.cfg.Invocation)
	if len(args) == 0 {
		w.state.Store(StateError)
		return fmt.Errorf("tool %s has no command", w.cfg.Tool.Name)
	}

	// exec.Command rather than CommandContext: the caller's context ends
	// with the start request, not with the worker's life.
	w.cmd = exec.Command(args[0], args[1:]...)
	w.cmd.Dir = w.cfg.WorkingDir
	w.cmd.Env = append(os.Environ(), w.cfg.Tool.Env(w.cfg.Invocation)...)
	// Own process group so Stop can signal the whole tree (npx spawns
	// the real CLI as a grandchild).
	w.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		w.state.Store(StateError)
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		w.state.Store(StateError)
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		w.state.Store(StateError)
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	w.stdin = stdin

	if err := w.cmd.Start(); err != nil {
		w.state.Store(StateError)
		return fmt.Errorf("start tool process: %w", err)
	}

	w.logger.Info("worker process started",
		zap.Int("pid", w.cmd.Process.Pid),
		zap.String("workdir", w.cfg.WorkingDir))

	w.wg.Add(2)
	go w.readStdout(stdout)
	go w.readStderr(stderr)
	go w.waitForExit()

	w.state.Store(StateRunning)
	return nil
}

// Input writes one line of user input to the child's stdin.
func (w *Worker) Input(text string) error {
	if w.State() != StateRunning {
		return fmt.Errorf("worker is not running (state %s)", w.State())
	}
	if _, err := io.WriteString(w.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write to tool stdin: %w", err)
	}
	return nil
}

// Stop terminates the child: SIGTERM to the process group, a grace period,
// then SIGKILL. Safe to call more than once and after exit.
func (w *Worker) Stop() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()

	switch w.State() {
	case StateIdle, StateStopped, StateError:
		return nil
	case StateStopping:
		w.wg.Wait()
		return nil
	}

	w.state.Store(StateStopping)
	w.logger.Info("stopping worker process")

	if w.cmd == nil || w.cmd.Process == nil {
		// Stop raced a Start that has not spawned the child yet.
		w.state.Store(StateStopped)
		return nil
	}
	pid := w.cmd.Process.Pid
	// Negative pid targets the process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		w.logger.Warn("signal process group failed", zap.Error(err))
	}
	_ = w.stdin.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker process stopped gracefully")
	case <-time.After(stopGracePeriod):
		w.logger.Warn("grace period elapsed, force killing worker process")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// readStdout parses the child's stream-json output and delivers each event
// to OnEvent in order.
func (w *Worker) readStdout(r io.Reader) {
	defer w.wg.Done()

	parser := stream.NewParser(r)
	for {
		event, err := parser.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			w.logger.Debug("stdout reader error", zap.Error(err))
			return
		}
		w.lastEvent.Store(time.Now().UnixNano())
		if w.cfg.OnEvent != nil {
			w.cfg.OnEvent(event)
		}
	}
}

func (w *Worker) readStderr(r io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.stderr.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		w.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// waitForExit reaps the child and reports the outcome. It runs after both
// pipe readers finish so OnExit always follows the last event.
func (w *Worker) waitForExit() {
	w.wg.Wait()

	err := w.cmd.Wait()
	stopping := w.State() == StateStopping

	code := 0
	if err != nil {
		w.exitErr.Store(errorWrapper{err: err})
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		w.exitCode.Store(int32(code))
		if stopping {
			// Killed by our own signal; not a failure.
			w.state.Store(StateStopped)
			w.logger.Info("worker process terminated", zap.Int("exit_code", code))
		} else {
			w.state.Store(StateError)
			w.logger.Warn("worker process exited with error",
				zap.Int("exit_code", code),
				zap.Error(err),
				zap.String("stderr_tail", w.stderr.Tail(20)))
		}
	} else {
		w.exitCode.Store(0)
		w.state.Store(StateStopped)
		w.logger.Info("worker process exited")
	}

	if w.cfg.OnExit != nil {
		w.cfg.OnExit(code, err)
	}
}
