// Package supervisor is the sole authority for creating child processes. It
// owns every pipe and process handle it hands out until the caller (or the
// memory manager's sweep) explicitly releases it, closing the documented
// leak where child exit does not close the parent-side pipe file
// descriptors.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
)

// PipePolicy selects which standard streams the caller wants captured.
type PipePolicy struct {
	Stdout bool
	Stderr bool
	Stdin  bool
}

// Handle is the supervisor's live record of one spawned child, wrapping
// model.SubprocessHandle with the *exec.Cmd and bookkeeping needed to
// enforce the lifecycle invariant.
type Handle struct {
	cmd       *exec.Cmd
	argv      []string
	startTime time.Time
	exited    chan struct{}
	exitErr   error

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu    sync.Mutex
	state model.CleanupState
}

// Stdout exposes the child's stdout pipe directly for callers that must
// stream-consume output under a bounded-memory contract (e.g. the system
// profiler's `perf script` parser) instead of going through Await's
// buffering drain. Only valid when Spawn was called with PipePolicy.Stdout.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() model.CleanupState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Supervisor owns the process-wide live-set of spawned children.
type Supervisor struct {
	mu       sync.Mutex
	liveSet  map[*Handle]struct{}
	log      *logger.Logger
	graceDur time.Duration
}

// New creates a Supervisor. grace is the wait period between a graceful
// termination signal and the forceful kill.
func New(grace time.Duration, log *logger.Logger) *Supervisor {
	return &Supervisor{
		liveSet:  make(map[*Handle]struct{}),
		log:      log,
		graceDur: grace,
	}
}

// Spawn starts argv as a child process, registers it in the live-set, and
// returns its Handle. It never blocks on the child's completion.
func (s *Supervisor) Spawn(ctx context.Context, argv []string, policy PipePolicy) (*Handle, error) {
	if len(argv) == 0 {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "empty argv", nil)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// New process group so a forceful kill can be sent to the whole group
	// without taking down the orchestrator itself, and so the child does
	// not receive signals intended for the parent's group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &Handle{
		cmd:    cmd,
		argv:   argv,
		exited: make(chan struct{}),
		state:  model.Running,
	}

	if policy.Stdin {
		p, err := cmd.StdinPipe()
		if err != nil {
			return nil, model.NewDriverError(model.ErrSpawnFailed, "stdin pipe", err)
		}
		h.stdin = p
	}
	if policy.Stdout {
		p, err := cmd.StdoutPipe()
		if err != nil {
			return nil, model.NewDriverError(model.ErrSpawnFailed, "stdout pipe", err)
		}
		h.stdout = p
	}
	if policy.Stderr {
		p, err := cmd.StderrPipe()
		if err != nil {
			return nil, model.NewDriverError(model.ErrSpawnFailed, "stderr pipe", err)
		}
		h.stderr = p
	}

	if err := cmd.Start(); err != nil {
		return nil, model.NewDriverError(model.ErrSpawnFailed, "exec failed: "+fmt.Sprint(argv), err)
	}
	h.startTime = time.Now()

	s.mu.Lock()
	s.liveSet[h] = struct{}{}
	s.mu.Unlock()

	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
	}()

	s.log.Debug("spawned child", zap.Strings("argv", argv), zap.Int("pid", h.PID()))
	return h, nil
}

// Await blocks until h's child exits or timeout elapses. On timeout it
// sends a graceful signal, waits up to the supervisor's grace period, then
// sends a forceful signal. On every return path every pipe owned by h is
// closed and h transitions to Reaped.
func (s *Supervisor) Await(ctx context.Context, h *Handle, timeout time.Duration) (exitCode int, stdout, stderr string, err error) {
	defer s.closePipes(h)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outBuf, errBuf []byte
	done := make(chan struct{})
	go func() {
		outBuf = drainReader(h.stdout)
		close(done)
	}()
	errDone := make(chan struct{})
	go func() {
		errBuf = drainReader(h.stderr)
		close(errDone)
	}()

	select {
	case <-h.exited:
		<-done
		<-errDone
		return s.finish(h, outBuf, errBuf)
	case <-ctx.Done():
		s.terminateGraceThenForce(h)
		<-h.exited
		<-done
		<-errDone
		ec, sOut, sErr, _ := s.finish(h, outBuf, errBuf)
		return ec, sOut, sErr, model.NewDriverError(model.ErrCancelled, "await cancelled", ctx.Err())
	case <-timer.C:
		s.terminateGraceThenForce(h)
		<-h.exited
		<-done
		<-errDone
		ec, sOut, sErr, _ := s.finish(h, outBuf, errBuf)
		return ec, sOut, sErr, model.NewDriverError(model.ErrChildTimeout, "child did not exit within timeout", nil)
	}
}

func (s *Supervisor) finish(h *Handle, outBuf, errBuf []byte) (int, string, string, error) {
	h.mu.Lock()
	h.state = model.Reaped
	h.mu.Unlock()

	exitCode := 0
	var err error
	if h.exitErr != nil {
		err = h.exitErr
		if exitErr, ok := h.exitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = model.NewDriverError(model.ErrChildCrashed, "non-zero exit", h.exitErr)
		}
	}
	return exitCode, string(outBuf), string(errBuf), err
}

func (s *Supervisor) terminateGraceThenForce(h *Handle) {
	pid := h.PID()
	if pid == 0 {
		return
	}
	// Signal the whole process group so children of children die too.
	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case <-h.exited:
		return
	case <-time.After(s.graceDur):
	}

	_ = unix.Kill(-pid, unix.SIGKILL)
}

// closePipes closes every pipe h owns. It tolerates being called more than
// once (e.g. once from Await, again from ReapAllCompleted) since Close on an
// already-closed *os.File returns a benign error that is safely ignored.
func (s *Supervisor) closePipes(h *Handle) {
	if h.stdin != nil {
		_ = h.stdin.Close()
	}
	if h.stdout != nil {
		_ = h.stdout.Close()
	}
	if h.stderr != nil {
		_ = h.stderr.Close()
	}
}

// drainReader reads a pipe to completion, tolerating a nil reader.
func drainReader(r io.Reader) []byte {
	if r == nil {
		return nil
	}
	out, _ := io.ReadAll(r)
	return out
}

// ReapStats summarizes one ReapAllCompleted pass for the memory manager's
// observability event.
type ReapStats struct {
	Scanned int
	Reaped  int
}

// ReapAllCompleted scans the live-set for children whose exit status is
// already available, closes every pipe unconditionally (even if the caller
// already reaped via Await — handled without raising), and removes the
// handle from the live-set.
func (s *Supervisor) ReapAllCompleted() ReapStats {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.liveSet))
	for h := range s.liveSet {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	stats := ReapStats{Scanned: len(handles)}
	for _, h := range handles {
		select {
		case <-h.exited:
		default:
			continue // still running
		}

		h.mu.Lock()
		alreadyDropped := h.state == model.Dropped
		h.state = model.Dropped
		h.mu.Unlock()

		if !alreadyDropped {
			s.closePipes(h) // idempotent: closing an already-closed pipe is tolerated
		}

		s.mu.Lock()
		delete(s.liveSet, h)
		s.mu.Unlock()
		stats.Reaped++
	}
	return stats
}

// Wait blocks until h's child exits, reaping it without draining its pipes
// itself — for callers that stream-consume stdout directly via Stdout()
// under a bounded-memory contract. ctx cancellation
// triggers a graceful-then-forceful termination just like Await.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) error {
	select {
	case <-h.exited:
	case <-ctx.Done():
		s.terminateGraceThenForce(h)
		<-h.exited
	}
	s.closePipes(h)
	h.mu.Lock()
	h.state = model.Reaped
	h.mu.Unlock()

	if h.exitErr == nil {
		return nil
	}
	if _, ok := h.exitErr.(*exec.ExitError); ok {
		return model.NewDriverError(model.ErrChildCrashed, "non-zero exit", h.exitErr)
	}
	return h.exitErr
}

// Probe waits up to window for h's child to exit on its own, without ever
// sending it a termination signal. It distinguishes a child that fails
// fast (bad arguments, unsupported configuration) from one that has
// started cleanly and is still running, which Probe leaves untouched so
// the caller can keep using it. A still-running child reports
// exited=false with a nil error; the caller is responsible for it exactly
// as if it had called Spawn and nothing else.
func (s *Supervisor) Probe(h *Handle, window time.Duration) (exited bool, err error) {
	select {
	case <-h.exited:
	case <-time.After(window):
		return false, nil
	}

	s.closePipes(h)
	h.mu.Lock()
	h.state = model.Reaped
	h.mu.Unlock()

	if h.exitErr == nil {
		return true, nil
	}
	if _, ok := h.exitErr.(*exec.ExitError); ok {
		return true, model.NewDriverError(model.ErrChildCrashed, "non-zero exit", h.exitErr)
	}
	return true, h.exitErr
}

// Stop gracefully terminates a long-lived child that was never handed to
// Await (e.g. the system profiler's standing `perf record` session), then
// reaps it. Safe to call on a child that has already exited on its own.
func (s *Supervisor) Stop(h *Handle) {
	select {
	case <-h.exited:
	default:
		s.terminateGraceThenForce(h)
		<-h.exited
	}
	s.closePipes(h)
	h.mu.Lock()
	h.state = model.Reaped
	h.mu.Unlock()
}

// LiveCount returns the number of handles currently tracked (running or
// exited-but-not-yet-reaped), used by FD-conservation tests.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveSet)
}
