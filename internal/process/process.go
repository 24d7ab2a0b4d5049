package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dshills/cargoproc/internal/logging"
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the handle exists but the process has not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited on its own.
	StateExited
	// StateKilled indicates the process was terminated by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ExitReason describes how a process terminated.
type ExitReason struct {
	// Code is the exit code, or -1 when the process was signalled or
	// could not be waited on.
	Code int
	// Signaled is true when the process was terminated by a signal.
	Signaled bool
	// Signal is the terminating signal when Signaled is true.
	Signal syscall.Signal
	// Superseded is true when the handle had been cleaned up before exit.
	Superseded bool
	// Err is set when waiting failed for a reason other than the exit status.
	Err error
}

// Success reports a normal exit with code 0.
func (r ExitReason) Success() bool {
	return !r.Signaled && r.Err == nil && r.Code == 0
}

// Label returns the status text shown for a finished run.
func (r ExitReason) Label() string {
	switch {
	case r.Signaled:
		return fmt.Sprintf("killed by signal %s", r.Signal)
	case r.Err != nil:
		return fmt.Sprintf("failed: %v", r.Err)
	case r.Code == 0:
		return "finished"
	default:
		return fmt.Sprintf("exited abnormally with code %d", r.Code)
	}
}

func exitReasonFrom(err error) ExitReason {
	if err == nil {
		return ExitReason{}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r := ExitReason{Code: exitErr.ExitCode()}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			r.Signaled = true
			r.Signal = status.Signal()
			r.Code = -1
		}
		return r
	}

	return ExitReason{Code: -1, Err: err}
}

// ExitFunc receives the exit reason of a process.
type ExitFunc func(ExitReason)

// StartOptions configures a process start.
type StartOptions struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the complete environment. Nil inherits the parent environment.
	Env []string

	// Output receives the child's output. Nil discards it.
	Output io.Writer

	// PTY attaches the child to a pseudo-terminal; stdout and stderr are
	// merged into one ordered stream.
	PTY bool

	// OnExit is registered before the process starts, so it cannot miss a
	// fast exit.
	OnExit ExitFunc

	// Grace overrides the supervisor's SIGTERM-to-SIGKILL delay.
	Grace time.Duration
}

const readBufferSize = 32 * 1024

// Handle is the live representation of a spawned child process.
//
// A Handle is owned by the Supervisor while it is registered. After
// Cleanup it is detached: its output is discarded and it is no longer
// returned by the Supervisor, but its exit callbacks still run.
type Handle struct {
	// ID uniquely identifies this handle.
	ID string

	// Name is the task name the handle is registered under.
	Name string

	// Argv is the command line.
	Argv []string

	// Started is when the process was started.
	Started time.Time

	cmd   *exec.Cmd
	grace time.Duration
	drain time.Duration
	log   *logging.Logger

	// outMu serializes output delivery with detach and seal.
	outMu    sync.Mutex
	out      io.Writer
	detached bool
	sealed   bool

	state atomic.Int32
	done  chan struct{}

	exitMu    sync.Mutex
	exited    bool
	reason    ExitReason
	callbacks []ExitFunc

	release func(*Handle, ExitReason)
}

func newHandle(id, name string, argv []string, opts StartOptions, grace time.Duration, log *logging.Logger) *Handle {
	if opts.Grace > 0 {
		grace = opts.Grace
	}
	h := &Handle{
		ID:    id,
		Name:  name,
		Argv:  append([]string(nil), argv...),
		grace: grace,
		log:   log,
		out:   opts.Output,
		done:  make(chan struct{}),
	}
	if opts.OnExit != nil {
		h.callbacks = append(h.callbacks, opts.OnExit)
	}
	h.state.Store(int32(StateCreated))
	return h
}

// State returns the current process state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// IsRunning returns true while the process has not exited.
func (h *Handle) IsRunning() bool {
	return h.State() == StateRunning
}

// Detached reports whether the handle has been cleaned up.
func (h *Handle) Detached() bool {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	return h.detached
}

// Done returns a channel closed after the process exits and all exit
// callbacks have run.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the process ID, or -1 if not started.
func (h *Handle) PID() int {
	if h.State() == StateCreated || h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Runtime returns how long the process has been running, or zero before
// it has started.
func (h *Handle) Runtime() time.Duration {
	if h.State() == StateCreated {
		return 0
	}
	return time.Since(h.Started)
}

// Reason returns the exit reason and whether the process has exited.
func (h *Handle) Reason() (ExitReason, bool) {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.reason, h.exited
}

// OnExit registers a one-shot callback. If the process has already exited
// the callback runs immediately on the calling goroutine.
func (h *Handle) OnExit(fn ExitFunc) {
	if fn == nil {
		return
	}

	h.exitMu.Lock()
	if h.exited {
		reason := h.reason
		h.exitMu.Unlock()
		h.invoke(fn, reason)
		return
	}
	h.callbacks = append(h.callbacks, fn)
	h.exitMu.Unlock()
}

// Signal sends sig to the process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	if !h.IsRunning() || h.cmd.Process == nil {
		return ErrProcessNotRunning
	}
	return signalGroup(h.cmd.Process, sig)
}

// Terminate sends SIGTERM and, if the process is still running after the
// grace period, SIGKILL. It does not wait for the process to exit.
func (h *Handle) Terminate() error {
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	if h.grace > 0 {
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				if err := h.Kill(); err == nil {
					h.log.Debug("escalated to SIGKILL after %s", h.grace)
				}
			}
		}()
	}
	return nil
}

// Kill sends SIGKILL to the process group.
func (h *Handle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// detach stops output delivery. When detach returns, any in-flight write
// has completed and no later write will happen.
func (h *Handle) detach() {
	h.outMu.Lock()
	h.detached = true
	h.outMu.Unlock()
}

// seal stops output delivery once the process has exited and the drain
// window is over.
func (h *Handle) seal() {
	h.outMu.Lock()
	h.sealed = true
	h.outMu.Unlock()
}

func (h *Handle) deliver(p []byte) {
	h.outMu.Lock()
	defer h.outMu.Unlock()

	if h.detached || h.sealed || h.out == nil {
		return
	}
	if _, err := h.out.Write(p); err != nil {
		h.log.Debug("output write rejected: %v", err)
	}
}

func (h *Handle) pump(r io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.deliver(buf[:n])
		}
		if err != nil {
			// EOF for pipes; EIO from a pty master once the child is gone.
			return
		}
	}
}

// start launches h.cmd and begins streaming. On failure nothing is left
// running and no goroutine is started.
func (h *Handle) start(usePTY bool) error {
	cmd := h.cmd

	var files []*os.File
	if usePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			return err
		}
		files = append(files, ptmx)
	} else {
		setProcGroup(cmd)

		// Pipes are created here rather than with StdoutPipe so that Wait
		// does not depend on the read ends reaching EOF.
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			closeFiles(stdoutR, stdoutW)
			return fmt.Errorf("create stderr pipe: %w", err)
		}
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		err = cmd.Start()
		closeFiles(stdoutW, stderrW)
		if err != nil {
			closeFiles(stdoutR, stderrR)
			return err
		}
		files = append(files, stdoutR, stderrR)
	}

	h.Started = time.Now()
	h.state.Store(int32(StateRunning))

	go h.waitLoop(files)
	return nil
}

// abandon releases a handle whose process never started. Exit callbacks
// are not run; the caller reports the SpawnError instead.
func (h *Handle) abandon() {
	h.exitMu.Lock()
	h.callbacks = nil
	h.exitMu.Unlock()
	close(h.done)
}

func (h *Handle) waitLoop(files []*os.File) {
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			h.pump(r)
		}(f)
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	err := h.cmd.Wait()

	// Output still buffered when the child exits is read within the drain
	// window. Anything written later belongs to a process that outlived
	// the child and is dropped.
	if h.drain > 0 {
		timer := time.NewTimer(h.drain)
		select {
		case <-drained:
		case <-timer.C:
			h.log.Debug("output still open %s after exit, closing", h.drain)
		}
		timer.Stop()
	} else {
		<-drained
	}
	h.seal()
	closeFiles(files...)

	reason := exitReasonFrom(err)
	reason.Superseded = h.Detached()
	h.finish(reason)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (h *Handle) finish(reason ExitReason) {
	if reason.Signaled {
		h.state.Store(int32(StateKilled))
	} else {
		h.state.Store(int32(StateExited))
	}

	if h.release != nil {
		h.release(h, reason)
	}

	h.exitMu.Lock()
	h.exited = true
	h.reason = reason
	callbacks := h.callbacks
	h.callbacks = nil
	h.exitMu.Unlock()

	for _, fn := range callbacks {
		h.invoke(fn, reason)
	}

	close(h.done)
}

func (h *Handle) invoke(fn ExitFunc, reason ExitReason) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("exit callback panicked: %v", r)
		}
	}()
	fn(reason)
}

// environ returns env, or the parent environment when env is nil.
func environ(env []string) []string {
	if env == nil {
		return os.Environ()
	}
	return env
}
