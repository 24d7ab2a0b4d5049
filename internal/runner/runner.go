package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/process"
	"github.com/dshills/cargoproc/internal/surface"
)

// LabelSpawnFailed is the surface label of a run whose process could not
// be launched.
const LabelSpawnFailed = "spawn failed"

var (
	// ErrUnknownTask is returned for a task name that has never been run.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotRunning is returned by Stop when the task has no live process.
	ErrNotRunning = errors.New("task is not running")

	// ErrShutdown is returned by Run after Shutdown.
	ErrShutdown = errors.New("runner is shut down")
)

// State is the lifecycle state of a task.
type State int

const (
	// StateIdle means the task has never been run.
	StateIdle State = iota
	// StateRunning means the task's process is live.
	StateRunning
	// StateFinished means the last run has ended. A new Run re-enters
	// StateRunning.
	StateFinished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateRunning, StateFinished} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", text)
}

// Options configures one run.
type Options struct {
	// Hidden keeps the surface hidden.
	Hidden bool
	// Dir is the working directory.
	Dir string
	// Env is the complete child environment; nil inherits.
	Env []string
	// PTY runs the child on a pseudo-terminal.
	PTY bool
}

// Result describes how one run ended.
type Result struct {
	Task     string             `json:"task"`
	Argv     []string           `json:"argv"`
	Reason   process.ExitReason `json:"-"`
	Label    string             `json:"label"`
	SpawnErr error              `json:"-"`
	Started  time.Time          `json:"started"`
	Finished time.Time          `json:"finished"`
}

// Success reports a run that launched and exited with code 0.
func (r Result) Success() bool {
	return r.SpawnErr == nil && r.Reason.Success()
}

// ExitCode maps the result to a shell exit code: the child's code, 128+n
// for signal n, and 1 when the process could not be launched.
func (r Result) ExitCode() int {
	switch {
	case r.SpawnErr != nil:
		return 1
	case r.Reason.Signaled:
		return 128 + int(r.Reason.Signal)
	case r.Reason.Err != nil:
		return 1
	default:
		return r.Reason.Code
	}
}

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Status is a snapshot of one task.
type Status struct {
	Name    string    `json:"name"`
	State   State     `json:"state"`
	Argv    []string  `json:"argv,omitempty"`
	Hidden  bool      `json:"hidden"`
	PID     int       `json:"pid,omitempty"`
	Started time.Time `json:"started,omitempty"`
	Label   string    `json:"label,omitempty"`
	Runs    int       `json:"runs"`

	// Runtime is how long the live process has been running.
	Runtime time.Duration `json:"runtime,omitempty"`
}

// Runner runs named tasks.
type Runner struct {
	sup      *process.Supervisor
	surfaces *surface.Registry
	bus      *event.Bus
	log      *logging.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithSupervisor sets the process supervisor.
func WithSupervisor(s *process.Supervisor) Option {
	return func(r *Runner) {
		r.sup = s
	}
}

// WithSurfaces sets the surface registry.
func WithSurfaces(reg *surface.Registry) Option {
	return func(r *Runner) {
		r.surfaces = reg
	}
}

// WithBus sets the event bus that receives lifecycle events.
func WithBus(b *event.Bus) Option {
	return func(r *Runner) {
		r.bus = b
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// New creates a Runner. Missing collaborators are created with defaults.
func New(opts ...Option) *Runner {
	r := &Runner{tasks: make(map[string]*task)}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrDefault(r.log).WithComponent("runner")
	if r.sup == nil {
		r.sup = process.NewSupervisor(process.WithLogger(r.log))
	}
	if r.surfaces == nil {
		r.surfaces = surface.NewRegistry(surface.WithLogger(r.log))
	}
	if r.bus == nil {
		r.bus = event.NewBus(r.log)
	}
	return r
}

// Supervisor returns the process supervisor.
func (r *Runner) Supervisor() *process.Supervisor { return r.sup }

// Surfaces returns the surface registry.
func (r *Runner) Surfaces() *surface.Registry { return r.surfaces }

// Bus returns the event bus.
func (r *Runner) Bus() *event.Bus { return r.bus }

func (r *Runner) task(name string, create bool) *task {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tasks[name]
	if t == nil && create {
		t = &task{name: name}
		r.tasks[name] = t
	}
	return t
}

// Run starts argv as task name and returns once it is running.
//
// A previous run of the task is cleaned up first and its surface reset.
// When the process cannot be launched, the error is written to the
// surface, the surface is finalized with LabelSpawnFailed and a
// *process.SpawnError is returned.
func (r *Runner) Run(name string, argv []string, opts Options) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrShutdown
	}

	t := r.task(name, true)
	rn, pending, err := r.start(t, argv, opts)
	r.publish(pending)
	close(rn.announced)
	if err != nil {
		rn.release()
	}
	return err
}

func (r *Runner) start(t *task, argv []string, opts Options) (*run, []published, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []published

	r.sup.Cleanup(t.name)
	surf, gen := r.surfaces.Reset(t.name)

	rn := &run{
		gen:       gen,
		argv:      append([]string(nil), argv...),
		opts:      opts,
		started:   time.Now(),
		done:      make(chan struct{}),
		announced: make(chan struct{}),
	}
	t.begin(rn)

	log := r.log.WithField("task", t.name)

	h, err := r.sup.Start(t.name, argv, process.StartOptions{
		Dir:    opts.Dir,
		Env:    opts.Env,
		PTY:    opts.PTY,
		Output: surf.Writer(gen),
		OnExit: func(reason process.ExitReason) {
			pending := r.finish(t, rn, surf, reason)
			<-rn.announced
			r.publish(pending)
			rn.release()
		},
	})
	if err != nil {
		log.Warn("spawn failed: %v", err)
		if appendErr := surf.Append(err.Error() + "\n"); appendErr != nil {
			log.Warn("report spawn failure: %v", appendErr)
		}
		surf.FinalizeIf(gen, LabelSpawnFailed)

		result := t.end(rn, Result{SpawnErr: err, Label: LabelSpawnFailed})
		pending = append(pending, published{event.TaskSpawnFailed, map[string]any{
			"task":    t.name,
			"error":   err.Error(),
			"message": fmt.Sprintf("%s %s: %v", t.name, LabelSpawnFailed, err),
			"argv":    result.Argv,
		}})
		return rn, pending, err
	}

	t.attach(rn, h)
	log.Info("started %v pid=%d", argv, h.PID())

	pending = append(pending, published{event.TaskStarted, map[string]any{
		"task":       t.name,
		"argv":       rn.argv,
		"pid":        h.PID(),
		"generation": gen,
		"hidden":     opts.Hidden,
	}})

	if !opts.Hidden {
		surf.Show()
	}
	return rn, pending, nil
}

// finish runs on the exiting process's goroutine. It waits for any Run of
// the same task to complete, so a fast exit is always ordered after its
// start.
func (r *Runner) finish(t *task, rn *run, surf *surface.Surface, reason process.ExitReason) []published {
	t.mu.Lock()
	defer t.mu.Unlock()

	label := reason.Label()
	result := t.end(rn, Result{Reason: reason, Label: label})

	if !t.isCurrent(rn) || !surf.FinalizeIf(rn.gen, label) {
		r.log.WithField("task", t.name).Debug("superseded run ended: %s", label)
		return []published{{event.TaskSuperseded, map[string]any{
			"task":       t.name,
			"generation": rn.gen,
			"label":      label,
		}}}
	}

	msg := fmt.Sprintf("%s finished.", t.name)
	if !reason.Success() {
		msg = fmt.Sprintf("%s %s.", t.name, label)
	}
	r.log.WithField("task", t.name).Info("%s (%s)", label, result.Duration().Round(time.Millisecond))

	return []published{{event.TaskFinished, map[string]any{
		"task":       t.name,
		"message":    msg,
		"label":      label,
		"code":       result.ExitCode(),
		"success":    result.Success(),
		"generation": rn.gen,
		"duration":   result.Duration(),
	}}}
}

// Rerun repeats the last command line and options of name.
func (r *Runner) Rerun(name string) error {
	t := r.task(name, false)
	if t == nil {
		return ErrUnknownTask
	}
	argv, opts, ok := t.last()
	if !ok {
		return ErrUnknownTask
	}
	return r.Run(name, argv, opts)
}

// Stop sends SIGTERM to the task's process group without detaching its
// output; the run finalizes normally with the signal label.
func (r *Runner) Stop(name string) error {
	if err := r.sup.Terminate(name); err != nil {
		if errors.Is(err, process.ErrProcessNotFound) || errors.Is(err, process.ErrProcessNotRunning) {
			return ErrNotRunning
		}
		return err
	}
	r.bus.Publish(event.TaskStopped, map[string]any{
		"task":   name,
		"signal": syscall.SIGTERM.String(),
	})
	return nil
}

// Wait blocks until the run of name that is current when Wait is called
// has ended and its lifecycle event has been published, or ctx is done.
func (r *Runner) Wait(ctx context.Context, name string) (Result, error) {
	t := r.task(name, false)
	if t == nil {
		return Result{}, ErrUnknownTask
	}
	rn := t.latest()
	if rn == nil {
		return Result{}, ErrUnknownTask
	}

	select {
	case <-rn.done:
		return t.resultOf(rn), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status returns a snapshot of task name.
func (r *Runner) Status(name string) (Status, bool) {
	t := r.task(name, false)
	if t == nil {
		return Status{Name: name, State: StateIdle}, false
	}
	return t.status(), true
}

// Tasks returns the status of every task that has been run, sorted by name.
func (r *Runner) Tasks() []Status {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	result := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, t.status())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Shutdown stops accepting runs and terminates every live process, waiting
// up to timeout for them to exit.
func (r *Runner) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.sup.Shutdown(timeout)
}

type published struct {
	eventType string
	data      map[string]any
}

func (r *Runner) publish(events []published) {
	for _, ev := range events {
		r.bus.Publish(ev.eventType, ev.data)
	}
}
