package process

import (
	"errors"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/cargoproc/internal/logging"
)

// DefaultGrace is the delay between SIGTERM and SIGKILL.
const DefaultGrace = 3 * time.Second

// DefaultDrainDelay is how long output is still read after the child has
// exited. A background grandchild that inherited the output can hold it
// open indefinitely.
const DefaultDrainDelay = 500 * time.Millisecond

// Supervisor maps task names to at most one live Handle each.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle

	// closed indicates the supervisor has been shut down
	closed atomic.Bool

	grace time.Duration
	drain time.Duration
	log   *logging.Logger
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithGrace sets the delay between SIGTERM and SIGKILL.
// Zero disables escalation.
func WithGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.grace = d
	}
}

// WithLogger sets the supervisor's logger.
func WithLogger(l *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithDrainDelay sets how long output is read after the child exits
// before the output is closed. Zero reads until every writer has closed it.
func WithDrainDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.drain = d
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		handles: make(map[string]*Handle),
		grace:   DefaultGrace,
		drain:   DefaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDefault(s.log).WithComponent("process")
	return s
}

// Start launches argv as the process for name.
//
// Any live handle registered under name is cleaned up first, so two
// processes never write to the same output concurrently. Launch failures
// are returned as *SpawnError and leave nothing registered under name.
//
// The name is reserved under the supervisor lock and the process is
// spawned outside it, so launches for different names do not wait on
// each other.
func (s *Supervisor) Start(name string, argv []string, opts StartOptions) (*Handle, error) {
	if len(argv) == 0 {
		return nil, &SpawnError{Name: name, Err: ErrEmptyCommand}
	}

	log := s.log.WithField("task", name)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = environ(opts.Env)

	h := newHandle(uuid.New().String(), name, argv, opts, s.grace, log)
	h.cmd = cmd
	h.drain = s.drain
	h.release = s.release

	s.mu.Lock()
	// Check shutdown state under lock to prevent race
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrSupervisorShutdown
	}
	if old := s.handles[name]; old != nil {
		s.detachLocked(old)
	}
	s.handles[name] = h
	s.mu.Unlock()

	err := h.start(opts.PTY)

	s.mu.Lock()
	current := s.handles[name] == h
	if current && (err != nil || s.closed.Load()) {
		delete(s.handles, name)
		current = false
	}
	s.mu.Unlock()

	if err != nil {
		h.abandon()
		log.Debug("spawn failed: %v", err)
		return nil, &SpawnError{Name: name, Argv: h.Argv, Err: err}
	}

	if !current {
		// Replaced or shut down while spawning.
		h.detach()
		if err := h.Terminate(); err != nil && !errors.Is(err, ErrProcessNotRunning) {
			log.Warn("terminate superseded process: %v", err)
		}
		log.Debug("superseded during start id=%s", h.ID)
		return h, nil
	}

	log.Debug("started pid=%d id=%s", h.PID(), h.ID)
	return h, nil
}

// Cleanup tears down the live process for name, if any.
//
// The handle is unregistered and detached before Cleanup returns, so no
// further output from it can be delivered. Termination itself is
// fire-and-forget: Cleanup does not wait for the process to exit.
// Cleanup is a no-op when name has no live process.
func (s *Supervisor) Cleanup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h := s.handles[name]; h != nil {
		s.detachLocked(h)
	}
}

// detachLocked must be called with s.mu held.
func (s *Supervisor) detachLocked(h *Handle) {
	delete(s.handles, h.Name)
	h.detach()
	if err := h.Terminate(); err != nil && !errors.Is(err, ErrProcessNotRunning) {
		h.log.Warn("terminate superseded process: %v", err)
	}
	h.log.Debug("detached id=%s", h.ID)
}

// release unregisters h when it exits, unless it was already replaced.
func (s *Supervisor) release(h *Handle, reason ExitReason) {
	s.mu.Lock()
	if s.handles[h.Name] == h {
		delete(s.handles, h.Name)
	}
	s.mu.Unlock()

	h.log.Debug("exited: %s", reason.Label())
}

// OnExit registers a one-shot callback for the live process of name.
// Returns ErrProcessNotFound when name has no live process.
func (s *Supervisor) OnExit(name string, fn ExitFunc) error {
	h := s.Get(name)
	if h == nil {
		return ErrProcessNotFound
	}
	h.OnExit(fn)
	return nil
}

// IsRunning reports whether name has a live process.
func (s *Supervisor) IsRunning(name string) bool {
	h := s.Get(name)
	return h != nil && h.IsRunning()
}

// Get returns the live handle for name, or nil.
func (s *Supervisor) Get(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name]
}

// Names returns the task names with a live process, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.handles))
	for name := range s.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Terminate asks the live process of name to stop without detaching it;
// its remaining output is still delivered.
func (s *Supervisor) Terminate(name string) error {
	h := s.Get(name)
	if h == nil {
		return ErrProcessNotFound
	}
	return h.Terminate()
}

// Shutdown terminates every live process and waits up to timeout for them
// to exit; stragglers are killed. Later Starts fail with
// ErrSupervisorShutdown.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	for _, h := range handles {
		_ = h.Terminate()
	}

	done := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		for _, h := range handles {
			_ = h.Kill()
		}
		<-done
	}
}
