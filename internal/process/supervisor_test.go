package process

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/dshills/cargoproc/internal/logging"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(opts ...SupervisorOption) *Supervisor {
	opts = append([]SupervisorOption{WithLogger(logging.NullLogger), WithGrace(time.Second)}, opts...)
	return NewSupervisor(opts...)
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %s did not exit", h.Name)
	}
}

func TestNewSupervisor(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	if s.Count() != 0 {
		t.Errorf("expected 0 processes, got %d", s.Count())
	}
	if s.drain != DefaultDrainDelay {
		t.Errorf("drain = %s, want %s", s.drain, DefaultDrainDelay)
	}
}

func TestSupervisor_StartStreamsOutput(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var out syncBuffer
	h, err := s.Start("Build", []string{"sh", "-c", "printf a; printf b; printf c"}, StartOptions{Output: &out})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.ID == "" {
		t.Error("expected non-empty handle ID")
	}
	if h.Name != "Build" {
		t.Errorf("Name = %q, want Build", h.Name)
	}

	waitDone(t, h)

	if got := out.String(); got != "abc" {
		t.Errorf("output = %q, want %q", got, "abc")
	}

	reason, exited := h.Reason()
	if !exited || !reason.Success() {
		t.Errorf("Reason() = %+v, %v; want success", reason, exited)
	}
	if s.IsRunning("Build") {
		t.Error("IsRunning(Build) = true after exit")
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after exit, want 0", s.Count())
	}
}

func TestSupervisor_StartStderr(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var out syncBuffer
	h, err := s.Start("Test", []string{"sh", "-c", "echo oops >&2; exit 3"}, StartOptions{Output: &out})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, h)

	if !strings.Contains(out.String(), "oops") {
		t.Errorf("stderr not captured: %q", out.String())
	}
	reason, _ := h.Reason()
	if reason.Code != 3 {
		t.Errorf("Code = %d, want 3", reason.Code)
	}
	if reason.Label() != "exited abnormally with code 3" {
		t.Errorf("Label() = %q", reason.Label())
	}
}

func TestSupervisor_SpawnError(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	_, err := s.Start("Build", []string{"cargoproc-no-such-binary-xyz"}, StartOptions{})
	if err == nil {
		t.Fatal("expected spawn error")
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error %T is not *SpawnError", err)
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("expected wrapped exec.ErrNotFound, got %v", err)
	}
	if spawnErr.Name != "Build" {
		t.Errorf("SpawnError.Name = %q", spawnErr.Name)
	}
	if s.Get("Build") != nil {
		t.Error("failed spawn left a handle registered")
	}
}

func TestSupervisor_EmptyCommand(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	_, err := s.Start("Build", nil, StartOptions{})
	if !errors.Is(err, ErrEmptyCommand) || !IsSpawnError(err) {
		t.Errorf("Start(nil) error = %v, want SpawnError wrapping ErrEmptyCommand", err)
	}
}

func TestSupervisor_StartReplacesExisting(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var firstExit atomic.Value
	first, err := s.Start("Test", []string{"sleep", "10"}, StartOptions{
		OnExit: func(r ExitReason) { firstExit.Store(r) },
	})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}

	second, err := s.Start("Test", []string{"sleep", "10"}, StartOptions{})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}

	if s.Count() != 1 {
		t.Errorf("Count() = %d, want exactly 1 live handle", s.Count())
	}
	if s.Get("Test") != second {
		t.Error("Get(Test) is not the newest handle")
	}
	if !first.Detached() {
		t.Error("first handle was not detached")
	}

	waitDone(t, first)

	r, ok := firstExit.Load().(ExitReason)
	if !ok {
		t.Fatal("exit callback of superseded handle was not invoked")
	}
	if !r.Superseded {
		t.Error("ExitReason.Superseded = false for superseded handle")
	}
	if !r.Signaled || r.Signal != syscall.SIGTERM {
		t.Errorf("superseded exit = %+v, want SIGTERM", r)
	}

	// The superseded handle must not unregister its replacement.
	if s.Get("Test") != second {
		t.Error("superseded exit removed the new handle")
	}
	_ = second.Kill()
	waitDone(t, second)
}

func TestSupervisor_CleanupStopsOutput(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var out syncBuffer
	h, err := s.Start("Run", []string{"sh", "-c", "trap '' TERM; while true; do echo tick; sleep 0.01; done"}, StartOptions{Output: &out})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "tick") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.Cleanup("Run")
	snapshot := out.String()

	// The process ignores SIGTERM and keeps printing until SIGKILL.
	time.Sleep(100 * time.Millisecond)
	if got := out.String(); got != snapshot {
		t.Errorf("output grew after Cleanup: %d -> %d bytes", len(snapshot), len(got))
	}
	if s.IsRunning("Run") {
		t.Error("IsRunning(Run) = true after Cleanup")
	}

	waitDone(t, h)
}

func TestSupervisor_CleanupIdempotent(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	s.Cleanup("Nothing")
	s.Cleanup("Nothing")
	if s.Count() != 0 {
		t.Errorf("Count() = %d", s.Count())
	}
}

func TestSupervisor_OnExit(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	h, err := s.Start("Doc", []string{"sleep", "0.1"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var calls atomic.Int32
	if err := s.OnExit("Doc", func(ExitReason) { calls.Add(1) }); err != nil {
		t.Fatalf("OnExit() error = %v", err)
	}
	waitDone(t, h)

	if calls.Load() != 1 {
		t.Errorf("callback invoked %d times, want 1", calls.Load())
	}

	// Registering after exit runs immediately, once.
	h.OnExit(func(ExitReason) { calls.Add(1) })
	if calls.Load() != 2 {
		t.Errorf("late callback not invoked immediately")
	}

	if err := s.OnExit("Doc", func(ExitReason) {}); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("OnExit after exit error = %v, want ErrProcessNotFound", err)
	}
}

func TestSupervisor_PanickingCallback(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	h, err := s.Start("Bench", []string{"true"}, StartOptions{
		OnExit: func(ExitReason) { panic("boom") },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, h)
}

func TestSupervisor_Terminate(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var out syncBuffer
	h, err := s.Start("Run", []string{"sh", "-c", "trap 'echo stopping; exit 0' TERM; while true; do sleep 0.01; done"}, StartOptions{Output: &out})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := s.Terminate("Run"); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	waitDone(t, h)

	if !strings.Contains(out.String(), "stopping") {
		t.Errorf("output after Terminate not delivered: %q", out.String())
	}
	if r, _ := h.Reason(); r.Superseded {
		t.Error("Terminate must not mark the handle superseded")
	}

	if err := s.Terminate("Run"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("Terminate after exit = %v", err)
	}
}

func TestSupervisor_GraceEscalation(t *testing.T) {
	s := newTestSupervisor(WithGrace(50 * time.Millisecond))
	defer s.Shutdown(time.Second)

	h, err := s.Start("Run", []string{"sh", "-c", "trap '' TERM; while true; do sleep 0.01; done"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	s.Cleanup("Run")
	waitDone(t, h)

	r, _ := h.Reason()
	if !r.Signaled || r.Signal != syscall.SIGKILL {
		t.Errorf("exit = %+v, want SIGKILL after grace", r)
	}
}

func TestSupervisor_WorkingDirAndEnv(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	dir := t.TempDir()
	var out syncBuffer
	h, err := s.Start("Run", []string{"sh", "-c", "pwd; echo $CARGOPROC_TEST"}, StartOptions{
		Dir:    dir,
		Env:    []string{"CARGOPROC_TEST=yes", "PATH=/usr/bin:/bin"},
		Output: &out,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, h)

	if !strings.Contains(out.String(), "yes") {
		t.Errorf("env not applied: %q", out.String())
	}
}

func TestSupervisor_PTY(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var out syncBuffer
	h, err := s.Start("Build", []string{"sh", "-c", "echo out; echo err >&2"}, StartOptions{Output: &out, PTY: true})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	waitDone(t, h)

	got := out.String()
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("pty output = %q", got)
	}
	if strings.Index(got, "out") > strings.Index(got, "err") {
		t.Errorf("pty output out of order: %q", got)
	}
}

func TestSupervisor_Shutdown(t *testing.T) {
	s := newTestSupervisor()

	h1, _ := s.Start("A", []string{"sleep", "10"}, StartOptions{})
	h2, _ := s.Start("B", []string{"sleep", "10"}, StartOptions{})

	s.Shutdown(time.Second)

	if h1.IsRunning() || h2.IsRunning() {
		t.Error("processes still running after Shutdown")
	}

	if _, err := s.Start("C", []string{"true"}, StartOptions{}); !errors.Is(err, ErrSupervisorShutdown) {
		t.Errorf("Start after Shutdown = %v", err)
	}
}

func TestSupervisor_ExitNotHeldByBackgroundChild(t *testing.T) {
	s := newTestSupervisor(WithDrainDelay(50 * time.Millisecond))
	defer s.Shutdown(time.Second)

	var out syncBuffer
	exited := make(chan ExitReason, 1)
	// The background sleep inherits stdout and outlives the shell.
	h, err := s.Start("Build", []string{"sh", "-c", "echo hi; sleep 5 & exit 0"}, StartOptions{
		Output: &out,
		OnExit: func(r ExitReason) { exited <- r },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if pgid := h.PID(); pgid > 0 {
		defer func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) }()
	}

	select {
	case r := <-exited:
		if !r.Success() {
			t.Errorf("reason = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback held until the background child exits")
	}

	if h.IsRunning() || s.IsRunning("Build") {
		t.Error("still running after the child exited")
	}
	if got := out.String(); got != "hi\n" {
		t.Errorf("output = %q, want %q", got, "hi\n")
	}
}

func TestSupervisor_StartDoesNotHoldLock(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var wg sync.WaitGroup
	for _, name := range []string{"Build", "Test", "Doc", "Bench"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := s.Start(name, []string{"sleep", "10"}, StartOptions{}); err != nil {
				t.Errorf("Start(%s) error = %v", name, err)
			}
		}(name)
	}
	wg.Wait()

	if s.Count() != 4 {
		t.Errorf("Count() = %d, want 4", s.Count())
	}
	for _, name := range s.Names() {
		if !s.IsRunning(name) {
			t.Errorf("%s not running", name)
		}
	}
}

func TestSupervisor_SameNameConcurrentStart(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*Handle
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Start("Run", []string{"sleep", "10"}, StartOptions{})
			if err != nil {
				t.Errorf("Start() error = %v", err)
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}
	live := s.Get("Run")
	for _, h := range handles {
		if h == live {
			continue
		}
		waitDone(t, h)
		if r, _ := h.Reason(); !r.Superseded {
			t.Errorf("replaced handle reason = %+v", r)
		}
	}
}

func TestSupervisor_Names(t *testing.T) {
	s := newTestSupervisor()
	defer s.Shutdown(time.Second)

	_, _ = s.Start("Test", []string{"sleep", "10"}, StartOptions{})
	_, _ = s.Start("Build", []string{"sleep", "10"}, StartOptions{})

	names := s.Names()
	if len(names) != 2 || names[0] != "Build" || names[1] != "Test" {
		t.Errorf("Names() = %v", names)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateRunning, "running"},
		{StateExited, "exited"},
		{StateKilled, "killed"},
		{State(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestExitReason_Label(t *testing.T) {
	tests := []struct {
		reason ExitReason
		want   string
	}{
		{ExitReason{}, "finished"},
		{ExitReason{Code: 101}, "exited abnormally with code 101"},
		{ExitReason{Code: -1, Signaled: true, Signal: syscall.SIGKILL}, "killed by signal killed"},
		{ExitReason{Code: -1, Err: errors.New("wait failed")}, "failed: wait failed"},
	}
	for _, tt := range tests {
		if got := tt.reason.Label(); got != tt.want {
			t.Errorf("Label() = %q, want %q", got, tt.want)
		}
	}
}
