package runner

import (
	"sync"
	"time"

	"github.com/dshills/cargoproc/internal/process"
)

// task holds the runs of one task name.
type task struct {
	name string

	// mu serializes Run and exit handling for this task.
	mu sync.Mutex

	// stateMu guards the fields below. It is never held while calling out.
	stateMu sync.Mutex
	state   State
	current *run
	runs    int
}

// run is one invocation of a task.
type run struct {
	gen     uint64
	argv    []string
	opts    Options
	started time.Time
	handle  *process.Handle

	done   chan struct{}
	result Result

	// announced is closed once task.started (or task.spawn_failed) has
	// been published, so task.finished never precedes it.
	announced chan struct{}
}

func (t *task) begin(rn *run) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.current = rn
	t.state = StateRunning
	t.runs++
}

func (t *task) attach(rn *run, h *process.Handle) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	rn.handle = h
}

// end records the result of rn. The task state only changes when rn is
// still the current run.
func (t *task) end(rn *run, result Result) Result {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	result.Task = t.name
	result.Argv = rn.argv
	result.Started = rn.started
	result.Finished = time.Now()
	rn.result = result

	if t.current == rn {
		t.state = StateFinished
	}
	return result
}

// release wakes the waiters of rn once its events have been published.
func (rn *run) release() {
	close(rn.done)
}

func (t *task) isCurrent(rn *run) bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.current == rn
}

func (t *task) latest() *run {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.current
}

func (t *task) resultOf(rn *run) Result {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return rn.result
}

func (t *task) last() ([]string, Options, bool) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.current == nil {
		return nil, Options{}, false
	}
	return append([]string(nil), t.current.argv...), t.current.opts, true
}

func (t *task) status() Status {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	st := Status{Name: t.name, State: t.state, Runs: t.runs}
	if rn := t.current; rn != nil {
		st.Argv = append([]string(nil), rn.argv...)
		st.Hidden = rn.opts.Hidden
		st.Started = rn.started
		st.Label = rn.result.Label
		if rn.handle != nil && t.state == StateRunning {
			st.PID = rn.handle.PID()
			st.Runtime = rn.handle.Runtime()
		}
	}
	return st
}
