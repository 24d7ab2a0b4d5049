package surface

import (
	"sort"
	"sync"

	"github.com/dshills/cargoproc/internal/highlight"
	"github.com/dshills/cargoproc/internal/logging"
)

// Registry owns the surfaces of all tasks, keyed by task name.
type Registry struct {
	annotate Annotator
	log      *logging.Logger

	mu        sync.RWMutex
	surfaces  map[string]*Surface
	listeners []listenerEntry
	nextID    uint64
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithAnnotator replaces the severity annotator. The default is
// highlight.Annotate.
func WithAnnotator(a Annotator) Option {
	return func(r *Registry) {
		r.annotate = a
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		annotate: highlight.Annotate,
		surfaces: make(map[string]*Surface),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrDefault(r.log).WithComponent("surface")
	return r
}

// Surface returns the surface for name, creating an empty, read-only,
// hidden one if none exists.
func (r *Registry) Surface(name string) *Surface {
	r.mu.RLock()
	s := r.surfaces[name]
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.surfaces[name]; s == nil {
		s = newSurface(name, r.annotate, r.log, r.dispatch)
		r.surfaces[name] = s
	}
	return s
}

// Get returns the surface for name without creating it.
func (r *Registry) Get(name string) (*Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.surfaces[name]
	return s, ok
}

// Names returns the names of all surfaces, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.surfaces))
	for name := range r.surfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset creates the surface for name if needed, clears it and returns the
// new generation.
func (r *Registry) Reset(name string) (*Surface, uint64) {
	s := r.Surface(name)
	return s, s.Reset()
}

// Append appends text to the surface for name.
func (r *Registry) Append(name, text string) error {
	return r.Surface(name).Append(text)
}

// Finalize makes the surface for name read-only with label.
func (r *Registry) Finalize(name, label string) {
	r.Surface(name).Finalize(label)
}

// Show makes the surface for name visible.
func (r *Registry) Show(name string) {
	r.Surface(name).Show()
}

// Hide hides the surface for name, if it exists.
func (r *Registry) Hide(name string) {
	if s, ok := r.Get(name); ok {
		s.Hide()
	}
}

// Subscribe registers fn for events from every surface and returns a
// function that removes it.
func (r *Registry) Subscribe(fn Listener) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Registry) dispatch(ev Event) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, l := range listeners {
		r.invoke(l.fn, ev)
	}
}

func (r *Registry) invoke(fn Listener, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("surface listener panicked on %s event: %v", ev.Kind, p)
		}
	}()
	fn(ev)
}
