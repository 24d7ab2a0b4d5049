package surface

import (
	"io"
	"sync"

	"github.com/dshills/cargoproc/internal/highlight"
	"github.com/dshills/cargoproc/internal/logging"
)

// Annotator computes severity annotations for a piece of text.
type Annotator func(text string) []highlight.Annotation

// Surface is the output view of one task.
//
// Surface is safe for concurrent use; reset, append and finalize for one
// surface are serialized by its mutex.
type Surface struct {
	name     string
	annotate Annotator
	log      *logging.Logger
	notify   func(Event)

	mu       sync.Mutex
	content  []byte
	anns     []highlight.Annotation
	writable bool
	visible  bool
	gen      uint64
	label    string
}

func newSurface(name string, annotate Annotator, log *logging.Logger, notify func(Event)) *Surface {
	return &Surface{
		name:     name,
		annotate: annotate,
		log:      log.WithField("surface", name),
		notify:   notify,
	}
}

// Name returns the task name the surface belongs to.
func (s *Surface) Name() string {
	return s.name
}

// Reset clears the content and annotations, makes the surface writable and
// starts a new generation, which it returns.
func (s *Surface) Reset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content = s.content[:0]
	s.anns = nil
	s.writable = true
	s.label = ""
	s.gen++

	s.emit(Event{Kind: EventReset})
	return s.gen
}

// Append adds text to the current generation.
// Returns *NotWritableError once the surface has been finalized.
func (s *Surface) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writable {
		return &NotWritableError{Surface: s.name, Label: s.label}
	}
	s.appendLocked([]byte(text))
	return nil
}

// Writer returns an io.Writer that appends to generation gen.
//
// Writes for an older generation are dropped. Writes rejected because the
// surface is read-only are dropped and reported to the diagnostics logger.
// The writer never returns an error, so a producer is never disturbed by
// what happens to its output.
func (s *Surface) Writer(gen uint64) io.Writer {
	return &genWriter{s: s, gen: gen}
}

type genWriter struct {
	s   *Surface
	gen uint64
}

func (w *genWriter) Write(p []byte) (int, error) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.gen != w.gen:
		s.log.Debug("dropped %d bytes from stale generation %d (current %d)", len(p), w.gen, s.gen)
	case !s.writable:
		err := &NotWritableError{Surface: s.name, Label: s.label}
		s.log.Warn("dropped %d bytes: %v", len(p), err)
	default:
		s.appendLocked(p)
	}
	return len(p), nil
}

// appendLocked re-annotates from the earliest offset a keyword completed by
// p could start at. Annotations before that offset end inside the old
// content and cannot change.
func (s *Surface) appendLocked(p []byte) {
	if len(p) == 0 {
		return
	}

	offset := len(s.content)
	s.content = append(s.content, p...)

	from := offset - (highlight.MaxKeywordLen - 1)
	if from < 0 {
		from = 0
	}

	keep := len(s.anns)
	for keep > 0 && s.anns[keep-1].Start >= from {
		keep--
	}
	s.anns = s.anns[:keep]

	fresh := s.annotate(string(s.content[from:]))
	for i := range fresh {
		fresh[i] = fresh[i].Shift(from)
	}
	s.anns = append(s.anns, fresh...)

	s.emit(Event{
		Kind:            EventAppend,
		Offset:          offset,
		Text:            string(p),
		Annotations:     fresh,
		AnnotationsFrom: from,
	})
}

// Finalize makes the surface read-only and records label.
// Finalizing an already read-only surface replaces its label.
func (s *Surface) Finalize(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked(label)
}

// FinalizeIf finalizes the surface only if gen is still the current
// generation. It reports whether the surface was finalized.
func (s *Surface) FinalizeIf(gen uint64, label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		s.log.Debug("ignored finalize %q from stale generation %d (current %d)", label, gen, s.gen)
		return false
	}
	s.finalizeLocked(label)
	return true
}

func (s *Surface) finalizeLocked(label string) {
	s.writable = false
	s.label = label
	s.emit(Event{Kind: EventFinalize, Label: label})
}

// Show makes the surface visible. An event is sent on every call.
func (s *Surface) Show() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = true
	s.emit(Event{Kind: EventShow})
}

// Hide makes the surface invisible.
func (s *Surface) Hide() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.visible {
		return
	}
	s.visible = false
	s.emit(Event{Kind: EventHide})
}

// Visible reports whether the surface is shown.
func (s *Surface) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Writable reports whether Append currently succeeds.
func (s *Surface) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

// Generation returns the current generation; zero before the first Reset.
func (s *Surface) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Label returns the label recorded by the last finalize.
func (s *Surface) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Content returns the current content.
func (s *Surface) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.content)
}

// Annotations returns a copy of the annotations over the whole content.
func (s *Surface) Annotations() []highlight.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]highlight.Annotation(nil), s.anns...)
}

// Snapshot returns a consistent copy of the surface state.
func (s *Surface) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:        s.name,
		Content:     string(s.content),
		Annotations: append([]highlight.Annotation(nil), s.anns...),
		Writable:    s.writable,
		Visible:     s.visible,
		Generation:  s.gen,
		Label:       s.label,
	}
}

// emit must be called with s.mu held.
func (s *Surface) emit(ev Event) {
	if s.notify == nil {
		return
	}
	ev.Surface = s.name
	ev.Generation = s.gen
	s.notify(ev)
}
