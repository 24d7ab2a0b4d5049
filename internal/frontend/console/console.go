// Package console prints visible output surfaces to a terminal or any
// other writer, one complete line at a time.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/highlight"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/surface"
)

// ColorMode selects when output is styled.
type ColorMode int

const (
	// ColorAuto styles output when the writer is a terminal.
	ColorAuto ColorMode = iota
	// ColorAlways styles output unconditionally.
	ColorAlways
	// ColorNever writes plain text.
	ColorNever
)

// ParseColorMode parses "auto", "always" or "never".
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	}
	return ColorAuto, fmt.Errorf("invalid color mode %q (want auto, always or never)", s)
}

// Styles holds the styles used for output.
type Styles struct {
	Error   lipgloss.Style
	Warning lipgloss.Style
	Prefix  lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
}

// DefaultStyles returns the default styles bound to r.
func DefaultStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Error:   r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Warning: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		Prefix:  r.NewStyle().Foreground(lipgloss.Color("8")),
		Success: r.NewStyle().Foreground(lipgloss.Color("10")),
		Failure: r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// Printer writes the lines of visible surfaces to a writer.
type Printer struct {
	w      io.Writer
	styles Styles
	prefix bool
	log    *logging.Logger

	mu     sync.Mutex
	states map[string]*state
}

// state is the unprinted tail of one surface. Offsets are absolute
// positions in the surface content; text starts at base.
type state struct {
	gen         uint64
	visible     bool
	base        int
	text        strings.Builder
	annotations []highlight.Annotation
}

// Option configures a Printer.
type Option func(*Printer)

// WithColor sets the color mode. The default is ColorAuto.
func WithColor(mode ColorMode) Option {
	return func(p *Printer) {
		r := lipgloss.NewRenderer(p.w)
		switch mode {
		case ColorAlways:
			r.SetColorProfile(termenv.ANSI256)
		case ColorNever:
			r.SetColorProfile(termenv.Ascii)
		}
		p.styles = DefaultStyles(r)
	}
}

// WithStyles replaces the output styles.
func WithStyles(s Styles) Option {
	return func(p *Printer) {
		p.styles = s
	}
}

// WithPrefix prefixes every line with the surface name.
func WithPrefix(on bool) Option {
	return func(p *Printer) {
		p.prefix = on
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Printer) {
		p.log = l
	}
}

// New creates a Printer writing to w.
func New(w io.Writer, opts ...Option) *Printer {
	p := &Printer{
		w:      w,
		styles: DefaultStyles(lipgloss.NewRenderer(w)),
		states: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.OrDefault(p.log).WithComponent("console")
	return p
}

// Attach subscribes the printer to surface events and, when bus is not
// nil, to task notifications. The returned function detaches it.
func (p *Printer) Attach(reg *surface.Registry, bus *event.Bus) (detach func()) {
	unsubscribe := reg.Subscribe(p.HandleSurface)

	var ids []string
	if bus != nil {
		ids = append(ids,
			bus.Subscribe(event.TaskFinished, p.HandleTask),
			bus.Subscribe(event.TaskSpawnFailed, p.HandleTask),
		)
	}
	return func() {
		unsubscribe()
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

// HandleSurface consumes one surface event.
func (p *Printer) HandleSurface(ev surface.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.states[ev.Surface]
	if st == nil {
		st = &state{}
		p.states[ev.Surface] = st
	}

	switch ev.Kind {
	case surface.EventReset:
		if st.visible {
			p.flushAll(ev.Surface, st)
		}
		visible := st.visible
		*st = state{gen: ev.Generation, visible: visible}
	case surface.EventAppend:
		if ev.Generation != st.gen {
			return
		}
		st.text.WriteString(ev.Text)
		st.setAnnotations(ev.AnnotationsFrom, ev.Annotations)
		if st.visible {
			p.flushLines(ev.Surface, st)
		}
	case surface.EventShow:
		st.visible = true
		p.flushLines(ev.Surface, st)
	case surface.EventHide:
		st.visible = false
	case surface.EventFinalize:
		if st.visible && ev.Generation == st.gen {
			p.flushAll(ev.Surface, st)
		}
	}
}

// HandleTask prints task notifications for visible tasks.
func (p *Printer) HandleTask(eventType string, data map[string]any) {
	task, _ := data["task"].(string)
	msg, _ := data["message"].(string)
	if msg == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if st := p.states[task]; st == nil || !st.visible {
		return
	}
	style := p.styles.Failure
	if ok, _ := data["success"].(bool); ok && eventType == event.TaskFinished {
		style = p.styles.Success
	}
	p.write(style.Render(msg) + "\n")
}

func (s *state) setAnnotations(from int, anns []highlight.Annotation) {
	kept := s.annotations[:0]
	for _, a := range s.annotations {
		if a.Start < from {
			kept = append(kept, a)
		}
	}
	for _, a := range anns {
		if a.Start >= s.base {
			kept = append(kept, a)
		}
	}
	s.annotations = kept
}

// flushLines prints every complete line held by st.
func (p *Printer) flushLines(name string, st *state) {
	text := st.text.String()
	end := strings.LastIndexByte(text, '\n')
	if end < 0 {
		return
	}
	p.printLines(name, st, text[:end+1])
	rest := text[end+1:]
	st.text.Reset()
	st.text.WriteString(rest)
}

// flushAll prints everything held by st, terminating a partial last line.
func (p *Printer) flushAll(name string, st *state) {
	text := st.text.String()
	if text == "" {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	p.printLines(name, st, text)
	st.text.Reset()
}

func (p *Printer) printLines(name string, st *state, chunk string) {
	var b strings.Builder
	offset := st.base
	for _, line := range strings.SplitAfter(chunk, "\n") {
		if line == "" {
			continue
		}
		body := strings.TrimSuffix(line, "\n")
		if p.prefix {
			b.WriteString(p.styles.Prefix.Render(name + " |"))
			b.WriteByte(' ')
		}
		b.WriteString(p.styleLine(body, offset, st.annotations))
		b.WriteByte('\n')
		offset += len(line)
	}
	p.write(b.String())

	st.base = offset
	kept := st.annotations[:0]
	for _, a := range st.annotations {
		if a.Start >= st.base {
			kept = append(kept, a)
		}
	}
	st.annotations = kept
}

// styleLine renders line, which starts at absolute offset start, with
// the annotations that fall inside it.
func (p *Printer) styleLine(line string, start int, anns []highlight.Annotation) string {
	local := highlight.Clip(anns, start, start+len(line))
	if len(local) == 0 {
		return line
	}

	var b strings.Builder
	pos := 0
	for _, a := range local {
		if a.Start < pos {
			continue
		}
		b.WriteString(line[pos:a.Start])
		style := p.styles.Warning
		if a.Severity == highlight.SeverityError {
			style = p.styles.Error
		}
		b.WriteString(style.Render(line[a.Start:a.End]))
		pos = a.End
	}
	b.WriteString(line[pos:])
	return b.String()
}

func (p *Printer) write(s string) {
	if _, err := io.WriteString(p.w, s); err != nil {
		p.log.Debug("write: %v", err)
	}
}
