// Package tui is a full-screen viewer for the output surface of one task.
package tui

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/highlight"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/runner"
	"github.com/dshills/cargoproc/internal/surface"
)

const tabWidth = 4

// Controller is the part of the task runner the viewer drives.
type Controller interface {
	Rerun(name string) error
	Stop(name string) error
	Status(name string) (runner.Status, bool)
}

// Theme holds the styles used for drawing.
type Theme struct {
	Text    tcell.Style
	Error   tcell.Style
	Warning tcell.Style
	Status  tcell.Style
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Text:    tcell.StyleDefault,
		Error:   tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true),
		Warning: tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true),
		Status:  tcell.StyleDefault.Reverse(true),
	}
}

// Viewer shows one task's surface and lets the user re-run or stop it.
type Viewer struct {
	screen   tcell.Screen
	surfaces *surface.Registry
	ctl      Controller
	bus      *event.Bus
	task     string
	theme    Theme
	log      *logging.Logger

	// queue receives events from listener goroutines; everything else
	// below is owned by the UI goroutine.
	qmu    sync.Mutex
	queue  []surface.Event
	notice string

	doc    *document
	top    int
	follow bool
	height int
}

// Option configures a Viewer.
type Option func(*Viewer)

// WithBus shows task notifications from b in the status line.
func WithBus(b *event.Bus) Option {
	return func(v *Viewer) {
		v.bus = b
	}
}

// WithTheme replaces the drawing styles.
func WithTheme(t Theme) Option {
	return func(v *Viewer) {
		v.theme = t
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Viewer) {
		v.log = l
	}
}

// New creates a viewer for task drawing on screen.
func New(screen tcell.Screen, reg *surface.Registry, ctl Controller, task string, opts ...Option) *Viewer {
	v := &Viewer{
		screen:   screen,
		surfaces: reg,
		ctl:      ctl,
		task:     task,
		theme:    DefaultTheme(),
		doc:      newDocument(),
		follow:   true,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = logging.OrDefault(v.log).WithComponent("tui")
	return v
}

// Run takes over the screen until the user quits or ctx is done.
func (v *Viewer) Run(ctx context.Context) error {
	if err := v.screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer v.screen.Fini()

	unsubscribe := v.surfaces.Subscribe(v.enqueue)
	defer unsubscribe()
	if v.bus != nil {
		id := v.bus.Subscribe(event.TaskFinished, v.notify)
		defer v.bus.Unsubscribe(id)
		id = v.bus.Subscribe(event.TaskSpawnFailed, v.notify)
		defer v.bus.Unsubscribe(id)
	}

	v.doc.load(v.surfaces.Surface(v.task).Snapshot())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			v.wake()
		case <-stop:
		}
	}()

	for {
		v.drain()
		v.draw()

		switch ev := v.screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			v.screen.Sync()
		case *tcell.EventKey:
			if v.handleKey(ev) {
				return nil
			}
		case *tcell.EventInterrupt:
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (v *Viewer) enqueue(ev surface.Event) {
	if ev.Surface != v.task {
		return
	}
	v.qmu.Lock()
	v.queue = append(v.queue, ev)
	v.qmu.Unlock()
	v.wake()
}

func (v *Viewer) notify(_ string, data map[string]any) {
	if task, _ := data["task"].(string); task != v.task {
		return
	}
	msg, _ := data["message"].(string)
	v.qmu.Lock()
	v.notice = msg
	v.qmu.Unlock()
	v.wake()
}

func (v *Viewer) wake() {
	if v.screen == nil {
		return
	}
	if err := v.screen.PostEvent(tcell.NewEventInterrupt(nil)); err != nil {
		v.log.Debug("post event: %v", err)
	}
}

// drain applies queued surface events to the document.
func (v *Viewer) drain() {
	v.qmu.Lock()
	queue := v.queue
	v.queue = nil
	v.qmu.Unlock()

	for _, ev := range queue {
		if v.doc.apply(ev) && ev.Kind == surface.EventReset {
			v.follow = true
		}
	}
}

// handleKey reports whether the viewer should quit.
func (v *Viewer) handleKey(ev *tcell.EventKey) bool {
	page := v.height - 1
	if page < 1 {
		page = 1
	}

	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyUp:
		v.scroll(-1)
	case tcell.KeyDown:
		v.scroll(1)
	case tcell.KeyPgUp:
		v.scroll(-page)
	case tcell.KeyPgDn:
		v.scroll(page)
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			return true
		case 'j':
			v.scroll(1)
		case 'k':
			v.scroll(-1)
		case 'g':
			v.follow = false
			v.top = 0
		case 'G':
			v.follow = true
		case 'r':
			v.setNotice("re-running", v.ctl.Rerun(v.task))
		case 's':
			v.setNotice("stopping", v.ctl.Stop(v.task))
		}
	}
	return false
}

func (v *Viewer) setNotice(ok string, err error) {
	msg := ok
	if err != nil {
		msg = err.Error()
	}
	v.qmu.Lock()
	v.notice = msg
	v.qmu.Unlock()
}

// scroll moves the view by delta lines. Reaching the bottom turns
// follow mode back on.
func (v *Viewer) scroll(delta int) {
	height := v.height - 1
	total := v.doc.lineCount()
	top := window(total, height, v.top, v.follow) + delta
	v.top = window(total, height, top, false)
	v.follow = v.top >= total-height
}

func (v *Viewer) draw() {
	v.screen.Clear()
	width, height := v.screen.Size()
	v.height = height
	if height < 1 {
		return
	}

	body := height - 1
	v.top = window(v.doc.lineCount(), body, v.top, v.follow)
	for row := 0; row < body; row++ {
		text, anns := v.doc.line(v.top + row)
		v.drawLine(row, width, text, anns)
	}
	v.drawStatus(height-1, width)
	v.screen.Show()
}

func (v *Viewer) drawLine(row, width int, text string, anns []highlight.Annotation) {
	x := 0
	for i, r := range text {
		style := v.theme.Text
		for _, a := range anns {
			if i >= a.Start && i < a.End {
				style = v.theme.Warning
				if a.Severity == highlight.SeverityError {
					style = v.theme.Error
				}
				break
			}
		}

		switch {
		case r == '\t':
			for n := tabWidth - x%tabWidth; n > 0 && x < width; n-- {
				v.screen.SetContent(x, row, ' ', nil, style)
				x++
			}
			continue
		case r < ' ' || r == 0x7f:
			continue
		}

		w := runewidth.RuneWidth(r)
		if x+w > width {
			return
		}
		v.screen.SetContent(x, row, r, nil, style)
		x += w
	}
}

func (v *Viewer) drawStatus(row, width int) {
	v.qmu.Lock()
	notice := v.notice
	v.qmu.Unlock()

	line := statusLine(v.task, v.status(), v.doc, v.top, v.height-1, v.follow, notice)
	line = runewidth.Truncate(line, width, "")
	line = runewidth.FillRight(line, width)

	x := 0
	for _, r := range line {
		v.screen.SetContent(x, row, r, nil, v.theme.Status)
		x += runewidth.RuneWidth(r)
	}
}

func (v *Viewer) status() string {
	st, ok := v.ctl.Status(v.task)
	if !ok {
		return runner.StateIdle.String()
	}
	if st.State == runner.StateRunning {
		return fmt.Sprintf("%s pid %d", st.State, st.PID)
	}
	if st.Label != "" {
		return st.Label
	}
	return st.State.String()
}

func statusLine(task, state string, doc *document, top, height int, follow bool, notice string) string {
	total := doc.lineCount()
	last := top + height
	if last > total {
		last = total
	}
	pos := fmt.Sprintf("%d-%d/%d", top+1, last, total)
	if total == 0 {
		pos = "0/0"
	}
	if follow {
		pos += " follow"
	}

	line := fmt.Sprintf(" %s | %s | %s", task, state, pos)
	if notice != "" {
		line += " | " + notice
	}
	return line + " | q quit  r rerun  s stop "
}
