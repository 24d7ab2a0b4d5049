package tui

import (
	"github.com/dshills/cargoproc/internal/highlight"
	"github.com/dshills/cargoproc/internal/surface"
)

// document is the viewer's copy of one surface, split into lines.
// It is only touched from the UI goroutine.
type document struct {
	gen      uint64
	text     []byte
	starts   []int
	anns     []highlight.Annotation
	label    string
	writable bool
}

func newDocument() *document {
	return &document{starts: []int{0}}
}

// load replaces the document with snap.
func (d *document) load(snap surface.Snapshot) {
	d.reset(snap.Generation)
	d.writable = snap.Writable
	d.label = snap.Label
	d.appendText(snap.Content)
	d.anns = append(d.anns[:0], snap.Annotations...)
}

func (d *document) reset(gen uint64) {
	d.gen = gen
	d.text = d.text[:0]
	d.starts = d.starts[:1]
	d.anns = nil
	d.label = ""
	d.writable = true
}

// apply folds ev into the document. Events older than the document,
// and appends it already holds, are ignored.
func (d *document) apply(ev surface.Event) bool {
	switch ev.Kind {
	case surface.EventReset:
		if ev.Generation <= d.gen {
			return false
		}
		d.reset(ev.Generation)
	case surface.EventAppend:
		if ev.Generation != d.gen || ev.Offset+len(ev.Text) <= len(d.text) {
			return false
		}
		if ev.Offset != len(d.text) {
			return false
		}
		d.appendText(ev.Text)
		kept := d.anns[:0]
		for _, a := range d.anns {
			if a.Start < ev.AnnotationsFrom {
				kept = append(kept, a)
			}
		}
		d.anns = append(kept, ev.Annotations...)
	case surface.EventFinalize:
		if ev.Generation != d.gen {
			return false
		}
		d.writable = false
		d.label = ev.Label
	default:
		return false
	}
	return true
}

func (d *document) appendText(s string) {
	base := len(d.text)
	d.text = append(d.text, s...)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			d.starts = append(d.starts, base+i+1)
		}
	}
}

// lineCount returns the number of lines, not counting the empty line
// after a trailing newline. An empty document has no lines.
func (d *document) lineCount() int {
	if len(d.text) == 0 {
		return 0
	}
	n := len(d.starts)
	if n > 1 && d.starts[n-1] == len(d.text) {
		n--
	}
	return n
}

// line returns line i without its newline and the annotations inside it,
// relative to the line start.
func (d *document) line(i int) (string, []highlight.Annotation) {
	if i < 0 || i >= len(d.starts) {
		return "", nil
	}
	start := d.starts[i]
	end := len(d.text)
	if i+1 < len(d.starts) {
		end = d.starts[i+1] - 1
	}
	return string(d.text[start:end]), highlight.Clip(d.anns, start, end)
}

// window returns the first line to display given the total line count,
// the viewport height and the requested top line.
func window(total, height, top int, follow bool) int {
	maxTop := total - height
	if maxTop < 0 {
		maxTop = 0
	}
	if follow || top > maxTop {
		return maxTop
	}
	if top < 0 {
		return 0
	}
	return top
}
