package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/surface"
)

func newPlain(buf *bytes.Buffer, opts ...Option) *Printer {
	opts = append([]Option{WithColor(ColorNever), WithLogger(logging.NullLogger)}, opts...)
	return New(buf, opts...)
}

func TestPrinter_VisibleLines(t *testing.T) {
	var buf bytes.Buffer
	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	p := newPlain(&buf)
	detach := p.Attach(reg, nil)
	defer detach()

	s, gen := reg.Reset("Build")
	w := s.Writer(gen)
	_, _ = w.Write([]byte("Compiling demo\nwarn"))
	s.Show()

	if got := buf.String(); got != "Compiling demo\n" {
		t.Fatalf("after show = %q", got)
	}

	_, _ = w.Write([]byte("ing: unused\npartial"))
	if got := buf.String(); got != "Compiling demo\nwarning: unused\n" {
		t.Fatalf("after append = %q", got)
	}

	s.FinalizeIf(gen, "finished")
	if got := buf.String(); got != "Compiling demo\nwarning: unused\npartial\n" {
		t.Errorf("after finalize = %q", got)
	}
}

func TestPrinter_HiddenSurfaceSilent(t *testing.T) {
	var buf bytes.Buffer
	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	bus := event.NewBus(logging.NullLogger)
	p := newPlain(&buf)
	defer p.Attach(reg, bus)()

	s, gen := reg.Reset("Clean")
	_, _ = s.Writer(gen).Write([]byte("Removed 12 files\n"))
	s.FinalizeIf(gen, "finished")
	bus.Publish(event.TaskFinished, map[string]any{"task": "Clean", "message": "Clean finished.", "success": true})

	if buf.Len() != 0 {
		t.Errorf("hidden surface printed %q", buf.String())
	}
}

func TestPrinter_Prefix(t *testing.T) {
	var buf bytes.Buffer
	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	p := newPlain(&buf, WithPrefix(true))
	defer p.Attach(reg, nil)()

	s, gen := reg.Reset("Test")
	s.Show()
	_, _ = s.Writer(gen).Write([]byte("a\nb\n"))

	if got := buf.String(); got != "Test | a\nTest | b\n" {
		t.Errorf("output = %q", got)
	}
}

func TestPrinter_Notifications(t *testing.T) {
	var buf bytes.Buffer
	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	bus := event.NewBus(logging.NullLogger)
	p := newPlain(&buf)
	defer p.Attach(reg, bus)()

	s, _ := reg.Reset("Run")
	s.Show()

	bus.Publish(event.TaskFinished, map[string]any{"task": "Run", "message": "Run exited abnormally with code 101.", "success": false})
	bus.Publish(event.TaskSpawnFailed, map[string]any{"task": "Run", "message": "Run spawn failed: not found"})
	bus.Publish(event.TaskFinished, map[string]any{"task": "Other", "message": "Other finished."})

	want := "Run exited abnormally with code 101.\nRun spawn failed: not found\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestPrinter_StaleGenerationIgnored(t *testing.T) {
	var buf bytes.Buffer
	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	p := newPlain(&buf)
	defer p.Attach(reg, nil)()

	s, old := reg.Reset("Build")
	s.Show()
	_, _ = s.Writer(old).Write([]byte("old partial"))

	_, gen := reg.Reset("Build")
	_, _ = s.Writer(old).Write([]byte("stale\n"))
	_, _ = s.Writer(gen).Write([]byte("new\n"))

	if got := buf.String(); got != "old partial\nnew\n" {
		t.Errorf("output = %q", got)
	}
}

func TestPrinter_StylesSeverity(t *testing.T) {
	var buf bytes.Buffer
	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	p := New(&buf, WithColor(ColorAlways), WithLogger(logging.NullLogger))
	defer p.Attach(reg, nil)()

	s, gen := reg.Reset("Build")
	s.Show()
	w := s.Writer(gen)
	_, _ = w.Write([]byte("err"))
	_, _ = w.Write([]byte("or: mismatched types\nok\n"))

	lines := strings.Split(buf.String(), "\n")
	if len(lines) < 2 {
		t.Fatalf("output = %q", buf.String())
	}
	if !strings.Contains(lines[0], "\x1b[") || !strings.Contains(lines[0], "error") {
		t.Errorf("first line not styled: %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], ": mismatched types") {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[1] != "ok" {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestPrinter_StyleLine(t *testing.T) {
	var buf bytes.Buffer
	p := newPlain(&buf)

	reg := surface.NewRegistry(surface.WithLogger(logging.NullLogger))
	defer p.Attach(reg, nil)()

	s, gen := reg.Reset("Doc")
	s.Show()
	_, _ = s.Writer(gen).Write([]byte("warning one\nthen error two\n"))

	if got := buf.String(); got != "warning one\nthen error two\n" {
		t.Errorf("plain output altered: %q", got)
	}
}

func TestParseColorMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ColorMode
		wantErr bool
	}{
		{"", ColorAuto, false},
		{"auto", ColorAuto, false},
		{"Always", ColorAlways, false},
		{"never", ColorNever, false},
		{"sometimes", ColorAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseColorMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseColorMode(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseColorMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
