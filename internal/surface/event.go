package surface

import (
	"fmt"

	"github.com/dshills/cargoproc/internal/highlight"
)

// EventKind identifies what changed on a surface.
type EventKind int

const (
	// EventReset is sent after the surface was cleared for a new run.
	EventReset EventKind = iota + 1
	// EventAppend is sent after text was appended.
	EventAppend
	// EventFinalize is sent after the surface became read-only.
	EventFinalize
	// EventShow is sent when the surface is made visible.
	EventShow
	// EventHide is sent when the surface is hidden.
	EventHide
)

var eventKindNames = map[EventKind]string{
	EventReset:    "reset",
	EventAppend:   "append",
	EventFinalize: "finalize",
	EventShow:     "show",
	EventHide:     "hide",
}

// String returns the lowercase event kind name.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name written by MarshalText.
func (k *EventKind) UnmarshalText(text []byte) error {
	for kind, name := range eventKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// Event describes one change to a surface.
type Event struct {
	Kind       EventKind `json:"kind"`
	Surface    string    `json:"surface"`
	Generation uint64    `json:"generation"`

	// Offset is the byte offset of Text within the content (Append).
	Offset int `json:"offset,omitempty"`

	// Text is the appended chunk (Append).
	Text string `json:"text,omitempty"`

	// Label is the status label (Finalize).
	Label string `json:"label,omitempty"`

	// Annotations replace every existing annotation starting at or after
	// AnnotationsFrom (Append).
	Annotations     []highlight.Annotation `json:"annotations,omitempty"`
	AnnotationsFrom int                    `json:"annotations_from,omitempty"`
}

// Listener receives surface events.
type Listener func(Event)

// Snapshot is a point-in-time copy of a surface.
type Snapshot struct {
	Name        string                 `json:"name"`
	Content     string                 `json:"content"`
	Annotations []highlight.Annotation `json:"annotations"`
	Writable    bool                   `json:"writable"`
	Visible     bool                   `json:"visible"`
	Generation  uint64                 `json:"generation"`
	Label       string                 `json:"label,omitempty"`
}
