package surface

import (
	"errors"
	"fmt"
)

// ErrNotWritable matches any *NotWritableError via errors.Is.
var ErrNotWritable = errors.New("surface is not writable")

// NotWritableError is returned by Append when the surface has been
// finalized or was never reset.
type NotWritableError struct {
	// Surface is the name of the rejected surface.
	Surface string
	// Label is the status label recorded by the last finalize, if any.
	Label string
}

func (e *NotWritableError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("surface %s is not writable (%s)", e.Surface, e.Label)
	}
	return fmt.Sprintf("surface %s is not writable", e.Surface)
}

// Is makes errors.Is(err, ErrNotWritable) true.
func (e *NotWritableError) Is(target error) bool {
	return target == ErrNotWritable
}
