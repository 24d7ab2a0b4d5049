package process

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrProcessNotFound is returned when no live process exists for a task name.
	ErrProcessNotFound = errors.New("process not found")

	// ErrSupervisorShutdown is returned when the supervisor is shutting down.
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")

	// ErrEmptyCommand is returned when a start is requested without argv.
	ErrEmptyCommand = errors.New("empty command line")

	// ErrProcessNotRunning is returned when signalling an exited process.
	ErrProcessNotRunning = errors.New("process not running")
)

// SpawnError reports that a child process could not be launched.
type SpawnError struct {
	// Name is the task name the process was started for.
	Name string
	// Argv is the command line that failed.
	Argv []string
	// Err is the underlying cause (exec.ErrNotFound, fs.ErrPermission, ...).
	Err error
}

func (e *SpawnError) Error() string {
	cmd := strings.Join(e.Argv, " ")
	if cmd == "" {
		cmd = "<empty>"
	}
	return fmt.Sprintf("spawn %s (%s): %v", e.Name, cmd, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsSpawnError reports whether err is or wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
