// Package process supervises the child processes launched for named tasks.
//
// The Supervisor owns at most one live Handle per task name. Starting a new
// process for a name that already has one first cleans the old one up:
// its output is detached and it is sent SIGTERM (followed by SIGKILL after
// the grace period). Cleanup does not wait for the old process to exit.
//
// # Output
//
// A Handle copies the child's stdout and stderr (or its pseudo-terminal in
// PTY mode) into the io.Writer given at start. Bytes read from one stream
// are written in the order they were read. Once a handle has been detached
// by Cleanup, no further write from it reaches the writer: the detach and
// every write are serialized by the handle's own mutex.
//
//	sup := process.NewSupervisor(process.WithGrace(3 * time.Second))
//	defer sup.Shutdown(5 * time.Second)
//
//	h, err := sup.Start("Build", []string{"cargo", "build"}, process.StartOptions{
//	    Output: w,
//	    OnExit: func(r process.ExitReason) { fmt.Println(r.Label()) },
//	})
//
// # Exit callbacks
//
// Exit callbacks run exactly once, after the handle has been unregistered,
// including for handles terminated by Cleanup (ExitReason.Superseded is
// then true). They run when the child exits even if a background
// grandchild still holds its output open: output is read for a short drain
// window after exit (see WithDrainDelay), then closed, and nothing is
// delivered after the callbacks start.
//
// # Thread Safety
//
// Supervisor and Handle are safe for concurrent use.
package process
