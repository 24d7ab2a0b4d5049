// Package runner is the entry point that runs named tasks.
//
// Run ties the process supervisor, the output surfaces and the event bus
// together. For one task name it performs, in order:
//
//  1. clean up the previous process of the task, if any
//  2. reset the task's surface, starting a new generation
//  3. start the new process, streaming its output into the surface
//  4. on exit, finalize the surface with a status label and publish
//     task.finished with a user-facing message
//  5. show the surface unless the run is hidden
//
// Run returns as soon as the process has started. Runs of the same task
// are serialized; different tasks run concurrently and independently.
//
// Output and exit callbacks of a superseded run are bound to its surface
// generation and are discarded once the task has been run again.
package runner
