// Package surface provides the read-mostly output views that task output is
// streamed into.
//
// A Surface is keyed by task name and created lazily. It is reused across
// runs: Reset clears it, makes it writable and starts a new generation.
// Append adds text while the surface is writable; after Finalize every
// further Append fails with *NotWritableError.
//
// # Generations
//
// Each Reset increments the surface generation. Writers obtained with
// Writer(gen) and calls to FinalizeIf(gen, label) are bound to the
// generation they were created for and are silently discarded once the
// surface has moved on. This keeps the tail of a superseded run out of the
// next run's output.
//
// # Annotations
//
// The surface keeps severity annotations for its whole content. They are
// maintained incrementally on every append and always equal what the
// annotator returns for the full content, including keywords split across
// two appends.
//
// # Listeners
//
// Registry.Subscribe delivers Reset, Append, Finalize, Show and Hide events.
// Events for one surface are delivered in order while that surface's lock
// is held, so listeners must return quickly and must not call back into
// the surface.
package surface
