// Package server owns the compute service side of the transpose protocol.
//
// Ownership boundary:
// - listener lifecycle and per-connection goroutines
//
// - session state (matrix, configurations, timings, progress, busy flag)
//
// - the command loop that decodes frames and replies
//
// - the background dispatcher that runs one benchmark sequence per START_TRANSPOSE
//
// Session lifecycle:
// - empty -> loaded (UPLOAD_MATRIX) -> running (START_TRANSPOSE) -> loaded
//
// - the command loop never waits on the dispatcher; both only touch session
// fields under the session mutex.
//
// - closing the connection cancels the dispatcher's context; it stops sending
// and exits after the configuration it is running.
package server
