// Package dispatch runs domain tasks and reconciles their outcome into the
// process registry and the event stream.
//
// Each domain owns one Worker. The worker pulls items from the domain queue in
// FIFO order and hands them to a Dispatcher, one at a time, so two tasks of
// the same domain never overlap while different domains run concurrently.
//
// Lifecycle of one item:
//   - The record is claimed Queued → InProgress atomically. If the claim fails
//     (cancelled, evicted) the task is skipped.
//   - The domain service runs. An error becomes an Error record; a panic is
//     recovered and recorded as an Error too.
//   - Success stores the service message and payload.
//   - The updated record is re-read and published on the hub under the type
//     "<domain>.<operation>". If the record was evicted meanwhile the publish
//     is dropped.
//   - Terminal records are appended to the journal when one is configured.
//
// Cancellation is cooperative: it only prevents a Queued task from starting.
// A task that is already running is never interrupted by a cancel request; the
// worker context is only cancelled at host shutdown.
package dispatch
