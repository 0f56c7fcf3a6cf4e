package watch

import "time"

// vnodeFilter is the kqueue filter type for vnode change notification
// (EVFILT_VNODE). Records carrying any other filter are discarded during
// decoding as defensive protection against foreign kernel records.
const vnodeFilter int16 = -4

// kernelRecord is one event record returned by the kernel queue, reduced to
// the fields the decode path needs. The bridge builds a fresh slice of
// records on every wait call, so a record handed to the dispatcher can never
// be mutated by a later poll iteration.
type kernelRecord struct {
	// FD is the watch descriptor the record was produced for.
	FD int
	// Filter is the kqueue filter type that produced the record.
	Filter int16
	// Kinds is the raw flag word translated into the EventKind bit space.
	Kinds EventKind
}

// kernelBridge abstracts the kernel queue so that the registry, worker, and
// dispatch logic are exercisable without a kqueue-capable kernel. The only
// production implementation is the darwin kqueue bridge; tests substitute a
// fake.
//
// All methods except wait may be called from arbitrary caller goroutines;
// wait is called only by the event-loop goroutine. Implementations
// synchronise their own state.
type kernelBridge interface {
	// open opens a change-notification-capable descriptor for path in
	// non-blocking, event-only mode. The descriptor counts against the
	// process-wide descriptor limit; exhaustion surfaces as an error here
	// and must not crash the engine.
	open(path string) (int, error)

	// arm registers (or re-registers) fd on the kernel queue for the given
	// kinds. Re-arming an already-armed descriptor replaces its kind set;
	// callers pass the monotonic union of everything subscribed so far.
	arm(fd int, kinds EventKind) error

	// closeFD releases a watch descriptor. Closing implicitly disarms the
	// kernel registration and discards the descriptor's pending records.
	closeFD(fd int)

	// wait blocks until at least one record is available or timeout
	// elapses, returning a fresh record slice. A zero-length result with a
	// nil error means the wait timed out or was interrupted.
	wait(timeout time.Duration) ([]kernelRecord, error)

	// close releases the kernel queue descriptor. Safe to call once only
	// through the engine's teardown path.
	close() error
}
