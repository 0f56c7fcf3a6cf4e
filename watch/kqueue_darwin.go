//go:build darwin

package watch

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kindFlags pairs each EventKind with its kernel NOTE_* flag. The pairs
// drive both translation directions so the engine's bit space and the
// kernel's can never drift apart silently.
var kindFlags = [...]struct {
	kind  EventKind
	fflag uint32
}{
	{Rename, unix.NOTE_RENAME},
	{Write, unix.NOTE_WRITE},
	{Delete, unix.NOTE_DELETE},
	{AttributeChange, unix.NOTE_ATTRIB},
	{SizeIncrease, unix.NOTE_EXTEND},
	{LinkCountChange, unix.NOTE_LINK},
	{AccessRevocation, unix.NOTE_REVOKE},
}

// fflagsFor translates an EventKind mask into the kernel fflags word used
// when arming an EVFILT_VNODE filter.
func fflagsFor(kinds EventKind) uint32 {
	var fflags uint32
	for _, kf := range kindFlags {
		if kinds&kf.kind != 0 {
			fflags |= kf.fflag
		}
	}
	return fflags
}

// kindsFromFflags translates a returned kernel fflags word back into the
// EventKind bit space. Unknown flag bits are dropped.
func kindsFromFflags(fflags uint32) EventKind {
	var kinds EventKind
	for _, kf := range kindFlags {
		if fflags&kf.fflag != 0 {
			kinds |= kf.kind
		}
	}
	return kinds
}

// kqueueBridge is the production kernelBridge backed by a kqueue instance.
// The kq descriptor is owned by the bridge for the engine's entire lifetime:
// created in newPlatformBridge, closed exactly once by close() when the
// event-loop goroutine exits (or by teardown when the loop never started).
type kqueueBridge struct {
	kq        int
	closeOnce sync.Once
}

// newPlatformBridge creates the kqueue instance. When the kernel refuses
// (e.g. the process descriptor table is full) engine construction fails
// outright; there is no degraded mode.
func newPlatformBridge() (kernelBridge, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("watch: create kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueBridge{kq: kq}, nil
}

// open opens path with O_EVTONLY so the descriptor is usable only as a
// kevent subject: it does not block unmounts the way O_RDONLY descriptors
// do, and it never positions a file offset.
func (b *kqueueBridge) open(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_EVTONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("watch: open %q: %w", path, err)
	}
	return fd, nil
}

func (b *kqueueBridge) arm(fd int, kinds EventKind) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR)
	ev.Fflags = fflagsFor(kinds)

	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return fmt.Errorf("watch: register descriptor %d: %w", fd, err)
	}
	return nil
}

func (b *kqueueBridge) closeFD(fd int) {
	// Closing the descriptor removes its filter and any pending records
	// from the kernel queue.
	_ = unix.Close(fd)
}

// wait performs one bounded kevent call and translates the returned batch
// into a freshly allocated record slice. EINTR is reported as an empty
// result so the event loop simply polls again.
func (b *kqueueBridge) wait(timeout time.Duration) ([]kernelRecord, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())

	var events [16]unix.Kevent_t
	n, err := unix.Kevent(b.kq, nil, events[:], &ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("watch: kevent wait: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	records := make([]kernelRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, kernelRecord{
			FD:     int(events[i].Ident),
			Filter: events[i].Filter, // EVFILT_VNODE == vnodeFilter
			Kinds:  kindsFromFflags(events[i].Fflags),
		})
	}
	return records, nil
}

func (b *kqueueBridge) close() error {
	b.closeOnce.Do(func() {
		_ = unix.Close(b.kq)
	})
	return nil
}
