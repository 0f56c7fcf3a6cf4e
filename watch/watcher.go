package watch

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// engineState tracks the engine lifecycle. Transitions only move forward:
// Idle → Running (first successful Add) → ShuttingDown (Close called) →
// Terminated (worker exited, kernel queue closed). Once Running the engine
// never returns to Idle, even after every path is removed — the worker keeps
// polling an empty but valid queue.
type engineState int32

const (
	stateIdle engineState = iota
	stateRunning
	stateShuttingDown
	stateTerminated
)

// watchEntry owns exactly one kernel watch descriptor for one path. An entry
// whose descriptor failed to open is never inserted into the registry, so a
// live entry always holds a valid descriptor. The descriptor is released
// exactly once, on removal or teardown.
type watchEntry struct {
	path  string
	fd    int
	kinds EventKind
	token uint64
}

// arenaSlot is one cell of the back-reference arena. The generation counter
// is bumped on every release so a token minted for a previous occupant of
// the slot no longer resolves.
type arenaSlot struct {
	gen   uint32
	entry *watchEntry
}

func makeToken(idx, gen uint32) uint64 { return uint64(idx)<<32 | uint64(gen) }

func splitToken(token uint64) (idx, gen uint32) {
	return uint32(token >> 32), uint32(token)
}

// Watcher is the change-notification engine. Arbitrary goroutines may call
// the registry operations concurrently; one background goroutine polls the
// kernel queue and one dispatches decoded events.
type Watcher struct {
	logger          *slog.Logger
	callback        Callback
	alwaysBroadcast bool
	pollTimeout     time.Duration

	bridge kernelBridge

	// mu guards the registry and the back-reference arena. It is never
	// held across a kernel wait or across event dispatch.
	mu    sync.Mutex
	paths map[string]*watchEntry
	slots []arenaSlot
	free  []uint32
	byFD  map[int]uint64

	state      atomic.Int32
	done       chan struct{}
	dispatchCh chan notification
	events     chan Event
	workerWG   sync.WaitGroup
	dispatchWG sync.WaitGroup
	closeOnce  sync.Once
}

// New creates an engine with default options. The kernel queue descriptor is
// created here and owned by the engine until teardown; when the kernel
// refuses to create one, New fails and no usable engine exists.
func New(logger *slog.Logger) (*Watcher, error) {
	return NewWithOptions(Options{Logger: logger})
}

// NewWithOptions creates an engine with the given options.
func NewWithOptions(opts Options) (*Watcher, error) {
	bridge, err := newPlatformBridge()
	if err != nil {
		return nil, err
	}
	return newWatcher(bridge, opts), nil
}

// newWatcher wires an engine onto an already-created bridge. Tests use it to
// substitute a fake kernel.
func newWatcher(bridge kernelBridge, opts Options) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		logger:          opts.Logger,
		callback:        opts.Callback,
		alwaysBroadcast: opts.AlwaysBroadcast,
		pollTimeout:     opts.PollTimeout,
		bridge:          bridge,
		paths:           make(map[string]*watchEntry),
		byFD:            make(map[int]uint64),
		done:            make(chan struct{}),
		dispatchCh:      make(chan notification, opts.BufferSize),
		events:          make(chan Event, opts.BufferSize),
	}
}

// Add watches path for all seven change kinds. See AddWith.
func (w *Watcher) Add(path string) {
	w.AddWith(path, All)
}

// AddWith watches path for the given kinds. Paths must be absolute; relative
// paths, tilde abbreviations, and URL forms are unsupported.
//
// An empty path is a silent no-op. A path that is already watched is a no-op
// as well: the existing subscription is kept unchanged, including its kind
// set. When the path's descriptor cannot be opened — most commonly because
// the process descriptor table is full — the failure is logged and the path
// is simply not added; previously registered paths are unaffected and the
// caller can detect the condition through WatchedPathCount and retry later.
//
// The first successful AddWith starts the background event loop.
func (w *Watcher) AddWith(path string, kinds EventKind) {
	if path == "" || kinds == 0 {
		return
	}
	if s := engineState(w.state.Load()); s == stateShuttingDown || s == stateTerminated {
		w.logger.Warn("watch: add after close ignored", slog.String("path", path))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.paths[path]; ok {
		// Already watched: first kinds win. The union-merge below is used
		// only when re-arming an entry the registry already owns.
		return
	}

	fd, err := w.bridge.open(path)
	if err != nil {
		w.logger.Warn("watch: cannot open watch target",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}

	entry := &watchEntry{path: path, fd: fd}
	entry.token = w.allocToken(entry)
	w.byFD[fd] = entry.token
	w.paths[path] = entry

	if err := w.rearm(entry, kinds); err != nil {
		w.releaseLocked(entry)
		w.logger.Warn("watch: cannot arm watch target",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}

	w.ensureRunning()
}

// rearm merges the requested kinds into the entry's subscription and
// (re-)registers the descriptor with the union. The merge is monotonic: a
// re-registration can widen a subscription but never narrow it.
func (w *Watcher) rearm(entry *watchEntry, kinds EventKind) error {
	entry.kinds |= kinds
	return w.bridge.arm(entry.fd, entry.kinds)
}

// Remove stops watching path and releases its descriptor. Removing a path
// that is not watched is a no-op.
func (w *Watcher) Remove(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.paths[path]; ok {
		w.releaseLocked(entry)
	}
}

// RemoveAll releases every watched path. It is idempotent. The engine keeps
// running; paths may be added again afterwards.
func (w *Watcher) RemoveAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range w.paths {
		w.releaseLocked(entry)
	}
}

// WatchedPathCount returns the number of currently watched paths.
func (w *Watcher) WatchedPathCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.paths)
}

// WatchedPaths returns a snapshot of the watched paths.
func (w *Watcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := make([]string, 0, len(w.paths))
	for path := range w.paths {
		snapshot = append(snapshot, path)
	}
	return snapshot
}

// Events returns the broadcast channel. It receives every decoded change
// while no callback is registered, or all of them when AlwaysBroadcast is
// set. The channel is closed during Close; sends never block — when the
// buffer is full the event is dropped with a warning log.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close tears the engine down: remaining watches are released, the event
// loop is signalled and observed within one poll interval, and the kernel
// queue descriptor is closed. Close blocks until the background goroutines
// have exited and is safe to call more than once.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		prev := engineState(w.state.Swap(int32(stateShuttingDown)))
		close(w.done)

		if prev == stateRunning {
			// The worker observes done within one poll timeout and closes
			// the kernel queue descriptor on its way out.
			w.workerWG.Wait()
			close(w.dispatchCh)
			w.dispatchWG.Wait()
		} else {
			// The event loop never started; the queue descriptor is still
			// owned here.
			_ = w.bridge.close()
		}

		close(w.events)
		w.RemoveAll()
		w.state.Store(int32(stateTerminated))
	})
}

// ensureRunning starts the polling and dispatch goroutines on the first
// successful registration. Caller holds mu.
func (w *Watcher) ensureRunning() {
	if !w.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return
	}
	w.workerWG.Add(1)
	go w.run()
	w.dispatchWG.Add(1)
	go w.dispatch()
}

// allocToken places entry into the arena and mints its back-reference token.
// Caller holds mu.
func (w *Watcher) allocToken(entry *watchEntry) uint64 {
	var idx uint32
	if n := len(w.free); n > 0 {
		idx = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		w.slots = append(w.slots, arenaSlot{gen: 1})
		idx = uint32(len(w.slots) - 1)
	}
	w.slots[idx].entry = entry
	return makeToken(idx, w.slots[idx].gen)
}

// releaseLocked removes entry from the registry, invalidates its arena slot,
// and closes its descriptor — the single place ownership of a watch
// descriptor ends. Caller holds mu.
func (w *Watcher) releaseLocked(entry *watchEntry) {
	delete(w.paths, entry.path)
	delete(w.byFD, entry.fd)

	idx, _ := splitToken(entry.token)
	if int(idx) < len(w.slots) {
		w.slots[idx].gen++
		w.slots[idx].entry = nil
		w.free = append(w.free, idx)
	}

	w.bridge.closeFD(entry.fd)
}

// resolve maps a kernel record's descriptor back to its registry entry via
// the token arena. Records whose token is stale (slot re-used or released)
// or foreign (descriptor never armed here) do not resolve; the caller skips
// them silently.
func (w *Watcher) resolve(fd int) (path string, kinds EventKind, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	token, ok := w.byFD[fd]
	if !ok {
		return "", 0, false
	}
	idx, gen := splitToken(token)
	if int(idx) >= len(w.slots) {
		return "", 0, false
	}
	slot := &w.slots[idx]
	if slot.gen != gen || slot.entry == nil || slot.entry.fd != fd {
		return "", 0, false
	}
	return slot.entry.path, slot.entry.kinds, true
}
