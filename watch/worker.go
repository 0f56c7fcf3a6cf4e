package watch

import (
	"log/slog"
	"time"
)

// notification is the immutable per-record snapshot handed from the polling
// goroutine to the dispatcher. It is constructed fresh for every kernel
// record; nothing the polling loop does afterwards can mutate a snapshot
// that has already been handed off.
type notification struct {
	path  string
	kinds []EventKind
	at    time.Time
}

// run is the event-loop goroutine. It polls the kernel queue with a bounded
// wait so that a shutdown request is observed within one interval, decodes
// each returned record, and forwards the result to the dispatcher. On exit
// it closes the kernel queue descriptor exactly once.
func (w *Watcher) run() {
	defer w.workerWG.Done()
	defer func() { _ = w.bridge.close() }()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		records, err := w.bridge.wait(w.pollTimeout)
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Error("watch: kernel wait failed", slog.Any("error", err))
			// Back off for one interval so a persistently failing queue
			// does not spin the loop.
			select {
			case <-w.done:
				return
			case <-time.After(w.pollTimeout):
			}
			continue
		}

		for _, rec := range records {
			w.handleRecord(rec)
		}
	}
}

// handleRecord validates and decodes one kernel record. Records with the
// wrong filter type, an empty flag set, or an unresolvable back-reference
// are skipped silently — stale or foreign records are expected around
// removals and are not errors. A panic anywhere in the decode path is
// recovered and logged; it never terminates the event loop.
func (w *Watcher) handleRecord(rec kernelRecord) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch: panic while decoding kernel record", slog.Any("panic", r))
		}
	}()

	if rec.Filter != vnodeFilter || rec.Kinds == 0 {
		return
	}

	path, subscribed, ok := w.resolve(rec.FD)
	if !ok {
		return
	}

	fired := (rec.Kinds & subscribed).split()
	if len(fired) == 0 {
		return
	}

	n := notification{path: path, kinds: fired, at: time.Now()}
	select {
	case w.dispatchCh <- n:
	default:
		w.logger.Warn("watch: dispatch queue full, dropping record",
			slog.String("path", path),
		)
	}
}

// dispatch is the delivery goroutine. Within one notification the kinds are
// delivered strictly in decode order; across notifications delivery follows
// queue order. It exits when the dispatch queue is closed during teardown.
func (w *Watcher) dispatch() {
	defer w.dispatchWG.Done()

	for n := range w.dispatchCh {
		for _, kind := range n.kinds {
			w.deliver(n.path, kind, n.at)
		}
	}
}

// deliver hands one decoded change to the configured sink: the callback when
// one is registered, the broadcast channel when there is none or when
// AlwaysBroadcast is set. A panic inside the callback is recovered and
// logged here, on the dispatch goroutine, so it can never reach the polling
// loop.
func (w *Watcher) deliver(path string, kind EventKind, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch: panic during event delivery",
				slog.String("path", path),
				slog.String("kind", kind.String()),
				slog.Any("panic", r),
			)
		}
	}()

	if w.callback != nil {
		w.callback(w, kind, path)
		if !w.alwaysBroadcast {
			return
		}
	}

	select {
	case w.events <- Event{Path: path, Kind: kind, Timestamp: at}:
	default:
		w.logger.Warn("watch: events channel full, dropping event",
			slog.String("path", path),
			slog.String("kind", kind.String()),
		)
	}
}
