package watch

import (
	"log/slog"
	"time"
)

const (
	// DefaultPollTimeout bounds each kernel wait so a shutdown request is
	// observed within one interval. One second balances shutdown latency
	// against wakeup cost; battery-sensitive callers may configure a
	// shorter interval.
	DefaultPollTimeout = time.Second

	// DefaultBufferSize is the capacity of the broadcast Events channel
	// and of the internal dispatch queue.
	DefaultBufferSize = 64
)

// Callback receives one decoded change per invocation: the engine it came
// from, the single change kind (kind.String() yields the canonical name),
// and the affected path. Callbacks run on the dispatch goroutine, never on
// the kernel polling goroutine; a panic inside a callback is recovered and
// logged without disturbing either.
type Callback func(w *Watcher, kind EventKind, path string)

// Options configures a Watcher. The zero value is usable; see the field
// documentation for defaults.
type Options struct {
	// Logger receives the engine's structured logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Callback, when non-nil, is invoked once per decoded change. While a
	// callback is registered, deliveries are not broadcast on the Events
	// channel unless AlwaysBroadcast is set.
	Callback Callback

	// AlwaysBroadcast sends every decoded change on the Events channel
	// even when a Callback is registered. Default off: a registered
	// callback suppresses broadcast.
	AlwaysBroadcast bool

	// PollTimeout bounds each kernel wait. Values <= 0 use
	// DefaultPollTimeout.
	PollTimeout time.Duration

	// BufferSize is the Events channel and dispatch queue capacity.
	// Values <= 0 use DefaultBufferSize.
	BufferSize int
}

// withDefaults returns a copy of o with zero-value fields replaced.
func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}
