package rest

import (
	"context"

	"github.com/vigilfs/vigil/internal/monitor"
	"github.com/vigilfs/vigil/watch"
)

// WatchManager is the subset of monitor.Monitor methods used by the REST
// handlers. Defining an interface allows handlers to be tested with a mock
// without a running notification engine.
type WatchManager interface {
	// Watch registers path for the given change kinds.
	Watch(path string, kinds watch.EventKind)

	// Unwatch drops the registration for path.
	Unwatch(path string)

	// WatchedPaths returns a snapshot of the currently registered paths.
	WatchedPaths() []string

	// Health returns the current daemon health snapshot.
	Health() monitor.HealthStatus
}

// ChangeLog is the subset of journal.Journal methods used by the REST
// handlers.
type ChangeLog interface {
	// Recent returns up to n change records, newest first, optionally
	// filtered to a single path.
	Recent(ctx context.Context, path string, n int) ([]monitor.ChangeRecord, error)
}
