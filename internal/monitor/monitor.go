// Package monitor contains the vigild orchestrator. It registers configured
// paths with the change-notification engine, consumes its event stream, and
// fans each change out to the journal, the archive, and the broadcast
// surfaces, managing their lifecycle through a shared context.
//
// # Atomic saves
//
// The engine watches open file descriptors, so an editor that saves by
// writing a temporary file and renaming it over the original leaves the
// engine attached to the orphaned inode. The monitor therefore re-registers
// the path after every event it handles: the old registration is dropped and
// a fresh descriptor is opened against whatever now lives at the path. If
// the path is gone the re-registration fails quietly and the path drops out
// of the watched set.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilfs/vigil/internal/config"
	"github.com/vigilfs/vigil/internal/fsobject"
	"github.com/vigilfs/vigil/watch"
)

// ChangeRecord is one observed filesystem change, enriched with a snapshot
// of the object at the moment the change was handled.
type ChangeRecord struct {
	// ID is a unique identifier assigned when the record is created.
	ID string `json:"id"`
	// Path is the watched path the change occurred on.
	Path string `json:"path"`
	// Kind is the canonical change kind name ("Write", "Delete", ...).
	Kind string `json:"kind"`
	// Timestamp is when the change was observed.
	Timestamp time.Time `json:"timestamp"`
	// Object describes the path after the change, including a BLAKE3
	// content hash for regular files. Nil when the path no longer exists
	// or could not be inspected.
	Object *fsobject.Info `json:"object,omitempty"`
}

// Engine is the surface of the change-notification engine the monitor
// drives. *watch.Watcher satisfies it.
type Engine interface {
	// AddWith registers path for the given change kinds. Registration
	// failures are logged by the engine, not returned.
	AddWith(path string, kinds watch.EventKind)
	// Remove drops the registration for path, if any.
	Remove(path string)
	// WatchedPathCount returns the number of currently registered paths.
	WatchedPathCount() int
	// WatchedPaths returns a snapshot of the registered paths.
	WatchedPaths() []string
	// Events returns the engine's broadcast channel. It is closed when
	// the engine shuts down.
	Events() <-chan watch.Event
	// Close shuts the engine down and releases all descriptors.
	Close()
}

// Journal is the interface for the local SQLite-backed change journal.
type Journal interface {
	// Append persists a change record.
	Append(ctx context.Context, rec ChangeRecord) error
	// Size returns the number of records currently in the journal.
	Size() int64
	// Close releases resources held by the journal.
	Close() error
}

// Archiver is the interface for the PostgreSQL change archive that batches
// records off-host.
type Archiver interface {
	// Archive buffers a record for the next batch flush.
	Archive(ctx context.Context, rec ChangeRecord) error
	// Stop flushes any buffered records and closes the connection pool.
	Stop()
}

// Publisher is the interface for the WebSocket broadcaster that fans
// records out to connected API clients.
type Publisher interface {
	// Publish delivers rec to all connected subscribers. It must not
	// block.
	Publish(rec ChangeRecord)
}

// Monitor is the central orchestrator of vigild. It supervises the engine,
// journal, archive, and broadcast components.
type Monitor struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    Engine
	journal   Journal
	archiver  Archiver
	publisher Publisher

	startTime time.Time
	cancel    context.CancelFunc

	mu           sync.RWMutex
	specs        map[string]watch.EventKind
	lastChangeAt time.Time
	running      bool
	wg           sync.WaitGroup
}

// New creates a Monitor from the provided configuration, logger, and engine.
// Provide the journal, archiver, and publisher via the functional options
// returned by WithJournal, WithArchiver, and WithPublisher. These components
// are optional; the monitor runs without any of them, which is useful in
// tests and in minimal deployments.
func New(cfg *config.Config, logger *slog.Logger, engine Engine, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		specs:  make(map[string]watch.EventKind),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option is a functional option for Monitor construction.
type Option func(*Monitor)

// WithJournal registers the local change journal.
func WithJournal(j Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

// WithArchiver registers the PostgreSQL change archive.
func WithArchiver(a Archiver) Option {
	return func(m *Monitor) { m.archiver = a }
}

// WithPublisher registers the WebSocket broadcaster.
func WithPublisher(p Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// Start registers all configured paths with the engine and begins consuming
// its event stream. It returns an error if the monitor is already running or
// if none of the configured paths could be registered. Internal goroutines
// handle ongoing event processing until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor: already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info("starting vigild monitor",
		slog.String("log_level", m.cfg.LogLevel),
		slog.String("api_addr", m.cfg.APIAddr),
		slog.Int("num_watches", len(m.cfg.Watches)),
		slog.Duration("poll_timeout", m.cfg.EffectivePollTimeout()),
	)

	for _, spec := range m.cfg.Watches {
		m.Watch(spec.Path, spec.Mask())
	}

	if len(m.cfg.Watches) > 0 && m.engine.WatchedPathCount() == 0 {
		cancel()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("monitor: none of the %d configured paths could be registered", len(m.cfg.Watches))
	}

	m.wg.Add(1)
	go m.processEvents(ctx)

	m.logger.Info("vigild monitor started",
		slog.Int("watched_paths", m.engine.WatchedPathCount()))
	return nil
}

// Stop shuts down the engine, waits for event processing to drain, then
// closes the journal and archive. It is safe to call Stop multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	// Closing the engine closes its event channel, which unblocks
	// processEvents.
	m.engine.Close()
	m.wg.Wait()

	if m.archiver != nil {
		m.archiver.Stop()
	}

	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			m.logger.Warn("error closing change journal", slog.Any("error", err))
		}
	}

	m.logger.Info("vigild monitor stopped")
}

// Watch registers path with the engine for the given change kinds and
// remembers the subscription so the path can be re-registered after each
// event. It is safe to call while the monitor is running; the REST API uses
// it to add paths at runtime.
func (m *Monitor) Watch(path string, kinds watch.EventKind) {
	if path == "" {
		return
	}
	m.mu.Lock()
	m.specs[path] = kinds
	m.mu.Unlock()
	m.engine.AddWith(path, kinds)
}

// Unwatch drops the registration for path and forgets its subscription.
func (m *Monitor) Unwatch(path string) {
	m.mu.Lock()
	delete(m.specs, path)
	m.mu.Unlock()
	m.engine.Remove(path)
}

// WatchedPaths returns a snapshot of the paths currently registered with the
// engine.
func (m *Monitor) WatchedPaths() []string {
	return m.engine.WatchedPaths()
}

// processEvents reads events from the engine, converts each into a
// ChangeRecord, and fans it out. It exits when the engine's event channel is
// closed or ctx is cancelled.
func (m *Monitor) processEvents(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-m.engine.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, evt)
		}
	}
}

// pathGoneKinds are the change kinds after which the path is not expected to
// resolve anymore, so no object snapshot is attempted.
const pathGoneKinds = watch.Delete | watch.Rename | watch.AccessRevocation

// handleEvent builds a ChangeRecord for evt, re-registers the path, and
// forwards the record to the journal, archive, and broadcaster. Errors are
// logged but do not stop the monitor.
func (m *Monitor) handleEvent(ctx context.Context, evt watch.Event) {
	rec := ChangeRecord{
		ID:        uuid.NewString(),
		Path:      evt.Path,
		Kind:      evt.Kind.String(),
		Timestamp: evt.Timestamp,
	}

	// Snapshot the object before re-registering so the hash reflects the
	// state that produced the event as closely as possible.
	if evt.Kind&pathGoneKinds == 0 {
		info, err := fsobject.New(evt.Path)
		if err != nil {
			m.logger.Debug("could not snapshot changed object",
				slog.String("path", evt.Path), slog.Any("error", err))
		} else {
			rec.Object = &info
		}
	}

	m.rearm(evt.Path)

	m.mu.Lock()
	m.lastChangeAt = evt.Timestamp
	m.mu.Unlock()

	m.logger.Info("change observed",
		slog.String("path", rec.Path),
		slog.String("kind", rec.Kind),
		slog.String("id", rec.ID),
	)

	if m.journal != nil {
		if err := m.journal.Append(ctx, rec); err != nil {
			m.logger.Warn("failed to journal change record", slog.Any("error", err))
		}
	}

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, rec); err != nil {
			m.logger.Warn("failed to archive change record", slog.Any("error", err))
		}
	}

	if m.publisher != nil {
		m.publisher.Publish(rec)
	}
}

// rearm drops and re-creates the registration for path so the engine follows
// whatever inode now lives there. Paths removed via Unwatch while the event
// was in flight are left alone.
func (m *Monitor) rearm(path string) {
	m.mu.RLock()
	kinds, ok := m.specs[path]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.engine.Remove(path)
	m.engine.AddWith(path, kinds)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	WatchedPaths int     `json:"watched_paths"`
	JournalSize  int64   `json:"journal_size"`
	LastChangeAt string  `json:"last_change_at,omitempty"`
}

// Health returns a snapshot of the current monitor health state.
func (m *Monitor) Health() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := HealthStatus{
		Status:       "ok",
		UptimeS:      time.Since(m.startTime).Seconds(),
		WatchedPaths: m.engine.WatchedPathCount(),
	}

	if m.journal != nil {
		h.JournalSize = m.journal.Size()
	}

	if !m.lastChangeAt.IsZero() {
		h.LastChangeAt = m.lastChangeAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the monitor's
// health status as a JSON object and HTTP 200.
func (m *Monitor) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := m.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
