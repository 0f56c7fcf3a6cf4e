// Package archive provides the optional PostgreSQL-backed change archive for
// vigild. It implements the monitor.Archiver interface, batching change
// records off-host so that a fleet of daemons can share one queryable
// history.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vigilfs/vigil/internal/fsobject"
	"github.com/vigilfs/vigil/internal/monitor"
)

const (
	// DefaultBatchSize is the maximum number of change rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending records even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = time.Second

	// stopFlushTimeout bounds the final flush performed by Stop.
	stopFlushTimeout = 5 * time.Second
)

// Store is the PostgreSQL-backed change archive.
//
// Ingestion is batched: callers enqueue individual records via Archive,
// which accumulates them in memory and flushes to the database either when
// the buffer reaches batchSize or when the background ticker fires,
// whichever comes first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []monitor.ChangeRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]monitor.ChangeRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Stop stops the background flush goroutine, flushes any remaining buffered
// records, and closes the connection pool. It implements monitor.Archiver
// and is safe to call more than once; subsequent calls are no-ops.
func (s *Store) Stop() {
	select {
	case <-s.stopCh:
		// already stopped
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on stop.
		ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
		defer cancel()
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Archive enqueues rec for deferred batch insertion. It implements
// monitor.Archiver.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) Archive(ctx context.Context, rec monitor.ChangeRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]monitor.ChangeRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO changes
			(change_id, path, kind, observed_at, object, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	now := time.Now().UTC()
	for i := range toInsert {
		rec := &toInsert[i]
		object := []byte("null")
		if rec.Object != nil {
			if data, err := json.Marshal(rec.Object); err == nil {
				object = data
			}
		}
		b.Queue(query,
			rec.ID, rec.Path, rec.Kind,
			rec.Timestamp,
			object,
			now,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec change: %w", err)
		}
	}
	return nil
}

// ChangeQuery is the filter for QueryChanges. From and To bound observed_at
// as [From, To).
type ChangeQuery struct {
	From   time.Time
	To     time.Time
	Path   string // optional exact match
	Kind   string // optional exact match
	Limit  int    // defaults to 100
	Offset int
}

// QueryChanges returns paginated change records with observed_at in
// [q.From, q.To).
//
// Optional filters: q.Path (exact match), q.Kind (exact match). q.Limit
// defaults to 100; q.Offset enables cursor-style pagination. Results are
// ordered by observed_at DESC, change_id ASC.
func (s *Store) QueryChanges(ctx context.Context, q ChangeQuery) ([]monitor.ChangeRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE observed_at >= $1 AND observed_at < $2"
	argIdx := 5

	if q.Path != "" {
		where += fmt.Sprintf(" AND path = $%d", argIdx)
		args = append(args, q.Path)
		argIdx++
	}
	if q.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, q.Kind)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT change_id, path, kind, observed_at, object
		FROM   changes
		%s
		ORDER  BY observed_at DESC, change_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var recs []monitor.ChangeRecord
	for rows.Next() {
		var rec monitor.ChangeRecord
		var object []byte
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Kind, &rec.Timestamp, &object); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if len(object) > 0 && string(object) != "null" {
			var info fsobject.Info
			if err := json.Unmarshal(object, &info); err == nil {
				rec.Object = &info
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
