// Package journal persists engine lifecycle events to SQLite so a fatal
// engine error can be examined after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/engine"
	"batchd/pkg/types"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ms      INTEGER NOT NULL,
    name       TEXT NOT NULL,
    request_id TEXT,
    fields     TEXT
)`

const createRequestIndex = `CREATE INDEX IF NOT EXISTS events_request_id ON events (request_id)`

// Defaults applied when corresponding Options fields are unset.
const (
	defaultQueueSize  = 1024
	defaultPruneEvery = 256
)

// ErrClosed is returned by queries on a closed journal.
var ErrClosed = errors.New("journal closed")

// Compile-time interface satisfaction check.
var _ engine.EventPublisher = (*Journal)(nil)

// Options tunes a Journal.
type Options struct {
	// MaxRows keeps only the newest rows (0 = unbounded).
	MaxRows int
	// QueueSize bounds events waiting to be written; overflow is dropped.
	QueueSize int
	Logger    *zerolog.Logger
}

type item struct {
	ev      engine.Event
	at      time.Time
	barrier chan struct{}
}

// Journal is an engine.EventPublisher backed by SQLite. Publish never
// blocks: events are written by a single background goroutine.
type Journal struct {
	db      *sql.DB
	opts    Options
	log     zerolog.Logger
	queue   chan item
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the journal database at path.
func Open(path string, opts Options) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct{ sql, what string }{
		{"PRAGMA journal_mode=WAL", "set WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{createEventsTable, "create events table"},
		{createRequestIndex, "create request index"},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	j := &Journal{
		db:    db,
		opts:  opts,
		log:   log.With().Str("component", "journal").Logger(),
		queue: make(chan item, opts.QueueSize),
		done:  make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

// Publish queues ev for writing. Events are dropped when the queue is full
// or the journal is closed.
func (j *Journal) Publish(ev engine.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- item{ev: ev, at: time.Now()}:
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warn().Msg("journal queue full; dropping events")
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Sync waits until every event published before the call is written.
func (j *Journal) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.queue <- item{barrier: barrier}:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) writer() {
	defer close(j.done)
	written := 0
	for it := range j.queue {
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		if err := j.insert(it); err != nil {
			j.log.Error().Err(err).Str("event", it.ev.Name).Msg("journal write failed")
			continue
		}
		written++
		if j.opts.MaxRows > 0 && written%defaultPruneEvery == 0 {
			if err := j.prune(context.Background()); err != nil {
				j.log.Error().Err(err).Msg("journal prune failed")
			}
		}
	}
}

func (j *Journal) insert(it item) error {
	var fields sql.NullString
	if len(it.ev.Fields) > 0 {
		b, err := json.Marshal(it.ev.Fields)
		if err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}
		fields = sql.NullString{String: string(b), Valid: true}
	}
	var rid sql.NullString
	if it.ev.RequestID != "" {
		rid = sql.NullString{String: it.ev.RequestID, Valid: true}
	}
	_, err := j.db.Exec(`INSERT INTO events (at_ms, name, request_id, fields) VALUES (?, ?, ?, ?)`,
		it.at.UnixMilli(), it.ev.Name, rid, fields)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (j *Journal) prune(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM events WHERE seq <= (SELECT MAX(seq) FROM events) - ?`, j.opts.MaxRows)
	return err
}

// Recent returns up to n events, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]types.JournalEvent, error) {
	return j.query(ctx, `SELECT seq, at_ms, name, request_id, fields FROM events ORDER BY seq DESC LIMIT ?`, n)
}

// ForRequest returns the events of one request in publish order.
func (j *Journal) ForRequest(ctx context.Context, id string) ([]types.JournalEvent, error) {
	return j.query(ctx, `SELECT seq, at_ms, name, request_id, fields FROM events WHERE request_id = ? ORDER BY seq`, id)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]types.JournalEvent, error) {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.JournalEvent
	for rows.Next() {
		var ev types.JournalEvent
		var rid, fields sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.TimeUnixMs, &ev.Name, &rid, &fields); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RequestID = rid.String
		ev.Fields = fields.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Close flushes queued events and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	<-j.done
	return j.db.Close()
}
