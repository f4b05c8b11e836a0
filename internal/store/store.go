// Package store persists the request log in SQLite and answers the aggregate
// queries behind /v1/stats and /v1/requests.
//
// Two pools, two jobs: a single-writer pool (WAL journaling) owned by an
// async Writer goroutine, and a read-only pool of at most three connections
// so analytics can never starve the write path. Log writes are
// fire-and-forget — entries go onto a buffered channel and are applied in
// enqueue order by one background goroutine, which also gives every request
// its insert-before-update ordering without the handler waiting on disk.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	channelBuffer = 10_000
	opTimeout     = 5 * time.Second

	readPoolMaxConns = 3

	// timeLayout is RFC 3339 UTC with fixed millisecond precision so the
	// timestamp column sorts correctly as text.
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// RequestRecord is one row of the request log. Nil pointer fields persist as
// SQL NULL.
type RequestRecord struct {
	CorrelationID    string
	Timestamp        time.Time
	Model            string
	Provider         string
	Policy           *string
	Streaming        bool
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	LatencyMs        int64
	StreamDurationMs *int64
	Success          bool
	ErrorMessage     *string
	Retries          int64
	ProvidersTried   string
}

// UsageUpdate carries the post-stream update for one request.
type UsageUpdate struct {
	CorrelationID    string
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	StreamDurationMs *int64
	Success          bool
	ErrorMessage     *string
}

// FormatTime renders t in the canonical column format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// writeOp is one queued mutation. Exactly one of insert/update is set.
type writeOp struct {
	insert *RequestRecord
	update *UsageUpdate
}

// Writer owns the single SQLite writer connection. All mutations flow through
// its channel; the background goroutine applies them in order.
type Writer struct {
	db        *sql.DB
	ch        chan writeOp
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedOps int64

	baseCtx context.Context
	log     *slog.Logger
}

// Open opens the write pool at path, applies the embedded migrations, and
// starts the writer goroutine.
func Open(ctx context.Context, path string, log *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	w := &Writer{
		db:      db,
		ch:      make(chan writeOp, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Insert enqueues a row insert. Never blocks; a full queue drops the entry
// and counts it.
func (w *Writer) Insert(rec RequestRecord) {
	w.enqueue(writeOp{insert: &rec})
}

// UpdateUsage enqueues the post-stream usage update. Ordering relative to the
// request's earlier Insert is guaranteed by the single consumer goroutine.
func (w *Writer) UpdateUsage(u UsageUpdate) {
	w.enqueue(writeOp{update: &u})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ch <- op:
	default:
		atomic.AddInt64(&w.droppedOps, 1)
	}
}

// DroppedOps returns the number of mutations dropped due to a full queue.
func (w *Writer) DroppedOps() int64 {
	return atomic.LoadInt64(&w.droppedOps)
}

// Close drains the queue, stops the goroutine, and closes the pool.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return w.db.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.ch:
			w.apply(op)

		case <-w.done:
			for {
				select {
				case op := <-w.ch:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(w.baseCtx, opTimeout)
	defer cancel()

	switch {
	case op.insert != nil:
		if err := w.doInsert(ctx, op.insert); err != nil {
			w.log.Warn("request log insert failed",
				slog.String("correlation_id", op.insert.CorrelationID),
				slog.String("error", err.Error()),
			)
		}
	case op.update != nil:
		if err := w.doUpdate(ctx, op.update); err != nil {
			w.log.Warn("request log update failed",
				slog.String("correlation_id", op.update.CorrelationID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Writer) doInsert(ctx context.Context, rec *RequestRecord) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO requests (
			correlation_id, timestamp, model, provider, policy, streaming,
			input_tokens, output_tokens, cost_sats, latency_ms,
			stream_duration_ms, success, error_message, retries, providers_tried
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID,
		FormatTime(rec.Timestamp),
		rec.Model,
		rec.Provider,
		rec.Policy,
		rec.Streaming,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostSats,
		rec.LatencyMs,
		rec.StreamDurationMs,
		rec.Success,
		rec.ErrorMessage,
		rec.Retries,
		rec.ProvidersTried,
	)
	return err
}

func (w *Writer) doUpdate(ctx context.Context, u *UsageUpdate) error {
	res, err := w.db.ExecContext(ctx, `
		UPDATE requests SET
			input_tokens = ?, output_tokens = ?, cost_sats = ?,
			stream_duration_ms = ?, success = ?, error_message = ?
		WHERE correlation_id = ?`,
		u.InputTokens,
		u.OutputTokens,
		u.CostSats,
		u.StreamDurationMs,
		u.Success,
		u.ErrorMessage,
		u.CorrelationID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// The insert must precede the update; zero rows means it didn't.
		w.log.Warn("usage update matched no row",
			slog.String("correlation_id", u.CorrelationID),
		)
	}
	return nil
}
