package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/livesession/internal/connection"
	"github.com/rickgao/livesession/internal/dispatch"
)

const insertEvent = `
	INSERT INTO connection_events
		(session_id, event_type, from_state, to_state, attempt, close_code, detail, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Batcher sends a batch of queries. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds batching parameters.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns the default batching parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// Metrics holds writer counters.
type Metrics struct {
	Recorded int64 // Rows accepted into the batch
	Ignored  int64 // Events that are not lifecycle events
	Inserts  int64
	Errors   int64 // Failed batches
	Flushes  int64
}

// eventRow is one connection_events row.
type eventRow struct {
	SessionID  string
	EventType  string
	FromState  string
	ToState    string
	Attempt    int
	CloseCode  int
	Detail     string
	OccurredAt time.Time
}

// Writer batches lifecycle events into connection_events.
type Writer struct {
	cfg    Config
	db     Batcher
	logger *slog.Logger

	// Batching
	batch    []eventRow
	batchMu  sync.Mutex
	flushNow chan struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer. Call Start before recording.
func NewWriter(cfg Config, db Batcher, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		batch:    make([]eventRow, 0, cfg.BatchSize),
		flushNow: make(chan struct{}, 1),
		ctx:      context.Background(),
	}
}

// Start begins periodic flushing.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still batched.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Final flush runs on the caller's context; the writer's own is cancelled.
	w.flushWith(ctx)
	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// Handler returns a dispatch handler that records events for sessionID.
// Subscribe it with dispatch.Wildcard.
func (w *Writer) Handler(sessionID string) dispatch.Handler {
	return func(ev dispatch.Event) {
		w.Record(sessionID, ev)
	}
}

// Record adds a lifecycle event to the batch. It reports false for events
// that are not journaled.
func (w *Writer) Record(sessionID string, ev dispatch.Event) bool {
	row, ok := transform(sessionID, ev)

	w.batchMu.Lock()
	if !ok {
		w.metrics.Ignored++
		w.batchMu.Unlock()
		return false
	}
	w.batch = append(w.batch, row)
	w.metrics.Recorded++
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	// Never block the dispatcher on the database.
	if full {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}
	return true
}

// transform converts a lifecycle event to a row.
func transform(sessionID string, ev dispatch.Event) (eventRow, bool) {
	row := eventRow{
		SessionID:  sessionID,
		EventType:  ev.Type,
		OccurredAt: ev.At,
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now()
	}

	switch d := ev.Data.(type) {
	case connection.StateChange:
		row.FromState = d.From.String()
		row.ToState = d.To.String()
	case connection.ConnectInfo:
		row.Attempt = d.Attempts
		row.Detail = d.URL
	case connection.DisconnectInfo:
		row.CloseCode = d.Code
		row.Detail = d.Reason
	case connection.ReconnectAttemptInfo:
		row.Attempt = d.Attempt
		row.Detail = d.Delay.String()
	case connection.ReconnectFailedInfo:
		row.Attempt = d.Attempts
	case connection.ErrorInfo:
		if d.Err != nil {
			row.Detail = d.Err.Error()
		}
	default:
		return eventRow{}, false
	}
	return row, true
}

// flushLoop flushes on the ticker and whenever a batch fills.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		case <-w.flushNow:
			w.flush()
		}
	}
}

func (w *Writer) flush() {
	w.flushWith(w.ctx)
}

// flushWith writes the current batch to the database.
func (w *Writer) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		w.logger.Debug("journal has no database, dropping batch", "count", len(batch))
		return
	}

	start := time.Now()
	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("journal insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed connection events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using a single pgx.Batch.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.SessionID, r.EventType, r.FromState, r.ToState,
			r.Attempt, r.CloseCode, r.Detail, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
