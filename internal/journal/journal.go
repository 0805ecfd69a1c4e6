package journal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/polls-live/internal/bus"
	"github.com/rickgao/polls-live/internal/clock"
)

const createTable = `
CREATE TABLE IF NOT EXISTS poll_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  UUID        NOT NULL,
	topic       TEXT        NOT NULL,
	poll_id     BIGINT,
	payload     JSONB       NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`

const createIndex = `
CREATE INDEX IF NOT EXISTS poll_events_poll_id_idx ON poll_events (poll_id, received_at)`

const insertEvent = `
INSERT INTO poll_events (session_id, topic, poll_id, payload, received_at)
VALUES ($1, $2, $3, $4, $5)`

// DB is the subset of *pgxpool.Pool the journal needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config configures a Journal.
type Config struct {
	SessionID     uuid.UUID
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns the journal defaults with a fresh session id.
func DefaultConfig() Config {
	return Config{
		SessionID:     uuid.New(),
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Entry is one received envelope.
type Entry struct {
	Topic      string
	PollID     *int64
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Stats contains journal statistics.
type Stats struct {
	Received int64
	Dropped  int64
	Inserted int64
	Flushes  int64
	Errors   int64
	Buffer   BufferStats
}

// Journal batches bus events into poll_events.
type Journal struct {
	cfg    Config
	db     DB
	logger *slog.Logger
	clock  clock.Clock
	buffer *Buffer[Entry]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushMu sync.Mutex // serializes flushes

	mu      sync.Mutex
	metrics Stats
}

// New creates a Journal. Nothing is written until Start.
func New(cfg Config, db DB, logger *slog.Logger, c clock.Clock) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	def := DefaultConfig()
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = def.SessionID
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = max(def.BufferSize, cfg.BatchSize)
	}

	initial := min(cfg.BatchSize*2, cfg.BufferSize)
	return &Journal{
		cfg:    cfg,
		db:     db,
		logger: logger,
		clock:  c,
		buffer: NewBuffer[Entry](initial, cfg.BufferSize),
	}
}

// EnsureSchema creates poll_events if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, createTable); err != nil {
		return err
	}
	_, err := db.Exec(ctx, createIndex)
	return err
}

// Subscribe records every event published on topics. The handlers never
// block: when the buffer is full the event is dropped and counted.
func (j *Journal) Subscribe(b *bus.Bus[json.RawMessage], topics ...string) *bus.Group {
	g := &bus.Group{}
	for _, topic := range topics {
		g.Add(b.Subscribe(topic, func(payload json.RawMessage) error {
			j.Record(topic, payload)
			return nil
		}))
	}
	return g
}

// Record queues one envelope. It reports whether the envelope was accepted.
// An empty or null payload is stored as {}.
func (j *Journal) Record(topic string, payload json.RawMessage) bool {
	if len(payload) == 0 || string(payload) == "null" {
		payload = emptyPayload
	}
	entry := Entry{
		Topic:      topic,
		PollID:     pollID(payload),
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: j.clock.Now(),
	}

	err := j.buffer.Send(entry)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.metrics.Dropped++
		if errors.Is(err, ErrBufferFull) && j.metrics.Dropped%1000 == 1 {
			j.logger.Warn("journal buffer full, dropping events", "dropped", j.metrics.Dropped)
		}
		return false
	}
	j.metrics.Received++
	return true
}

// Start begins the writer loop.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.writeLoop()

	j.logger.Info("journal started",
		"session_id", j.cfg.SessionID,
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
		"buffer_size", j.cfg.BufferSize,
	)
	return nil
}

// Stop closes the buffer, waits for the writer loop and flushes what is left.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	j.buffer.Close()
	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
		return ctx.Err()
	}

	// Final flush
	for j.buffer.Len() > 0 {
		if err := j.flush(ctx); err != nil {
			return err
		}
	}

	j.logger.Info("journal stopped", "inserted", j.Stats().Inserted)
	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	st := j.metrics
	j.mu.Unlock()
	st.Buffer = j.buffer.Stats()
	return st
}

// Flush writes every queued entry now.
func (j *Journal) Flush(ctx context.Context) error {
	for j.buffer.Len() > 0 {
		if err := j.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.buffer.Ready():
			for j.buffer.Len() >= j.cfg.BatchSize {
				if err := j.flush(j.ctx); err != nil {
					break
				}
			}
		case <-ticker.C:
			j.Flush(j.ctx)
		}
	}
}

// flush inserts up to one batch. Rows from a failed batch are not retried.
func (j *Journal) flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	entries := j.buffer.DrainTo(j.cfg.BatchSize)
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	err := j.insert(ctx, entries)

	j.mu.Lock()
	if err != nil {
		j.metrics.Errors++
	} else {
		j.metrics.Inserted += int64(len(entries))
		j.metrics.Flushes++
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("batch insert failed", "error", err, "count", len(entries))
		return err
	}

	j.logger.Debug("flushed events",
		"count", len(entries),
		"duration", time.Since(start),
	)
	return nil
}

// insert writes entries with a single pgx.Batch.
func (j *Journal) insert(ctx context.Context, entries []Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertEvent, j.cfg.SessionID, e.Topic, e.PollID, []byte(e.Payload), e.ReceivedAt)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// pollID extracts the poll identity from a payload: "id" for poll payloads,
// "poll_id" for control frames.
var emptyPayload = json.RawMessage(`{}`)

func pollID(payload json.RawMessage) *int64 {
	var ids struct {
		ID     *int64 `json:"id"`
		PollID *int64 `json:"poll_id"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil {
		return nil
	}
	if ids.ID != nil {
		return ids.ID
	}
	return ids.PollID
}
