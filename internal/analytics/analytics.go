// Package analytics is the gateway's append-only usage/attempt-trace sink,
// backed by ClickHouse. It mirrors internal/logger's non-blocking, batched
// design: Record never blocks the request path — entries drop silently
// (and are counted) once the internal channel is full, and a background
// goroutine flushes batches to ClickHouse on a timer.
package analytics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// UsageEvent is one billed inference call, shipped to ClickHouse for
// analytics independent of (and best-effort relative to) the authoritative
// Postgres usage_records row.
type UsageEvent struct {
	RequestID    uuid.UUID
	UserID       int64
	Gateway      string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	CostMicros   int64 // cost * 1e6, integer to avoid float drift in ClickHouse
	Estimated    bool
	CreatedAt    time.Time
}

// AttemptEvent is one provider attempt within a routed request — including
// failed attempts that failover skipped past — for failure-rate analysis.
type AttemptEvent struct {
	RequestID    uuid.UUID
	Gateway      string
	Model        string
	Outcome      string // "success", "timeout", "rate_limited", "upstream_5xx", ...
	LatencyMs    uint32
	Attempt      uint8
	CreatedAt    time.Time
}

// Sink ships usage and attempt events to ClickHouse without blocking callers.
// A nil *Sink is valid and turns every operation into a no-op — analytics is
// optional; the gateway must run without it configured.
type Sink struct {
	conn clickhouse.Conn
	db   string

	usageCh   chan UsageEvent
	attemptCh chan AttemptEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
}

// Option configures the analytics connection.
type Option func(*clickhouse.Options)

// Open connects to ClickHouse and starts the background flush loop. Returns
// a nil *Sink (not an error) when dsn is empty — analytics shipping is
// disabled rather than required.
func Open(ctx context.Context, dsn, database string) (*Sink, error) {
	if dsn == "" {
		return nil, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse dsn: %w", err)
	}
	if database != "" {
		opts.Auth.Database = database
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}

	s := &Sink{
		conn:      conn,
		db:        database,
		usageCh:   make(chan UsageEvent, channelBuffer),
		attemptCh: make(chan AttemptEvent, channelBuffer),
		done:      make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_events (
			request_id   UUID,
			user_id      Int64,
			gateway      LowCardinality(String),
			model        String,
			input_tokens  UInt32,
			output_tokens UInt32,
			cost_micros  Int64,
			estimated    UInt8,
			created_at   DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS attempt_events (
			request_id UUID,
			gateway    LowCardinality(String),
			model      String,
			outcome    LowCardinality(String),
			latency_ms UInt32,
			attempt    UInt8,
			created_at DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (gateway, created_at)`,
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("analytics: migrate: %w", err)
		}
	}
	return nil
}

// RecordUsage enqueues a usage event. Never blocks; drops on overflow.
func (s *Sink) RecordUsage(e UsageEvent) {
	if s == nil {
		return
	}
	select {
	case s.usageCh <- e:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// RecordAttempt enqueues an attempt trace. Never blocks; drops on overflow.
func (s *Sink) RecordAttempt(e AttemptEvent) {
	if s == nil {
		return
	}
	select {
	case s.attemptCh <- e:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of events dropped due to a full channel.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return atomic.LoadInt64(&s.dropped)
}

// Close stops the flush loop, flushing any buffered events, and closes the
// underlying connection. Safe to call on a nil *Sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	usageBatch := make([]UsageEvent, 0, batchSize)
	attemptBatch := make([]AttemptEvent, 0, batchSize)

	flush := func() {
		s.flushUsage(usageBatch)
		s.flushAttempts(attemptBatch)
		usageBatch = usageBatch[:0]
		attemptBatch = attemptBatch[:0]
	}

	for {
		select {
		case e := <-s.usageCh:
			usageBatch = append(usageBatch, e)
			if len(usageBatch) >= batchSize {
				flush()
			}
		case e := <-s.attemptCh:
			attemptBatch = append(attemptBatch, e)
			if len(attemptBatch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			drainLoop:
			for {
				select {
				case e := <-s.usageCh:
					usageBatch = append(usageBatch, e)
				case e := <-s.attemptCh:
					attemptBatch = append(attemptBatch, e)
				default:
					break drainLoop
				}
			}
			flush()
			return
		}
	}
}

// flushUsage and flushAttempts are best-effort: a ClickHouse outage never
// propagates back to the request path, since RecordUsage/RecordAttempt have
// already returned by the time this runs. Failures are swallowed; nothing
// in the gateway depends on analytics for correctness.
func (s *Sink) flushUsage(batch []UsageEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO usage_events")
	if err != nil {
		return
	}
	for _, e := range batch {
		estimated := uint8(0)
		if e.Estimated {
			estimated = 1
		}
		_ = b.Append(e.RequestID, e.UserID, e.Gateway, e.Model, e.InputTokens, e.OutputTokens,
			e.CostMicros, estimated, e.CreatedAt)
	}
	_ = b.Send()
}

func (s *Sink) flushAttempts(batch []AttemptEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO attempt_events")
	if err != nil {
		return
	}
	for _, e := range batch {
		_ = b.Append(e.RequestID, e.Gateway, e.Model, e.Outcome, e.LatencyMs, e.Attempt, e.CreatedAt)
	}
	_ = b.Send()
}
