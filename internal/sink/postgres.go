package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface assertion.
var _ Sink = (*Postgres)(nil)

const ddlTurnMetrics = `
CREATE TABLE IF NOT EXISTS turn_metrics (
    id                  BIGSERIAL         PRIMARY KEY,
    recorded_at         TIMESTAMP         NOT NULL,
    eou_delay           DOUBLE PRECISION,
    transcription_delay DOUBLE PRECISION,
    ttft                DOUBLE PRECISION,
    llm_input_tokens    BIGINT,
    llm_output_tokens   BIGINT,
    tts_ttfb            DOUBLE PRECISION,
    tts_duration        DOUBLE PRECISION,
    tts_audio_duration  DOUBLE PRECISION,
    total_latency       DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_turn_metrics_recorded_at
    ON turn_metrics (recorded_at);
`

const insertTurnMetrics = `
INSERT INTO turn_metrics (
    recorded_at, eou_delay, transcription_delay, ttft,
    llm_input_tokens, llm_output_tokens,
    tts_ttfb, tts_duration, tts_audio_duration, total_latency
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// pgConn is the part of [pgxpool.Pool] the sink uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres stores rows in the turn_metrics table. The table is created by
// [NewPostgres]; a schema that could not be created is retried on the next
// append. Non-numeric cells are stored as NULL.
type Postgres struct {
	pool pgConn

	mu       sync.Mutex
	migrated bool
}

// NewPostgres connects to dsn, verifies the connection and creates the
// turn_metrics table when missing.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: postgres: ping: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate runs the DDL until it succeeds once.
func (s *Postgres) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrated {
		return nil
	}
	if _, err := s.pool.Exec(ctx, ddlTurnMetrics); err != nil {
		return fmt.Errorf("sink: postgres: migrate: %w", err)
	}
	s.migrated = true
	return nil
}

// AppendRow implements [Sink].
func (s *Postgres) AppendRow(ctx context.Context, row Row) error {
	if err := s.migrate(ctx); err != nil {
		return err
	}

	recordedAt, err := time.ParseInLocation(TimeLayout, row[ColTimestamp], time.Local)
	if err != nil {
		return fmt.Errorf("sink: postgres: parse timestamp %q: %w", row[ColTimestamp], err)
	}

	_, err = s.pool.Exec(ctx, insertTurnMetrics,
		recordedAt,
		floatOrNil(row, ColEOUDelay),
		floatOrNil(row, ColTranscriptionDelay),
		floatOrNil(row, ColTTFT),
		intOrNil(row, ColLLMInputTokens),
		intOrNil(row, ColLLMOutputTokens),
		floatOrNil(row, ColTTSTTFB),
		floatOrNil(row, ColTTSDuration),
		floatOrNil(row, ColTTSAudioDuration),
		floatOrNil(row, ColTotalLatency),
	)
	if err != nil {
		return fmt.Errorf("sink: postgres: insert: %w", err)
	}
	return nil
}

// Ping implements [Sink].
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Sink].
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func floatOrNil(row Row, i int) *float64 {
	v, ok := row.Float(i)
	if !ok {
		return nil
	}
	return &v
}

func intOrNil(row Row, i int) *int64 {
	if row[i] == "" {
		return nil
	}
	if n, err := strconv.ParseInt(row[i], 10, 64); err == nil {
		return &n
	}
	v, ok := row.Float(i)
	if !ok {
		return nil
	}
	n := int64(v)
	return &n
}
