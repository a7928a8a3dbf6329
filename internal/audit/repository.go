// Package audit writes an append-only record of every trade the bot
// executes. The table is insert-only: audit rows are evidence, not state.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// TradeRecord is one executed trade, entry or exit
type TradeRecord struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"` // buy or sell
	Amount     float64   `json:"amount"`
	Price      float64   `json:"price"`
	Reason     string    `json:"reason"`
	Pattern    string    `json:"pattern,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DryRun     bool      `json:"dry_run"`
	LatencyMS  int64     `json:"latency_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Repository persists trade records to Postgres
type Repository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewRepository connects to the audit database and ensures the schema
func NewRepository(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	repo := &Repository{
		pool:   pool,
		logger: logger.With().Str("component", "audit").Logger(),
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	repo.logger.Info().Msg("audit repository ready")
	return repo, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trade_executions (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			pattern TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			tx_hash TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			dry_run BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			executed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trade_executions_instrument
			ON trade_executions (instrument, executed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_trade_executions_user
			ON trade_executions (user_id, executed_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to run audit migrations: %w", err)
	}
	return nil
}

// Record inserts one trade row. The generated id is written back to the record.
func (r *Repository) Record(ctx context.Context, record *TradeRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.ExecutedAt.IsZero() {
		record.ExecutedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO trade_executions
			(id, user_id, instrument, side, amount, price, reason, pattern,
			 confidence, tx_hash, success, error, dry_run, latency_ms, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		record.ID, record.UserID, record.Instrument, record.Side,
		record.Amount, record.Price, record.Reason, record.Pattern,
		record.Confidence, record.TxHash, record.Success, record.Error,
		record.DryRun, record.LatencyMS, record.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade record: %w", err)
	}
	return nil
}

// RecentByInstrument returns the newest trade rows for an instrument
func (r *Repository) RecentByInstrument(ctx context.Context, instrument string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, instrument, side, amount, price, reason, pattern,
		       confidence, tx_hash, success, error, dry_run, latency_ms, executed_at
		FROM trade_executions
		WHERE instrument = $1
		ORDER BY executed_at DESC
		LIMIT $2`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w", err)
	}
	defer rows.Close()

	var records []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Instrument, &rec.Side,
			&rec.Amount, &rec.Price, &rec.Reason, &rec.Pattern,
			&rec.Confidence, &rec.TxHash, &rec.Success, &rec.Error,
			&rec.DryRun, &rec.LatencyMS, &rec.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the connection pool
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Sink is the narrow interface the pipeline writes through. A nil sink
// disables auditing without sprinkling nil checks around trading code.
type Sink interface {
	Record(ctx context.Context, record *TradeRecord) error
}

// NopSink discards audit rows, used when no database is configured
type NopSink struct{}

func (NopSink) Record(context.Context, *TradeRecord) error { return nil }
