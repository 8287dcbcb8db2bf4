// Package postgres is a shared bar repository for deployments where several
// trackers (or a research notebook) read the same history.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"smawatch/internal/model"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config configures the PostgreSQL store.
type Config struct {
	DSN             string // e.g. "host=localhost port=5432 user=sma dbname=sma sslmode=disable"
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
}

// Store implements model.BarRepository and model.SnapshotStore on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

type barRow struct {
	TS     time.Time       `db:"ts"`
	Open   float64         `db:"open"`
	High   float64         `db:"high"`
	Low    float64         `db:"low"`
	Close  float64         `db:"close"`
	Volume sql.NullFloat64 `db:"volume"`
}

type barInsert struct {
	Symbol    string    `db:"symbol"`
	Timeframe string    `db:"timeframe"`
	TS        time.Time `db:"ts"`
	Open      float64   `db:"open"`
	High      float64   `db:"high"`
	Low       float64   `db:"low"`
	Close     float64   `db:"close"`
	Volume    float64   `db:"volume"`
}

// New connects, pings and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	log.Printf("[postgres] ✅ connected")
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT             NOT NULL,
	timeframe TEXT             NOT NULL,
	ts        TIMESTAMPTZ      NOT NULL,
	open      DOUBLE PRECISION NOT NULL,
	high      DOUBLE PRECISION NOT NULL,
	low       DOUBLE PRECISION NOT NULL,
	close     DOUBLE PRECISION NOT NULL,
	volume    DOUBLE PRECISION,
	PRIMARY KEY (symbol, timeframe, ts)
);

CREATE TABLE IF NOT EXISTS ma_snapshots (
	id         BIGSERIAL   PRIMARY KEY,
	data       JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const upsertBar = `
	INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
	VALUES (:symbol, :timeframe, :ts, :open, :high, :low, :close, :volume)
	ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume
`

// SaveBars upserts bars in one transaction.
func (s *Store) SaveBars(ctx context.Context, symbol string, iv model.Interval, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareNamedContext(ctx, upsertBar)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		row := barInsert{
			Symbol: symbol, Timeframe: string(iv), TS: b.TS,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres upsert bar %s: %w", b.TS.Format(time.DateTime), err)
		}
	}
	return tx.Commit()
}

// LoadBars returns every stored bar for symbol+interval in ascending order.
func (s *Store) LoadBars(ctx context.Context, symbol string, iv model.Interval) ([]model.Bar, error) {
	var rows []barRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY ts ASC
	`, symbol, string(iv))
	if err != nil {
		return nil, fmt.Errorf("postgres select bars: %w", err)
	}
	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = model.Bar{
			TS: r.TS.UTC(), Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
			Volume: r.Volume.Float64,
		}
	}
	return bars, nil
}

// SaveSnapshotJSON implements model.SnapshotStore.
func (s *Store) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO ma_snapshots (data) VALUES ($1)`, string(data)); err != nil {
		return fmt.Errorf("postgres insert snapshot: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ma_snapshots WHERE id NOT IN (SELECT id FROM ma_snapshots ORDER BY id DESC LIMIT $1)`, 10)
	if err != nil {
		log.Printf("[postgres] prune snapshots warning: %v", err)
	}
	return nil
}

// ReadLatestSnapshotJSON implements model.SnapshotStore. Returns nil, nil
// when nothing has been saved.
func (s *Store) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM ma_snapshots ORDER BY id DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres read snapshot: %w", err)
	}
	return []byte(data), nil
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
