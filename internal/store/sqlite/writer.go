package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"smawatch/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const keepSnapshots = 10

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"
}

// Store persists bar series and engine snapshots in one SQLite file.
// Bars are keyed by (symbol, interval, close ts); a re-saved bar replaces
// the stored one.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL,
			PRIMARY KEY (symbol, timeframe, ts)
		);

		CREATE TABLE IF NOT EXISTS ma_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// SaveBars upserts bars in a single transaction.
func (s *Store) SaveBars(ctx context.Context, symbol string, iv model.Interval, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, symbol, string(iv), b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert bar %s: %w", b.TS.Format(time.DateTime), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[sqlite] committed %d %s bars in %v", len(bars), iv, time.Since(start))
	return nil
}

// SaveSnapshotJSON stores an engine snapshot, keeping the newest few.
func (s *Store) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ma_snapshots (data, created_at) VALUES (?, ?)`,
		string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	// Prune old snapshots
	_, err = s.db.ExecContext(ctx, `DELETE FROM ma_snapshots WHERE id NOT IN (SELECT id FROM ma_snapshots ORDER BY id DESC LIMIT ?)`,
		keepSnapshots)
	if err != nil {
		log.Printf("[sqlite] prune snapshots warning: %v", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
