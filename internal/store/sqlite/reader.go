package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smawatch/internal/model"
)

// LoadBars reads every stored bar for symbol+interval in ascending order.
func (s *Store) LoadBars(ctx context.Context, symbol string, iv model.Interval) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts ASC
	`, symbol, string(iv))
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = vol.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// LastBarTS returns the newest stored close for symbol+interval, or the zero
// Time if none.
func (s *Store) LastBarTS(ctx context.Context, symbol string, iv model.Interval) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND timeframe = ?`,
		symbol, string(iv),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// ReadLatestSnapshotJSON loads the most recent engine snapshot.
// Returns nil, nil if none has been saved.
func (s *Store) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM ma_snapshots
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // no snapshot
		}
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}
