package model

import (
	"context"
	"time"
)

// ── Collaborator Port Interfaces ──
// The calendar, aggregator and engine only see data sources and sinks through
// these interfaces. Each is injected at construction; nothing is global.

// Clock supplies the current time. Replay feeds substitute a simulated clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// TradingDayProvider returns the exchange's trading days as ascending
// "2006-01-02" strings. Called when the cached calendar goes stale.
type TradingDayProvider interface {
	TradingDays(ctx context.Context) ([]string, error)
}

// BarProvider fetches recent historical bars for one interval.
// The returned bars may overlap what is already stored.
type BarProvider interface {
	FetchBars(ctx context.Context, iv Interval) ([]Bar, error)
}

// QuoteProvider returns the latest live quote.
type QuoteProvider interface {
	Quote(ctx context.Context) (Quote, error)
}

// BarRepository persists bar series between restarts.
type BarRepository interface {
	// LoadBars returns stored bars for symbol+interval in ascending order.
	LoadBars(ctx context.Context, symbol string, iv Interval) ([]Bar, error)

	// SaveBars upserts bars; a stored bar with the same timestamp is replaced.
	SaveBars(ctx context.Context, symbol string, iv Interval, bars []Bar) error

	// Close releases underlying resources.
	Close() error
}

// SnapshotStore reads and writes engine snapshots as raw JSON.
// Using []byte avoids a model→indicator→model import cycle.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}

// ResultPublisher fans moving-average results out to subscribers.
type ResultPublisher interface {
	PublishResults(ctx context.Context, results []MAResult)
}
