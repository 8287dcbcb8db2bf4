package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"smawatch/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: a few weeks of 5-minute values + buffer
	resultStreamMaxLen = 5000
	defaultLatestTTL   = 24 * time.Hour
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Symbol   string // instrument the keys are namespaced by
}

// Writer fans moving-average results and quotes out to Redis and mirrors
// engine snapshots.
//
// Keys:
//
//	ma:latest:{symbol}:{label}:{interval}:{count}   latest committed value (SET)
//	ma:stream:{symbol}:{label}:{interval}:{count}   committed history (XADD)
//	pub:ma:{symbol}:{label}:{interval}:{count}      committed and live values (PUBLISH)
//	quote:latest:{symbol} / pub:quote:{symbol}      last live quote
//	ma:snapshot:{symbol}                            engine snapshot JSON
type Writer struct {
	client *goredis.Client
	symbol string
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, symbol: cfg.Symbol}, nil
}

func (w *Writer) snapshotKey() string { return "ma:snapshot:" + w.symbol }

// writeResults pipelines all results in one roundtrip. Live projections are
// published only; committed values are also stored and appended to a stream.
// Unavailable results are skipped.
func (w *Writer) writeResults(ctx context.Context, results []model.MAResult) error {
	if len(results) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	queued := 0
	for i := range results {
		r := &results[i]
		if !r.Ready() {
			continue
		}
		jsonData := string(r.JSON())
		queued++

		if r.Live {
			pipe.Publish(ctx, r.PubSubChannel(w.symbol), jsonData)
			continue
		}

		// Committed: XADD + SET + PUBLISH
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: "ma:stream:" + w.symbol + ":" + r.Key(),
			MaxLen: resultStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Set(ctx, r.LatestKey(w.symbol), jsonData, defaultLatestTTL)
		pipe.Publish(ctx, r.PubSubChannel(w.symbol), jsonData)
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis result pipeline (%d results): %w", queued, err)
	}
	return nil
}

// PublishResults implements model.ResultPublisher.
func (w *Writer) PublishResults(ctx context.Context, results []model.MAResult) {
	if err := w.writeResults(ctx, results); err != nil {
		log.Printf("[redis] %v", err)
	}
}

// PublishQuote stores and publishes the latest live quote.
func (w *Writer) PublishQuote(ctx context.Context, q model.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	pipe := w.client.Pipeline()
	pipe.Set(ctx, "quote:latest:"+w.symbol, string(data), defaultLatestTTL)
	pipe.Publish(ctx, "pub:quote:"+w.symbol, string(data))
	_, err = pipe.Exec(ctx)
	return err
}

// SaveSnapshotJSON implements model.SnapshotStore.
func (w *Writer) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	// Snapshots are also in SQLite for durability
	return w.client.Set(ctx, w.snapshotKey(), string(data), 7*24*time.Hour).Err()
}

// ReadLatestSnapshotJSON implements model.SnapshotStore.
func (w *Writer) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	data, err := w.client.Get(ctx, w.snapshotKey()).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil // no snapshot found
		}
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	return data, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
