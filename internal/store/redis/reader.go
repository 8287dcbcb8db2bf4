package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"smawatch/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
	Symbol   string
}

// Reader follows the results a Writer publishes for one symbol.
type Reader struct {
	client *goredis.Client
	symbol string
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s (symbol=%s)", cfg.Addr, cfg.Symbol)
	return &Reader{client: client, symbol: cfg.Symbol}, nil
}

// ReadLatest returns every latest committed value for the symbol, sorted by key.
func (r *Reader) ReadLatest(ctx context.Context) ([]model.MAResult, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, "ma:latest:"+r.symbol+":*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan latest: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget latest: %w", err)
	}
	out := make([]model.MAResult, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var res model.MAResult
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			log.Printf("[redis-reader] bad value at %s: %v", keys[i], err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// History returns up to limit committed values of the series key
// ("{label}:{interval}:{count}") in chronological order.
func (r *Reader) History(ctx context.Context, key string, limit int64) ([]model.MAResult, error) {
	msgs, err := r.client.XRevRangeN(ctx, "ma:stream:"+r.symbol+":"+key, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange %s: %w", key, err)
	}
	out := make([]model.MAResult, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var res model.MAResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// Subscribe feeds every published result for the symbol into out.
// Blocks until ctx is cancelled.
func (r *Reader) Subscribe(ctx context.Context, out chan<- model.MAResult) error {
	pubsub := r.client.PSubscribe(ctx, "pub:ma:"+r.symbol+":*")
	defer pubsub.Close()

	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var res model.MAResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				continue
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
