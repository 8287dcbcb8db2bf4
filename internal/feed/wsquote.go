package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"smawatch/internal/model"

	"github.com/gorilla/websocket"
)

// ErrNoQuote is returned by WSQuotes.Quote before the first message arrives
// or when the last one is older than MaxAge.
var ErrNoQuote = errors.New("no fresh quote")

// WSConfig holds configuration for the websocket quote stream.
type WSConfig struct {
	// URL of the quote server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// MaxAge rejects quotes older than this (by receive time). Zero disables.
	MaxAge time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// WSQuotes keeps the latest quote from a JSON websocket stream and serves it
// as a QuoteProvider. Messages are model.Quote JSON:
//
//	{"price":4012.35,"ts":"2018-01-05T10:31:02+08:00"}
type WSQuotes struct {
	cfg WSConfig

	mu       sync.RWMutex
	last     model.Quote
	received time.Time

	// Optional hooks
	OnReconnect func()
	OnQuote     func(model.Quote)
}

// NewWSQuotes creates a WSQuotes. Returns an error if the URL is unparseable.
func NewWSQuotes(cfg WSConfig) (*WSQuotes, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &WSQuotes{cfg: cfg}, nil
}

// Quote implements model.QuoteProvider.
func (w *WSQuotes) Quote(ctx context.Context) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.received.IsZero() {
		return model.Quote{}, ErrNoQuote
	}
	if w.cfg.MaxAge > 0 && time.Since(w.received) > w.cfg.MaxAge {
		return model.Quote{}, ErrNoQuote
	}
	return w.last, nil
}

// Start connects and keeps the latest quote updated. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (w *WSQuotes) Start(ctx context.Context) error {
	delay := w.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := w.runOnce(ctx)
		if err == nil {
			return nil
		}
		if connected {
			delay = w.cfg.ReconnectDelay
		}

		log.Printf("[wsquote] disconnected (%v), reconnecting in %s...", err, delay)
		if w.OnReconnect != nil {
			w.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > w.cfg.MaxReconnectDelay {
			delay = w.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection and reads until disconnect or ctx cancel.
// A nil error means ctx was cancelled.
func (w *WSQuotes) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	log.Printf("[wsquote] connected to %s", w.cfg.URL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		var q model.Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			log.Printf("[wsquote] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if q.Price <= 0 || q.TS.IsZero() {
			log.Printf("[wsquote] skipping incomplete quote: %s", raw)
			continue
		}

		w.mu.Lock()
		w.last = q
		w.received = time.Now()
		w.mu.Unlock()

		if w.OnQuote != nil {
			w.OnQuote(q)
		}
	}
}
