// cmd/quoteserver is a demo WebSocket quote server.
// Broadcasts a random-walk index price so smawatch can run its realtime
// worker without a market data subscription.
//
// Message shape is model.Quote:
//
//	{"price":4012.35,"ts":"2018-01-05T10:31:02+08:00"}
//
// Config (env vars):
//
//	QUOTE_SERVER_ADDR  listen address (default ":9001")
//	QUOTE_START_PRICE  first price (default 4000)
//	QUOTE_INTERVAL_MS  broadcast interval in milliseconds (default 1000)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"smawatch/internal/markethours"
	"smawatch/internal/model"

	"github.com/gorilla/websocket"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop the quote
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[quoteserver] upgrade error: %v", err)
			return
		}
		log.Printf("[quoteserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[quoteserver] client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Quote generator ─────────────────────────────────────────────────────────

// walkPrice moves price by up to ±0.05%.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.1 - 0.05) / 100.0
	next := price * (1 + pct)
	if next < 1 {
		next = 1
	}
	return float64(int64(next*100+0.5)) / 100
}

func runGenerator(h *hub, price float64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for now := range ticker.C {
		price = walkPrice(rng, price)
		b, err := json.Marshal(model.Quote{Price: price, TS: now.In(markethours.CST)})
		if err != nil {
			continue
		}
		h.broadcast(b)
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[quoteserver] starting demo quote server...")

	addr := envOrDefault("QUOTE_SERVER_ADDR", ":9001")
	start := envFloatOrDefault("QUOTE_START_PRICE", 4000)
	intervalMs := envIntOrDefault("QUOTE_INTERVAL_MS", 1000)
	log.Printf("[quoteserver] start price %.2f, broadcast interval %dms", start, intervalMs)

	h := newHub()
	go runGenerator(h, start, time.Duration(intervalMs)*time.Millisecond)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"quoteserver","clients":%d}`+"\n", h.count())
	})

	log.Printf("[quoteserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[quoteserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}
