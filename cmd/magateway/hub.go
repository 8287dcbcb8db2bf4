package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"smawatch/internal/model"

	"github.com/gorilla/websocket"
)

// Hub fans published results out to WebSocket clients. Every client first
// receives the latest value of each series it missed, then the live stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry // by channel: "{key}" or "{key}:live"
	seq     int64
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
}

// Client is one WebSocket connection. filters restricts delivery to the
// listed intervals; empty means all.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.RWMutex
	filters ClientFilters
}

// ClientFilters is the JSON a client sends to narrow its stream.
type ClientFilters struct {
	Intervals []model.Interval `json:"intervals"`
	LiveOnly  bool             `json:"live_only"`
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
	}
}

// Run broadcasts every result from updates until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, updates <-chan model.MAResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-updates:
			if !ok {
				return
			}
			h.broadcast(r)
		}
	}
}

func channelOf(r *model.MAResult) string {
	if r.Live {
		return r.Key() + ":live"
	}
	return r.Key()
}

func (h *Hub) broadcast(r model.MAResult) {
	now := time.Now().UTC()
	data := r.JSON()
	channel := channelOf(&r)

	h.mu.Lock()
	h.latest[channel] = latestEntry{Data: data, TS: now}
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	envelope, _ := json.Marshal(map[string]interface{}{
		"channel": channel,
		"data":    json.RawMessage(data),
		"ts":      now.Format(time.RFC3339Nano),
		"seq":     seq,
	})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(&r) {
			continue
		}
		select {
		case client.send <- envelope:
		default:
		}
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[magateway] ws upgrade error: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[magateway] ws client connected (%d total)", n)

	client.sendInitialState(r.URL.Query().Get("last_ts"))
	go client.writePump()
	go client.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *Client) wants(r *model.MAResult) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filters.LiveOnly && !r.Live {
		return false
	}
	if len(c.filters.Intervals) == 0 {
		return true
	}
	for _, iv := range c.filters.Intervals {
		if iv == r.Interval {
			return true
		}
	}
	return false
}

func (c *Client) sendInitialState(lastTS string) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		envelope, _ := json.Marshal(map[string]interface{}{
			"channel": channel,
			"data":    entry.Data,
			"ts":      entry.TS.Format(time.RFC3339Nano),
			"initial": true,
		})
		select {
		case c.send <- envelope:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[magateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var filters ClientFilters
		if json.Unmarshal(msg, &filters) == nil {
			c.mu.Lock()
			c.filters = filters
			c.mu.Unlock()
		}
	}
}
