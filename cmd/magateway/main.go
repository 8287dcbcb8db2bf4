// cmd/magateway serves the moving averages smawatch publishes to Redis:
// latest committed values and per-series history over REST, and every
// committed or live update over a WebSocket.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"smawatch/internal/model"
	redisstore "smawatch/internal/store/redis"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[magateway] starting...")

	symbol := getEnv("SYMBOL", "000300")
	listenAddr := getEnv("GATEWAY_ADDR", ":9080")
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	reader, err := redisstore.NewReader(redisstore.ReaderConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       redisDB,
		Symbol:   symbol,
	})
	if err != nil {
		log.Fatalf("[magateway] redis connection failed: %v", err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	updates := make(chan model.MAResult, 1024)
	go func() {
		if err := reader.Subscribe(ctx, updates); err != nil {
			log.Printf("[magateway] subscribe error: %v", err)
		}
	}()
	go hub.Run(ctx, updates)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)

	// REST: latest committed values
	mux.HandleFunc("/api/ma/latest", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.Header().Set("Content-Type", "application/json")
		latest, err := reader.ReadLatest(r.Context())
		if err != nil {
			http.Error(w, `{"error":"redis unavailable"}`, http.StatusBadGateway)
			return
		}
		if latest == nil {
			latest = []model.MAResult{}
		}
		json.NewEncoder(w).Encode(latest)
	})

	// REST: committed history of one series, ?key=20:day:20&limit=300
	mux.HandleFunc("/api/ma/history", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.Header().Set("Content-Type", "application/json")

		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, `{"error":"key is required"}`, http.StatusBadRequest)
			return
		}
		limit := int64(300)
		if l, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
		points, err := reader.History(r.Context(), key, limit)
		if err != nil {
			json.NewEncoder(w).Encode([]interface{}{})
			return
		}
		json.NewEncoder(w).Encode(points)
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[magateway] ✅ serving %s at http://localhost%s", symbol, listenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[magateway] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[magateway] shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
