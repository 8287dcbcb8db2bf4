package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the moving-average tracker.
type Metrics struct {
	QuotesTotal   prometheus.Counter
	QuoteErrors   prometheus.Counter
	DroppedQuotes prometheus.Counter // late quotes rejected by the aggregator
	WSReconnects  prometheus.Counter

	// Historical poller
	BarsMerged    *prometheus.CounterVec // labels: interval
	FetchErrors   *prometheus.CounterVec // labels: interval
	FetchDur      *prometheus.HistogramVec
	PollsSkipped  *prometheus.CounterVec // labels: interval (already up to date)
	LastBarLagSec *prometheus.GaugeVec   // labels: interval; now - newest stored close

	// Engine
	ComputeDur prometheus.Histogram
	Results    *prometheus.CounterVec // labels: status, live
	Rollovers  *prometheus.CounterVec // labels: interval

	// Storage
	SQLiteCommitDur prometheus.Histogram
	RedisWriteDur   prometheus.Histogram

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Market session
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close
}

// NewMetrics registers and returns all Prometheus metrics on reg.
// A nil reg means the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fastBuckets := []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	m := &Metrics{
		QuotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smawatch_quotes_total",
			Help: "Total live quotes observed during the session",
		}),
		QuoteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smawatch_quote_errors_total",
			Help: "Quote provider failures",
		}),
		DroppedQuotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smawatch_dropped_quotes_total",
			Help: "Quotes dropped because they were older than the last observed one",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smawatch_ws_reconnects_total",
			Help: "Total quote WebSocket reconnection attempts",
		}),

		BarsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smawatch_bars_merged_total",
			Help: "New bars merged into the bar store (by interval)",
		}, []string{"interval"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smawatch_fetch_errors_total",
			Help: "Historical bar fetch failures (by interval)",
		}, []string{"interval"}),
		FetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smawatch_fetch_duration_seconds",
			Help:    "Historical bar fetch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"interval"}),
		PollsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smawatch_polls_skipped_total",
			Help: "Historical polls skipped because the interval was already up to date",
		}, []string{"interval"}),
		LastBarLagSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smawatch_last_bar_lag_seconds",
			Help: "Seconds between now and the newest stored bar close",
		}, []string{"interval"}),

		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smawatch_compute_duration_seconds",
			Help:    "Engine update or projection latency per interval",
			Buckets: fastBuckets,
		}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smawatch_results_total",
			Help: "Moving-average results produced (by status and live flag)",
		}, []string{"status", "live"}),
		Rollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smawatch_rollovers_total",
			Help: "Realtime bar rollovers observed by the aggregator",
		}, []string{"interval"}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smawatch_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smawatch_redis_write_duration_seconds",
			Help:    "Redis publish latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smawatch_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smawatch_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smawatch_redis_buffered_writes_total",
			Help: "Results buffered locally during Redis circuit breaker open state",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smawatch_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smawatch_session_transitions_total",
			Help: "Market session transitions (open, close)",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.QuotesTotal,
		m.QuoteErrors,
		m.DroppedQuotes,
		m.WSReconnects,
		m.BarsMerged,
		m.FetchErrors,
		m.FetchDur,
		m.PollsSkipped,
		m.LastBarLagSec,
		m.ComputeDur,
		m.Results,
		m.Rollovers,
		m.SQLiteCommitDur,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// HealthStatus represents the tracker's health.
type HealthStatus struct {
	mu sync.RWMutex

	RunID          string
	Session        string
	LastQuoteTime  time.Time
	LastPollTime   time.Time
	LastPollOK     bool
	RedisEnabled   bool
	RedisConnected bool
	SQLiteOK       bool
	Intervals      []string

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(runID string) *HealthStatus {
	return &HealthStatus{
		RunID:     runID,
		StartedAt: time.Now(),
		SQLiteOK:  true,
	}
}

func (h *HealthStatus) SetSession(s string) {
	h.mu.Lock()
	h.Session = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastQuoteTime(t time.Time) {
	h.mu.Lock()
	h.LastQuoteTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetPoll(ok bool) {
	h.mu.Lock()
	h.LastPollTime = time.Now()
	h.LastPollOK = ok
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetIntervals(ivs []string) {
	h.mu.Lock()
	h.Intervals = ivs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	pollFailing := !h.LastPollTime.IsZero() && !h.LastPollOK
	if redisDown || pollFailing || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && pollFailing {
		overallStatus = "unhealthy"
	}

	quoteAge := ""
	if !h.LastQuoteTime.IsZero() {
		quoteAge = time.Since(h.LastQuoteTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		RunID           string   `json:"run_id"`
		Uptime          string   `json:"uptime"`
		Session         string   `json:"session"`
		LastQuoteTime   string   `json:"last_quote_time"`
		QuoteAge        string   `json:"quote_age"`
		LastPollTime    string   `json:"last_poll_time"`
		LastPollOK      bool     `json:"last_poll_ok"`
		RedisEnabled    bool     `json:"redis_enabled"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Intervals       []string `json:"intervals"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		RunID:           h.RunID,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Session:         h.Session,
		LastQuoteTime:   h.LastQuoteTime.Format(time.RFC3339),
		QuoteAge:        quoteAge,
		LastPollTime:    h.LastPollTime.Format(time.RFC3339),
		LastPollOK:      h.LastPollOK,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Intervals:       h.Intervals,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
