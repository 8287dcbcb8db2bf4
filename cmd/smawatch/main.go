package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"smawatch/config"
	"smawatch/internal/feed"
	"smawatch/internal/indicator"
	"smawatch/internal/logger"
	"smawatch/internal/markethours"
	"smawatch/internal/metrics"
	"smawatch/internal/model"
	"smawatch/internal/notification"
	pgstore "smawatch/internal/store/postgres"
	redisstore "smawatch/internal/store/redis"
	sqlitestore "smawatch/internal/store/sqlite"
	"smawatch/internal/tracker"

	goredis "github.com/go-redis/redis/v8"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[smawatch] %v", err)
	}

	runID := logger.NewRunID()
	_, logCloser := logger.Setup(logger.Options{
		Service: "smawatch",
		Level:   logger.ParseLevel(cfg.LogLevel),
		RunID:   runID,
		File:    cfg.LogFile,
	})
	defer logCloser.Close()
	log.Printf("[smawatch] starting (run %s)...", runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus(runID)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookToken))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewStatusWatcher(notifiers, cfg.Symbol, cfg.AlertsPerMinute)
	log.Printf("[smawatch] alerting via %d channel(s)", len(notifiers))

	// ---- Trading calendar ----
	var days model.TradingDayProvider
	if cfg.CalendarSource == "static" {
		days = markethours.NewStaticProvider(time.Now(), cfg.CalendarYearsBack)
	} else {
		days = markethours.NewExchangeProvider(markethours.DefaultMIC, time.Now(), cfg.CalendarYearsBack)
	}
	cal := markethours.New(days, nil)
	cal.OnRefresh = func(n int, err error) {
		if err != nil {
			slog.Warn("trading calendar refresh failed", "error", err)
			return
		}
		slog.Info("trading calendar refreshed", "days", n)
	}

	// ---- Bar and quote sources ----
	var (
		clock  model.Clock = model.SystemClock
		bars   model.BarProvider
		quotes model.QuoteProvider
	)
	switch cfg.Feed {
	case config.FeedCSV:
		bars = feed.NewCSVFeed(cfg.CSVBase)
	case config.FeedReplay:
		replay, err := feed.NewReplay(ctx, cal, feed.NewCSVFeed(cfg.CSVBase), cfg.ReplayStart)
		if err != nil {
			log.Fatalf("[smawatch] replay init failed: %v", err)
		}
		clock, bars, quotes = replay, replay, replay
	case config.FeedHTTP:
		hf, err := feed.NewHTTPFeed(feed.HTTPConfig{BaseURL: cfg.HTTPBaseURL, Symbol: cfg.Symbol, RPS: cfg.HTTPRPS})
		if err != nil {
			log.Fatalf("[smawatch] http feed init failed: %v", err)
		}
		bars, quotes = hf, hf
	}

	if cfg.QuoteWSURL != "" {
		ws, err := feed.NewWSQuotes(feed.WSConfig{URL: cfg.QuoteWSURL, MaxAge: cfg.QuoteMaxAge})
		if err != nil {
			log.Fatalf("[smawatch] quote stream init failed: %v", err)
		}
		ws.OnReconnect = func() { prom.WSReconnects.Inc() }
		go func() {
			if err := ws.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[smawatch] quote stream error: %v", err)
			}
		}()
		quotes = ws
		log.Printf("[smawatch] live quotes from %s", cfg.QuoteWSURL)
	}

	// ---- Bar repository ----
	var (
		repo      model.BarRepository
		snapStore model.SnapshotStore
		repoName  string
		sqlDB     *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pg, err := pgstore.New(pgstore.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			log.Fatalf("[smawatch] postgres init failed: %v", err)
		}
		repo, snapStore, repoName, sqlDB = pg, pg, "postgres", pg.DB().DB
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			log.Fatalf("[smawatch] data dir: %v", err)
		}
		sq, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[smawatch] sqlite init failed: %v", err)
		}
		repo, snapStore, repoName, sqlDB = sq, sq, "sqlite", sq.DB()
	}
	defer repo.Close()
	log.Printf("[smawatch] %s bar repository ready", repoName)

	// ---- Redis fan-out (optional) ----
	var (
		publisher   model.ResultPublisher
		quoteSink   tracker.QuoteSink
		redisWriter *redisstore.Writer
		redisSnap   model.SnapshotStore
		rdb         *goredis.Client
	)
	health.SetRedisEnabled(cfg.RedisAddr != "")
	if cfg.RedisAddr != "" {
		redisWriter, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Symbol:   cfg.Symbol,
		})
		if err != nil {
			log.Printf("[smawatch] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				switch to {
				case redisstore.StateOpen:
					prom.RedisCircuitBreakerTrips.Inc()
					alerts.Notify(notification.Alert{Level: notification.AlertCritical,
						Title: "Redis fan-out paused", Message: "circuit breaker opened; committed results are buffered"})
				case redisstore.StateClosed:
					alerts.Notify(notification.Alert{Level: notification.AlertInfo,
						Title: "Redis fan-out resumed", Message: "circuit breaker closed from " + from.String()})
				}
			}
			bw := redisstore.NewBufferedWriter(ctx, redisWriter, cb, 10000)
			bw.OnBuffer = func(n int) { prom.RedisBufferedWrites.Add(float64(n)) }
			bw.OnFlush = func(n int) { log.Printf("[smawatch] flushed %d buffered results to redis", n) }
			publisher, quoteSink, redisSnap, rdb = bw, redisWriter, redisWriter, redisWriter.Client()
			health.CheckRedis(ctx, rdb)
			log.Println("[smawatch] redis writer ready (circuit breaker: 5 failures / 30s reset)")
		}
	}

	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	// ---- Engine ----
	windows, err := cfg.Windows()
	if err != nil {
		log.Fatalf("[smawatch] windows: %v", err)
	}
	for _, err := range windows.Validate() {
		log.Printf("[smawatch] WARNING: %v", err)
	}
	engine := indicator.NewEngine(cal, windows, cfg.MaxProjectionGap)

	restorer := indicator.NewRestorer(
		indicator.NamedStore{Name: "redis", Store: redisSnap},
		indicator.NamedStore{Name: repoName, Store: snapStore},
	)

	svc := tracker.New(tracker.Deps{
		Clock:     clock,
		Calendar:  cal,
		Bars:      bars,
		Quotes:    quotes,
		Repo:      repo,
		Publisher: publisher,
		QuoteSink: quoteSink,
		Restorer:  restorer,
		Metrics:   prom,
		Health:    health,
		Alerts:    alerts,
	}, engine, tracker.Options{
		Symbol:         cfg.Symbol,
		QuotePoll:      cfg.QuotePoll,
		MaxIdleWait:    cfg.MaxIdleWait,
		HistSchedule:   cfg.HistSchedule,
		SnapshotPoints: cfg.SnapshotPoints,
	})

	// ---- Signals ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				w, err := cfg.Windows()
				if err != nil {
					log.Printf("[smawatch] windows reload failed: %v", err)
					continue
				}
				svc.ReloadWindows(ctx, w)
				continue
			}
			log.Println("[smawatch] shutdown signal received, cleaning up...")
			cancel()
			return
		}
	}()

	log.Println("[smawatch] ╔═══════════════════════════════════════════════════════════════╗")
	log.Println("[smawatch] ║  Session-aligned moving averages                              ║")
	log.Println("[smawatch] ║                                                               ║")
	log.Println("[smawatch] ║  [Bars] → [Merge] → [Commit] ──┐                              ║")
	log.Println("[smawatch] ║  [Quote] → [Aggregate] → [Project] → [Redis/summary]          ║")
	log.Printf("[smawatch] ║  Symbol: %-53s ║", cfg.Symbol)
	log.Printf("[smawatch] ║  Feed: %-55s ║", cfg.Feed)
	log.Printf("[smawatch] ║  Windows: %-52v ║", windows.Labels())
	log.Println("[smawatch] ╚═══════════════════════════════════════════════════════════════╝")

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[smawatch] %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	if redisWriter != nil {
		redisWriter.Close()
	}
	alerts.Wait()
	log.Println("[smawatch] shutdown complete.")
}
