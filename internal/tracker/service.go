// Package tracker runs the two workers that keep the moving averages
// current: a cron-scheduled historical poller that merges closed bars and
// commits new averages, and a realtime loop that projects every window from
// the latest quote while the session is open.
package tracker

import (
	"context"
	"log"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"smawatch/internal/indicator"
	"smawatch/internal/logger"
	"smawatch/internal/marketdata/agg"
	"smawatch/internal/markethours"
	"smawatch/internal/metrics"
	"smawatch/internal/model"
	"smawatch/internal/notification"

	"github.com/robfig/cron/v3"
)

// QuoteSink receives every observed live quote (e.g. the Redis writer).
type QuoteSink interface {
	PublishQuote(ctx context.Context, q model.Quote) error
}

// Deps are the collaborators a Service is wired with. Only Clock, Calendar
// and Bars are required.
type Deps struct {
	Clock     model.Clock
	Calendar  *markethours.Calendar
	Bars      model.BarProvider
	Quotes    model.QuoteProvider // nil disables the realtime worker
	Repo      model.BarRepository
	Publisher model.ResultPublisher
	QuoteSink QuoteSink
	Restorer  *indicator.Restorer
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
	Alerts    *notification.StatusWatcher
}

// Options tune the workers.
type Options struct {
	Symbol         string
	QuotePoll      time.Duration // realtime loop period, default 5s
	MaxIdleWait    time.Duration // cap on one out-of-session sleep, default 5m
	HistSchedule   string        // cron spec, default "@every 1m"
	SnapshotPoints int           // points per series kept in snapshots, default 64
}

func (o *Options) defaults() {
	if o.QuotePoll <= 0 {
		o.QuotePoll = 5 * time.Second
	}
	if o.MaxIdleWait <= 0 {
		o.MaxIdleWait = 5 * time.Minute
	}
	if o.HistSchedule == "" {
		o.HistSchedule = "@every 1m"
	}
	if o.SnapshotPoints <= 0 {
		o.SnapshotPoints = 64
	}
}

// Service is the top-level orchestrator. It owns the bar store, the
// aggregator and the engine and coordinates the two workers.
type Service struct {
	deps   Deps
	opts   Options
	engine *indicator.Engine
	agg    *agg.Aggregator
	store  *BarStore
	cron   *cron.Cron

	pollMu    sync.Mutex // one historical pass at a time
	restored  bool
	inSession bool
	runCtx    context.Context
	wg        sync.WaitGroup

	// OnSummary receives the rendered realtime summary (default: log).
	OnSummary func(string)
}

// New creates a Service around engine.
func New(deps Deps, engine *indicator.Engine, opts Options) *Service {
	opts.defaults()
	if deps.Clock == nil {
		deps.Clock = model.SystemClock
	}
	svc := &Service{
		deps:   deps,
		opts:   opts,
		engine: engine,
		agg:    agg.New(deps.Calendar, model.Intervals),
		store:  NewBarStore(opts.Symbol, deps.Repo),
		OnSummary: func(s string) {
			log.Printf("[tracker] %s", s)
		},
	}
	svc.agg.OnDroppedTick = func() {
		if deps.Metrics != nil {
			deps.Metrics.DroppedQuotes.Inc()
		}
	}
	svc.agg.OnRollover = svc.onRollover
	return svc
}

// Engine returns the engine the service drives.
func (svc *Service) Engine() *indicator.Engine { return svc.engine }

// Store returns the bar store.
func (svc *Service) Store() *BarStore { return svc.store }

// Run starts both workers and blocks until ctx is cancelled, then shuts
// down gracefully.
func (svc *Service) Run(ctx context.Context) error {
	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	svc.Shutdown()
	return nil
}

// Start loads stored bars, restores or bootstraps the engine, runs one
// historical pass and launches the cron poller and realtime loop.
func (svc *Service) Start(ctx context.Context) error {
	svc.runCtx = ctx
	log.Println("[tracker] starting...")

	for _, iv := range svc.engine.Intervals() {
		n, err := svc.store.Load(ctx, iv)
		if err != nil {
			log.Printf("[tracker] WARNING: %v (starting %s from an empty series)", err, iv)
			continue
		}
		if n > 0 {
			log.Printf("[tracker] loaded %d stored %s bars", n, iv)
		}
	}

	if svc.deps.Restorer != nil {
		svc.restored = svc.deps.Restorer.Restore(ctx, svc.engine) > 0
	}
	for _, iv := range svc.engine.Intervals() {
		svc.store.Update(iv, func(b *model.BarSeries) {
			var results []model.MAResult
			if svc.restored {
				// Extend re-proves continuity against the stored bars.
				results = svc.engine.Update(iv, b)
			} else {
				results = svc.engine.Load(iv, b)
			}
			svc.countResults(results)
		})
	}
	svc.countResults(svc.engine.Invalid())

	svc.PollHistorical(ctx)

	svc.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := svc.cron.AddFunc(svc.opts.HistSchedule, func() { svc.PollHistorical(ctx) }); err != nil {
		return err
	}
	svc.cron.Start()
	log.Printf("[tracker] historical poller scheduled (%s)", svc.opts.HistSchedule)

	if svc.deps.Quotes != nil {
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.runRealtime(ctx)
		}()
	} else {
		log.Println("[tracker] no quote provider, realtime projection disabled")
	}

	if svc.deps.Health != nil {
		var ivs []string
		for _, iv := range svc.engine.Intervals() {
			ivs = append(ivs, string(iv))
		}
		svc.deps.Health.SetIntervals(ivs)
	}
	log.Printf("[tracker] ✅ running: %s", svc.deps.Calendar.Status(svc.deps.Clock.Now()))
	return nil
}

// Shutdown stops the poller (waiting for a running pass), waits for the
// realtime loop and saves a final snapshot. ctx passed to Start must already
// be cancelled or about to be.
func (svc *Service) Shutdown() {
	log.Println("[tracker] shutting down...")
	if svc.cron != nil {
		<-svc.cron.Stop().Done()
	}
	svc.wg.Wait()
	svc.saveSnapshot()
	log.Println("[tracker] shutdown complete.")
}

// ── Historical worker ──

// PollHistorical runs one pass over every configured interval. A pass that
// starts while another is running is skipped.
func (svc *Service) PollHistorical(ctx context.Context) {
	if !svc.pollMu.TryLock() {
		return
	}
	defer svc.pollMu.Unlock()

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("poll"))
	start := time.Now()
	merged, failed := 0, 0
	for _, iv := range svc.engine.Intervals() {
		if ctx.Err() != nil {
			return
		}
		n, err := svc.PollInterval(ctx, iv)
		if err != nil {
			failed++
			slog.Warn("historical fetch failed", append(logger.LogWithTrace(ctx),
				slog.String("interval", string(iv)), slog.String("error", err.Error()))...)
			continue
		}
		merged += n
	}

	if svc.deps.Health != nil {
		svc.deps.Health.SetPoll(failed == 0)
	}
	if merged > 0 {
		svc.saveSnapshot()
	}
	slog.Debug("historical poll complete", append(logger.LogWithTrace(ctx),
		slog.Int("merged", merged), slog.Int("failed", failed),
		slog.Duration("took", time.Since(start)))...)
}

// PollInterval fetches iv's bars, merges them, commits new averages and
// publishes them. It does nothing when the newest stored bar is already the
// last closed one. Returns the number of new bars.
func (svc *Service) PollInterval(ctx context.Context, iv model.Interval) (int, error) {
	now := svc.deps.Clock.Now()
	lastClosed := svc.deps.Calendar.LastClosedIntervalClose(iv, now)
	if last, ok := svc.store.LastTS(iv); ok {
		if svc.deps.Metrics != nil {
			svc.deps.Metrics.LastBarLagSec.WithLabelValues(string(iv)).Set(now.Sub(last).Seconds())
		}
		if !lastClosed.IsZero() && last.Equal(lastClosed) {
			if svc.deps.Metrics != nil {
				svc.deps.Metrics.PollsSkipped.WithLabelValues(string(iv)).Inc()
			}
			return 0, nil
		}
	}

	fetchStart := time.Now()
	bars, err := svc.deps.Bars.FetchBars(ctx, iv)
	if svc.deps.Metrics != nil {
		svc.deps.Metrics.FetchDur.WithLabelValues(string(iv)).Observe(time.Since(fetchStart).Seconds())
	}
	if err != nil {
		if svc.deps.Metrics != nil {
			svc.deps.Metrics.FetchErrors.WithLabelValues(string(iv)).Inc()
		}
		return 0, err
	}
	bars = closedBars(bars, lastClosed)

	var results []model.MAResult
	added := svc.store.Merge(ctx, iv, bars, func(b *model.BarSeries) {
		computeStart := time.Now()
		results = svc.engine.Update(iv, b)
		if svc.deps.Metrics != nil {
			svc.deps.Metrics.ComputeDur.Observe(time.Since(computeStart).Seconds())
		}
	})
	if added == 0 {
		return 0, nil
	}

	if svc.deps.Metrics != nil {
		svc.deps.Metrics.BarsMerged.WithLabelValues(string(iv)).Add(float64(added))
	}
	svc.countResults(results)
	svc.publish(ctx, results)
	log.Printf("[tracker] merged %d new %s bars", added, iv)
	return added, nil
}

// closedBars drops bars closing after lastClosed, such as the forming bar
// some providers append.
func closedBars(bars []model.Bar, lastClosed time.Time) []model.Bar {
	if lastClosed.IsZero() {
		return bars
	}
	out := bars[:0:0]
	for _, b := range bars {
		if !b.TS.After(lastClosed) {
			out = append(out, b)
		}
	}
	return out
}

func (svc *Service) onRollover(iv model.Interval, closed time.Time) {
	if svc.deps.Metrics != nil {
		svc.deps.Metrics.Rollovers.WithLabelValues(string(iv)).Inc()
	}
	// The bar that just closed is usually available from the provider now.
	if ctx := svc.runCtx; ctx != nil && ctx.Err() == nil {
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.PollHistorical(ctx)
		}()
	}
}

// ── Realtime worker ──

func (svc *Service) runRealtime(ctx context.Context) {
	for {
		wait := svc.RealtimeStep(ctx)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// RealtimeStep runs one realtime iteration and returns how long to wait
// before the next one.
func (svc *Service) RealtimeStep(ctx context.Context) time.Duration {
	now := svc.deps.Clock.Now()
	cal := svc.deps.Calendar

	if !cal.IsRealtimeDataAvailable(now) {
		svc.agg.Reset()
		svc.setSession(false, now)
		next := cal.NextRealtimeStart(now)
		if next.IsZero() {
			return svc.opts.MaxIdleWait
		}
		wait := next.Sub(now)
		if wait <= 0 {
			return svc.opts.QuotePoll
		}
		if wait > svc.opts.MaxIdleWait {
			wait = svc.opts.MaxIdleWait
		}
		return wait
	}
	svc.setSession(true, now)

	q, err := svc.deps.Quotes.Quote(ctx)
	if err != nil {
		if svc.deps.Metrics != nil {
			svc.deps.Metrics.QuoteErrors.Inc()
		}
		log.Printf("[tracker] quote unavailable: %v", err)
		return svc.opts.QuotePoll
	}
	if svc.deps.Metrics != nil {
		svc.deps.Metrics.QuotesTotal.Inc()
	}
	if svc.deps.Health != nil {
		svc.deps.Health.SetLastQuoteTime(q.TS)
	}
	if svc.deps.QuoteSink != nil {
		if err := svc.deps.QuoteSink.PublishQuote(ctx, q); err != nil {
			log.Printf("[tracker] quote publish failed: %v", err)
		}
	}
	if !svc.agg.Observe(q) {
		// Stale quote from before the open or after the close.
		return svc.opts.QuotePoll
	}

	live, committed := svc.Project()
	svc.countResults(live)
	svc.publish(ctx, live)
	if svc.OnSummary != nil {
		svc.OnSummary(FormatSummary(svc.engine.Labels(), q, cal.Status(q.TS), committed, live))
	}
	return svc.opts.QuotePoll
}

// Project returns live projections for every interval that has realtime
// state and the latest committed values, including invalid window entries.
func (svc *Service) Project() (live, committed []model.MAResult) {
	for _, iv := range svc.engine.Intervals() {
		committed = append(committed, svc.engine.Committed(iv)...)
		st, ok := svc.agg.State(iv)
		if !ok {
			continue
		}
		svc.store.View(iv, func(b *model.BarSeries) {
			start := time.Now()
			live = append(live, svc.engine.ProjectInterval(iv, b, st)...)
			if svc.deps.Metrics != nil {
				svc.deps.Metrics.ComputeDur.Observe(time.Since(start).Seconds())
			}
		})
	}
	committed = append(committed, svc.engine.Invalid()...)
	return live, committed
}

func (svc *Service) setSession(open bool, now time.Time) {
	if open == svc.inSession {
		return
	}
	svc.inSession = open
	status := svc.deps.Calendar.Status(now)
	log.Printf("[tracker] %s", status)
	if svc.deps.Health != nil {
		svc.deps.Health.SetSession(status)
	}
	if m := svc.deps.Metrics; m != nil {
		kind, v := "close", 0.0
		if open {
			kind, v = "open", 1.0
		}
		m.MarketState.Set(v)
		m.SessionTransitions.WithLabelValues(kind).Inc()
	}
}

// ── Windows reload ──

// ReloadWindows swaps the window table and commits every new window right
// away from the stored bars.
func (svc *Service) ReloadWindows(ctx context.Context, w indicator.Windows) {
	svc.pollMu.Lock()
	defer svc.pollMu.Unlock()

	preserved, dropped := svc.engine.ReloadWindows(w)
	log.Printf("[tracker] windows reloaded: %d series preserved, %d dropped", preserved, dropped)
	for _, iv := range svc.engine.Intervals() {
		if svc.store.Len(iv) == 0 {
			if _, err := svc.store.Load(ctx, iv); err != nil {
				log.Printf("[tracker] WARNING: %v", err)
			}
		}
		var results []model.MAResult
		svc.store.Update(iv, func(b *model.BarSeries) {
			results = svc.engine.Update(iv, b)
		})
		svc.countResults(results)
		svc.publish(ctx, results)
	}
}

// ── helpers ──

func (svc *Service) publish(ctx context.Context, results []model.MAResult) {
	if svc.deps.Publisher == nil || len(results) == 0 {
		return
	}
	start := time.Now()
	svc.deps.Publisher.PublishResults(ctx, results)
	if svc.deps.Metrics != nil {
		svc.deps.Metrics.RedisWriteDur.Observe(time.Since(start).Seconds())
	}
}

func (svc *Service) countResults(results []model.MAResult) {
	if svc.deps.Alerts != nil {
		svc.deps.Alerts.ObserveResults(results)
	}
	if svc.deps.Metrics == nil {
		return
	}
	for _, r := range results {
		svc.deps.Metrics.Results.WithLabelValues(r.Status, strconv.FormatBool(r.Live)).Inc()
	}
}

func (svc *Service) saveSnapshot() {
	if svc.deps.Restorer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.deps.Restorer.Save(ctx, svc.engine, svc.opts.SnapshotPoints); err != nil {
		log.Printf("[tracker] snapshot save error: %v", err)
		return
	}
	log.Printf("[tracker] ✅ checkpoint saved (%d series)", len(svc.engine.Keys()))
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
