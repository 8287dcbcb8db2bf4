// Package notification delivers operational alerts (a moving-average series
// dropping to unavailable, Redis fan-out tripping) to external channels.
package notification

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"smawatch/internal/model"

	"golang.org/x/time/rate"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Symbol  string     `json:"symbol,omitempty"`

	// Set for series status transitions.
	Series string `json:"series,omitempty"` // result key, e.g. "20:day:20"
	From   string `json:"from,omitempty"`   // previous status, empty on first sight
	To     string `json:"to,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StatusWatcher turns committed result status changes into alerts: a series
// leaving "ok" raises a warning, returning to "ok" an info. Alerts beyond
// the rate limit are dropped; sends run in the background.
type StatusWatcher struct {
	n       Notifier
	symbol  string
	limiter *rate.Limiter
	timeout time.Duration

	mu   sync.Mutex
	last map[string]string // result key -> status
	wg   sync.WaitGroup

	// OnDropped is called for every alert discarded by the rate limit (optional).
	OnDropped func(Alert)
}

// NewStatusWatcher creates a watcher allowing perMinute alerts per minute
// with bursts of the same size.
func NewStatusWatcher(n Notifier, symbol string, perMinute int) *StatusWatcher {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &StatusWatcher{
		n:       n,
		symbol:  symbol,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		timeout: 10 * time.Second,
		last:    make(map[string]string),
	}
}

// ObserveResults compares committed results with the previous status of each
// series. Live projections are ignored. The first status seen for a series
// only alerts when it is not ok.
func (w *StatusWatcher) ObserveResults(results []model.MAResult) {
	for i := range results {
		r := &results[i]
		if r.Live {
			continue
		}
		key := r.Key()
		w.mu.Lock()
		prev, seen := w.last[key]
		w.last[key] = r.Status
		w.mu.Unlock()

		switch {
		case seen && prev == r.Status:
		case r.Status != model.StatusOK && (prev == model.StatusOK || !seen):
			w.Notify(Alert{
				Level:   AlertWarning,
				Title:   "MA" + r.Label + " " + string(r.Interval) + " unavailable",
				Message: r.Name() + " on " + string(r.Interval) + " is " + r.Status,
				Series:  key,
				From:    prev,
				To:      r.Status,
			})
		case r.Status == model.StatusOK && seen:
			w.Notify(Alert{
				Level:   AlertInfo,
				Title:   "MA" + r.Label + " " + string(r.Interval) + " recovered",
				Message: r.Name() + " on " + string(r.Interval) + " is available again after " + prev,
				Series:  key,
				From:    prev,
				To:      r.Status,
			})
		}
	}
}

// Notify sends alert in the background unless the rate limit is exhausted.
func (w *StatusWatcher) Notify(alert Alert) {
	if alert.Symbol == "" {
		alert.Symbol = w.symbol
	}
	if !w.limiter.Allow() {
		if w.OnDropped != nil {
			w.OnDropped(alert)
		}
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.n.Send(ctx, alert); err != nil {
			log.Printf("[notify] WARNING: alert %q not delivered: %v", alert.Title, err)
		}
	}()
}

// Wait blocks until every in-flight alert has been sent.
func (w *StatusWatcher) Wait() { w.wg.Wait() }
