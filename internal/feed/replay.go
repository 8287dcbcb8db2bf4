package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"smawatch/internal/markethours"
	"smawatch/internal/model"
)

// Replay plays stored bars back as if they were live. It is a Clock, a
// QuoteProvider and a BarProvider at once: every Quote call advances the
// simulated now by one 5-minute bar and returns that bar's close, and
// FetchBars only returns what would have been closed at the simulated now.
// When the 5-minute data runs out the clock stops advancing.
type Replay struct {
	cal *markethours.Calendar

	mu   sync.Mutex
	now  time.Time
	bars map[model.Interval]*model.BarSeries
}

// NewReplay loads every interval from src and positions the simulated clock
// at the last 5-minute close at or before start.
func NewReplay(ctx context.Context, cal *markethours.Calendar, src model.BarProvider, start time.Time) (*Replay, error) {
	r := &Replay{cal: cal, bars: make(map[model.Interval]*model.BarSeries, len(model.Intervals))}
	for _, iv := range model.Intervals {
		bars, err := src.FetchBars(ctx, iv)
		if err != nil {
			return nil, fmt.Errorf("replay load %s: %w", iv, err)
		}
		r.bars[iv] = model.NewBarSeries(bars)
	}

	r.now = cal.LastClosedIntervalClose(model.Min5, start)
	if r.now.IsZero() {
		return nil, fmt.Errorf("replay start %s is outside the trading calendar", start.Format(time.DateTime))
	}
	log.Printf("[replay] starting at %s", r.now.In(markethours.CST).Format(time.DateTime))
	return r, nil
}

// Now implements model.Clock.
func (r *Replay) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Quote implements model.QuoteProvider.
func (r *Replay) Quote(ctx context.Context) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m5 := r.bars[model.Min5]
	next := r.cal.NextIntervalClose(model.Min5, r.now)
	if !next.IsZero() && m5.IndexOf(next) >= 0 {
		r.now = next
	}
	i := m5.IndexOf(r.now)
	if i < 0 {
		return model.Quote{}, fmt.Errorf("replay: no 5min bar at %s", r.now.In(markethours.CST).Format(time.DateTime))
	}
	return model.Quote{Price: m5.At(i).Close, TS: r.now}, nil
}

// FetchBars implements model.BarProvider. Daily bars include today only once
// the simulated clock has reached the afternoon close.
func (r *Replay) FetchBars(ctx context.Context, iv model.Interval) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bars[iv]
	if !ok {
		return nil, fmt.Errorf("replay: no %s data", iv)
	}
	cut := r.now
	if iv.IsDay() {
		day := markethours.DayOf(r.now)
		if markethours.ClockOf(r.now) != markethours.AfternoonClose {
			day = r.cal.PreviousTradingDay(day)
		}
		cut = r.cal.DayTime(day)
	}

	all := s.Bars()
	n := 0
	for n < len(all) && !all[n].TS.After(cut) {
		n++
	}
	return all[:n], nil
}
