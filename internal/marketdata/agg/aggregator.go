package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"smawatch/internal/markethours"
	"smawatch/internal/model"
)

// RealtimeState is the forming bar of one interval as seen from live quotes.
// PrevClose/PrevClosePrice are only set once a rollover has been observed.
type RealtimeState struct {
	ThisClose      time.Time // close boundary of the forming bar
	LastPrice      float64
	LastTime       time.Time
	PrevClose      time.Time // close boundary of the bar before ThisClose
	PrevClosePrice float64   // last price seen in that bar
	HasPrev        bool
}

// Aggregator tracks, per interval, which bar live quotes fall into and the
// last price of the previous bar. One rollover at most per tick: a quote
// cadence coarser than the interval skips bars, which the projection step
// reports as a gap.
type Aggregator struct {
	cal       *markethours.Calendar
	intervals []model.Interval

	mu     sync.RWMutex
	states map[model.Interval]*RealtimeState

	// Metrics hooks (optional, set externally)
	OnRollover    func(iv model.Interval, closed time.Time)
	OnDroppedTick func()
}

// New creates an Aggregator for the given intervals.
func New(cal *markethours.Calendar, intervals []model.Interval) *Aggregator {
	return &Aggregator{
		cal:       cal,
		intervals: intervals,
		states:    make(map[model.Interval]*RealtimeState),
	}
}

// Run consumes quotes from quoteCh in a single goroutine.
// Blocks until ctx is cancelled or quoteCh is closed.
func (a *Aggregator) Run(ctx context.Context, quoteCh <-chan model.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quoteCh:
			if !ok {
				return
			}
			a.Observe(q)
		}
	}
}

// Observe feeds one quote to every configured interval. Outside realtime
// availability all state is cleared and false is returned.
func (a *Aggregator) Observe(q model.Quote) bool {
	if !a.cal.IsRealtimeDataAvailable(q.TS) {
		a.Reset()
		return false
	}
	for _, iv := range a.intervals {
		a.OnTick(iv, q.Price, q.TS)
	}
	return true
}

// OnTick incorporates one price observation into the forming bar of iv.
func (a *Aggregator) OnTick(iv model.Interval, price float64, ts time.Time) {
	if !iv.Valid() {
		return
	}
	thisClose := a.cal.BarClose(iv, ts)

	a.mu.Lock()
	state, exists := a.states[iv]

	if exists && ts.Before(state.LastTime) {
		// Late quote: belongs to an older observation, drop it
		dropped := a.OnDroppedTick
		a.mu.Unlock()
		if dropped != nil {
			dropped()
		}
		return
	}

	var rolled time.Time
	switch {
	case !exists:
		state = &RealtimeState{ThisClose: thisClose}
		a.states[iv] = state
	case !state.ThisClose.Equal(thisClose):
		rolled = state.ThisClose
		state = &RealtimeState{
			ThisClose:      thisClose,
			PrevClose:      state.ThisClose,
			PrevClosePrice: state.LastPrice,
			HasPrev:        true,
		}
		a.states[iv] = state
	}
	state.LastPrice = price
	state.LastTime = ts
	hook := a.OnRollover
	a.mu.Unlock()

	if !rolled.IsZero() {
		log.Printf("[agg] %s rolled over: %s closed, forming %s", iv,
			rolled.Format(time.DateTime), thisClose.Format(time.DateTime))
		if hook != nil {
			hook(iv, rolled)
		}
	}
}

// State returns a copy of the current state for iv.
func (a *Aggregator) State(iv model.Interval) (RealtimeState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[iv]
	if !ok {
		return RealtimeState{}, false
	}
	return *s, true
}

// Reset drops all per-interval state.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.states) > 0 {
		a.states = make(map[model.Interval]*RealtimeState)
	}
}
