package tracker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"smawatch/internal/model"
)

// intervalBars is one interval's bar series and the lock that guards it.
// The historical worker holds the write lock across merge + engine update;
// the realtime worker projects under the read lock.
type intervalBars struct {
	mu     sync.RWMutex
	series *model.BarSeries
}

// BarStore holds the in-memory bar series of every interval, optionally
// backed by a BarRepository.
type BarStore struct {
	symbol string
	repo   model.BarRepository // may be nil

	mu  sync.Mutex
	ivs map[model.Interval]*intervalBars
}

// NewBarStore creates an empty store.
func NewBarStore(symbol string, repo model.BarRepository) *BarStore {
	return &BarStore{
		symbol: symbol,
		repo:   repo,
		ivs:    make(map[model.Interval]*intervalBars),
	}
}

func (s *BarStore) get(iv model.Interval) *intervalBars {
	s.mu.Lock()
	defer s.mu.Unlock()
	ib, ok := s.ivs[iv]
	if !ok {
		ib = &intervalBars{series: model.NewBarSeries(nil)}
		s.ivs[iv] = ib
	}
	return ib
}

// Load reads iv's stored bars from the repository.
func (s *BarStore) Load(ctx context.Context, iv model.Interval) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	bars, err := s.repo.LoadBars(ctx, s.symbol, iv)
	if err != nil {
		return 0, fmt.Errorf("load %s bars: %w", iv, err)
	}
	ib := s.get(iv)
	ib.mu.Lock()
	ib.series.Merge(bars)
	n := ib.series.Len()
	ib.mu.Unlock()
	return n, nil
}

// Merge folds fetched bars into iv's series, persists them and calls fn with
// the merged series while still holding the write lock. Returns the number
// of bars that were not present before.
func (s *BarStore) Merge(ctx context.Context, iv model.Interval, fetched []model.Bar, fn func(*model.BarSeries)) int {
	ib := s.get(iv)
	ib.mu.Lock()
	defer ib.mu.Unlock()

	added := ib.series.Merge(fetched)
	if s.repo != nil && len(fetched) > 0 {
		if err := s.repo.SaveBars(ctx, s.symbol, iv, fetched); err != nil {
			// The in-memory series stays authoritative; the next poll re-saves.
			log.Printf("[tracker] WARNING: persisting %d %s bars failed: %v", len(fetched), iv, err)
		}
	}
	if fn != nil {
		fn(ib.series)
	}
	return added
}

// View calls fn with iv's series under the read lock. fn must not retain it.
func (s *BarStore) View(iv model.Interval, fn func(*model.BarSeries)) {
	ib := s.get(iv)
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	fn(ib.series)
}

// Update calls fn with iv's series under the write lock.
func (s *BarStore) Update(iv model.Interval, fn func(*model.BarSeries)) {
	ib := s.get(iv)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	fn(ib.series)
}

// LastTS returns the close of iv's newest bar.
func (s *BarStore) LastTS(iv model.Interval) (time.Time, bool) {
	var ts time.Time
	var ok bool
	s.View(iv, func(b *model.BarSeries) {
		var last model.Bar
		if last, ok = b.Last(); ok {
			ts = last.TS
		}
	})
	return ts, ok
}

// Len returns the number of bars held for iv.
func (s *BarStore) Len(iv model.Interval) int {
	n := 0
	s.View(iv, func(b *model.BarSeries) { n = b.Len() })
	return n
}
