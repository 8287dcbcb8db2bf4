package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Bar is one closed (or forming) OHLC bar identified by its close time.
// Daily bars carry the trading date at midnight exchange time.
type Bar struct {
	TS     time.Time `json:"ts"` // close time, bar-right-closed
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// BarSeries is the ordered bar container for a single interval.
// Bars are ascending by TS with no duplicate timestamps. On duplicate
// timestamps the most recently merged bar wins.
type BarSeries struct {
	bars []Bar
}

// NewBarSeries builds a series from bars in any order. Later entries in bars
// win over earlier entries with the same timestamp.
func NewBarSeries(bars []Bar) *BarSeries {
	s := &BarSeries{}
	s.Merge(bars)
	return s
}

// Merge folds fetched bars into the series (keep-last on duplicate timestamps)
// and returns how many timestamps were new.
func (s *BarSeries) Merge(fetched []Bar) int {
	if len(fetched) == 0 {
		return 0
	}
	incoming := dedupKeepLast(fetched)

	// Fast path: everything is strictly after our last bar.
	if len(s.bars) == 0 || incoming[0].TS.After(s.bars[len(s.bars)-1].TS) {
		s.bars = append(s.bars, incoming...)
		return len(incoming)
	}

	merged := make([]Bar, 0, len(s.bars)+len(incoming))
	added := 0
	i, j := 0, 0
	for i < len(s.bars) && j < len(incoming) {
		a, b := s.bars[i], incoming[j]
		switch {
		case a.TS.Before(b.TS):
			merged = append(merged, a)
			i++
		case b.TS.Before(a.TS):
			merged = append(merged, b)
			added++
			j++
		default:
			merged = append(merged, b) // fresh fetch replaces stored bar
			i++
			j++
		}
	}
	merged = append(merged, s.bars[i:]...)
	added += len(incoming) - j
	merged = append(merged, incoming[j:]...)
	s.bars = merged
	return added
}

// dedupKeepLast sorts a copy of bars ascending and keeps the last occurrence
// of each timestamp.
func dedupKeepLast(bars []Bar) []Bar {
	cp := make([]Bar, len(bars))
	copy(cp, bars)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].TS.Before(cp[j].TS) })

	out := cp[:0]
	for _, b := range cp {
		if n := len(out); n > 0 && out[n-1].TS.Equal(b.TS) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// Len returns the number of bars.
func (s *BarSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.bars)
}

// At returns the i-th bar (ascending order).
func (s *BarSeries) At(i int) Bar { return s.bars[i] }

// Last returns the newest bar and false if the series is empty.
func (s *BarSeries) Last() (Bar, bool) {
	if s.Len() == 0 {
		return Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// IndexOf returns the index of the bar closing at ts, or -1.
func (s *BarSeries) IndexOf(ts time.Time) int {
	if s.Len() == 0 {
		return -1
	}
	i := sort.Search(len(s.bars), func(i int) bool { return !s.bars[i].TS.Before(ts) })
	if i < len(s.bars) && s.bars[i].TS.Equal(ts) {
		return i
	}
	return -1
}

// Bars returns a copy of the underlying bars.
func (s *BarSeries) Bars() []Bar {
	if s.Len() == 0 {
		return nil
	}
	cp := make([]Bar, len(s.bars))
	copy(cp, s.bars)
	return cp
}

// Clone returns an independent copy, used for consistent read snapshots.
func (s *BarSeries) Clone() *BarSeries {
	return &BarSeries{bars: s.Bars()}
}

// Tail returns a copy of the series keeping only the newest n bars.
func (s *BarSeries) Tail(n int) *BarSeries {
	if n <= 0 || s.Len() <= n {
		return s.Clone()
	}
	cp := make([]Bar, n)
	copy(cp, s.bars[len(s.bars)-n:])
	return &BarSeries{bars: cp}
}

// Since returns bars strictly after ts.
func (s *BarSeries) Since(ts time.Time) []Bar {
	if s.Len() == 0 {
		return nil
	}
	i := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].TS.After(ts) })
	cp := make([]Bar, len(s.bars)-i)
	copy(cp, s.bars[i:])
	return cp
}
