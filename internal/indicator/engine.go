package indicator

import (
	"log"
	"sort"
	"sync"

	"smawatch/internal/marketdata/agg"
	"smawatch/internal/markethours"
	"smawatch/internal/model"
)

// DefaultMaxProjectionGap is the largest k Project extrapolates across.
const DefaultMaxProjectionGap = 2

// windowEntry is one configured window resolved for an interval.
type windowEntry struct {
	key SeriesKey
	raw float64 // configured count, may be invalid
}

// Engine owns the committed series of every configured window.
// Safe for concurrent use; callers serialize writes per interval.
type Engine struct {
	cal    *markethours.Calendar
	maxGap int

	mu      sync.RWMutex
	windows Windows
	byIv    map[model.Interval][]windowEntry
	unknown []windowEntry // entries whose interval is not a model interval
	series  map[SeriesKey]Series
}

// NewEngine creates an engine for the given window table. maxGap <= 0 means
// DefaultMaxProjectionGap.
func NewEngine(cal *markethours.Calendar, windows Windows, maxGap int) *Engine {
	if maxGap <= 0 {
		maxGap = DefaultMaxProjectionGap
	}
	e := &Engine{
		cal:    cal,
		maxGap: maxGap,
		series: make(map[SeriesKey]Series),
	}
	e.setWindows(windows)
	for _, err := range windows.Validate() {
		log.Printf("[indicator] WARNING: %v", err)
	}
	return e
}

func (e *Engine) setWindows(w Windows) {
	byIv := make(map[model.Interval][]windowEntry)
	var unknown []windowEntry
	for _, label := range w.Labels() {
		for _, spec := range w[label] {
			we := windowEntry{
				key: SeriesKey{Label: label, Interval: spec.Interval, Count: int(spec.Count)},
				raw: spec.Count,
			}
			if !spec.Interval.Valid() {
				unknown = append(unknown, we)
				continue
			}
			byIv[spec.Interval] = append(byIv[spec.Interval], we)
		}
	}
	e.windows = w
	e.byIv = byIv
	e.unknown = unknown
}

// Invalid returns an invalid result for every window entry whose interval
// is unknown. Such entries never reach Load, Update or ProjectInterval.
func (e *Engine) Invalid() []model.MAResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.unknown) == 0 {
		return nil
	}
	results := make([]model.MAResult, 0, len(e.unknown))
	for _, we := range e.unknown {
		results = append(results, model.MAResult{
			Label:    we.key.Label,
			Interval: we.key.Interval,
			Count:    we.key.Count,
			Status:   model.StatusInvalid,
		})
	}
	return results
}

// Intervals returns the configured intervals.
func (e *Engine) Intervals() []model.Interval {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.windows.Intervals()
}

// Labels returns the configured window labels, largest first.
func (e *Engine) Labels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.windows.Labels()
}

// MaxCount returns the largest valid window count configured for iv.
func (e *Engine) MaxCount(iv model.Interval) int {
	largest := 0
	for _, we := range e.entries(iv) {
		if n, err := ValidateCount(we.raw); err == nil && n > largest {
			largest = n
		}
	}
	return largest
}

func (e *Engine) entries(iv model.Interval) []windowEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byIv[iv]
}

// Load rebuilds every series of iv from bars.
func (e *Engine) Load(iv model.Interval, bars *model.BarSeries) []model.MAResult {
	return e.apply(iv, bars, false)
}

// Update extends every series of iv with the bars merged since the last call,
// rebuilding a series whenever continuity cannot be proven.
func (e *Engine) Update(iv model.Interval, bars *model.BarSeries) []model.MAResult {
	return e.apply(iv, bars, true)
}

func (e *Engine) apply(iv model.Interval, bars *model.BarSeries, incremental bool) []model.MAResult {
	entries := e.entries(iv)
	results := make([]model.MAResult, 0, len(entries))

	for _, we := range entries {
		res := model.MAResult{Label: we.key.Label, Interval: iv, Count: we.key.Count}

		n, err := ValidateCount(we.raw)
		if err == nil {
			var s Series
			if incremental {
				e.mu.RLock()
				existing := e.series[we.key]
				e.mu.RUnlock()
				s, err = e.Extend(iv, n, bars, existing)
			} else {
				s, err = e.Bootstrap(iv, n, bars)
			}

			e.mu.Lock()
			if err != nil {
				delete(e.series, we.key)
			} else {
				e.series[we.key] = s
			}
			e.mu.Unlock()

			if p, ok := s.Last(); ok && err == nil {
				res.Value, res.TS = p.Value, p.TS
			}
		}
		res.Status = StatusOf(err)
		results = append(results, res)
	}
	return results
}

// ProjectInterval returns live estimates for every window of iv.
// bars must be a consistent snapshot of the interval's bar series.
func (e *Engine) ProjectInterval(iv model.Interval, bars *model.BarSeries, st agg.RealtimeState) []model.MAResult {
	entries := e.entries(iv)
	results := make([]model.MAResult, 0, len(entries))

	for _, we := range entries {
		res := model.MAResult{Label: we.key.Label, Interval: iv, Count: we.key.Count, TS: st.ThisClose, Live: true}
		n, err := ValidateCount(we.raw)
		if err == nil {
			e.mu.RLock()
			committed := e.series[we.key]
			e.mu.RUnlock()
			res.Value, err = e.Project(iv, n, committed, bars, st)
		}
		res.Status = StatusOf(err)
		if err != nil {
			res.Value = 0
		}
		results = append(results, res)
	}
	return results
}

// Committed returns the latest committed value of every window of iv.
func (e *Engine) Committed(iv model.Interval) []model.MAResult {
	entries := e.entries(iv)
	results := make([]model.MAResult, 0, len(entries))

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, we := range entries {
		res := model.MAResult{Label: we.key.Label, Interval: iv, Count: we.key.Count, Status: model.StatusInsufficient}
		if _, err := ValidateCount(we.raw); err != nil {
			res.Status = model.StatusInvalid
		} else if p, ok := e.series[we.key].Last(); ok {
			res.Value, res.TS, res.Status = p.Value, p.TS, model.StatusOK
		}
		results = append(results, res)
	}
	return results
}

// Series returns a copy of the committed series for key.
func (e *Engine) Series(key SeriesKey) Series {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.series[key]
	if len(s) == 0 {
		return nil
	}
	cp := make(Series, len(s))
	copy(cp, s)
	return cp
}

// Keys returns the keys of all committed series, sorted.
func (e *Engine) Keys() []SeriesKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]SeriesKey, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
