package indicator

import (
	"fmt"
	"log"
	"math"
	"time"

	"smawatch/internal/marketdata/agg"
	"smawatch/internal/model"
)

// contiguousStart returns the index of the oldest bar of the trailing run in
// which every bar closes exactly one interval before its successor.
func (e *Engine) contiguousStart(iv model.Interval, bars *model.BarSeries) int {
	start := bars.Len() - 1
	for start > 0 {
		want := e.cal.PreviousIntervalClose(iv, bars.At(start).TS)
		if !bars.At(start - 1).TS.Equal(want) {
			break
		}
		start--
	}
	if start < 0 {
		return 0
	}
	return start
}

// Bootstrap computes the N-bar simple moving average over the maximal
// trailing contiguous run of bars. Bars before a hole are ignored.
func (e *Engine) Bootstrap(iv model.Interval, n int, bars *model.BarSeries) (Series, error) {
	if err := validN(n); err != nil {
		return nil, err
	}
	start := e.contiguousStart(iv, bars)
	run := bars.Len() - start
	if run < n {
		return nil, fmt.Errorf("%w: %s N=%d needs %d bars, have %d contiguous",
			ErrInsufficientHistory, iv, n, n, run)
	}

	out := make(Series, 0, run-n+1)
	sum := 0.0
	for i := start; i < start+n; i++ {
		sum += bars.At(i).Close
	}
	avg := sum / float64(n)
	out = append(out, Point{TS: bars.At(start + n - 1).TS, Value: avg})

	for i := start + n; i < bars.Len(); i++ {
		avg += (bars.At(i).Close - bars.At(i-n).Close) / float64(n)
		out = append(out, Point{TS: bars.At(i).TS, Value: avg})
	}
	return out, nil
}

// Extend appends points for bars newer than existing's last point. The
// window under that point is checked first: every bar from the newest back
// to the oldest close of the window must be contiguous, and those closes must
// still average to the committed value. A hole or a revised close discards
// existing and rebuilds the series with Bootstrap. The returned series may
// share existing's backing array; callers must not reuse existing.
func (e *Engine) Extend(iv model.Interval, n int, bars *model.BarSeries, existing Series) (Series, error) {
	if err := validN(n); err != nil {
		return nil, err
	}
	last, ok := existing.Last()
	if !ok {
		return e.Bootstrap(iv, n, bars)
	}
	j := bars.IndexOf(last.TS)
	if j < 0 {
		log.Printf("[indicator] %s N=%d: committed close %s not in bars, rebuilding",
			iv, n, last.TS.Format(time.DateTime))
		return e.Bootstrap(iv, n, bars)
	}
	if j-n+1 < 0 {
		return e.Bootstrap(iv, n, bars)
	}
	for i := bars.Len() - 1; i > j-n+1; i-- {
		if !bars.At(i - 1).TS.Equal(e.cal.PreviousIntervalClose(iv, bars.At(i).TS)) {
			log.Printf("[indicator] %s N=%d: hole before %s, rebuilding",
				iv, n, bars.At(i).TS.Format(time.DateTime))
			return e.Bootstrap(iv, n, bars)
		}
	}
	if !windowMatches(bars, j, n, last.Value) {
		log.Printf("[indicator] %s N=%d: closes under %s were revised, rebuilding",
			iv, n, last.TS.Format(time.DateTime))
		return e.Bootstrap(iv, n, bars)
	}
	if j == bars.Len()-1 {
		return existing, nil
	}

	out := existing
	avg := last.Value
	for i := j + 1; i < bars.Len(); i++ {
		avg += (bars.At(i).Close - bars.At(i-n).Close) / float64(n)
		out = append(out, Point{TS: bars.At(i).TS, Value: avg})
	}
	return out, nil
}

// revisionTolerance is relative to the window mean and sits well above the
// drift a rolling sum accumulates.
const revisionTolerance = 1e-6

// windowMatches reports whether the n closes ending at bars[j] still average
// to committed.
func windowMatches(bars *model.BarSeries, j, n int, committed float64) bool {
	sum := 0.0
	for i := j - n + 1; i <= j; i++ {
		sum += bars.At(i).Close
	}
	avg := sum / float64(n)
	return math.Abs(avg-committed) <= revisionTolerance*math.Max(1, math.Abs(avg))
}

// Project estimates the average as if the forming bar closed at the latest
// live price. k, the number of bars between the committed series and the
// forming bar, decides the method:
//
//	k == 0  forming bar already committed: its close is replaced
//	k == 1  the oldest close is dropped and the live price added
//	k >= 2  the k-1 missing bars are approximated by PrevClosePrice
//
// k above the engine's gap limit, or k >= 2 without a previous bar price,
// yields ErrGapTooLarge.
func (e *Engine) Project(iv model.Interval, n int, committed Series, bars *model.BarSeries, st agg.RealtimeState) (float64, error) {
	if err := validN(n); err != nil {
		return 0, err
	}
	if st.ThisClose.IsZero() {
		return 0, fmt.Errorf("%w: no live state for %s", ErrInsufficientHistory, iv)
	}
	last, ok := committed.Last()
	if !ok {
		return e.projectFromBars(iv, n, bars, st)
	}

	k := 0
	for cur := st.ThisClose; !cur.Equal(last.TS); k++ {
		if cur.IsZero() || cur.Before(last.TS) || k >= e.maxGap {
			return 0, fmt.Errorf("%w: %s forming bar %s is more than %d bars past %s",
				ErrGapTooLarge, iv, st.ThisClose.Format(time.DateTime), e.maxGap, last.TS.Format(time.DateTime))
		}
		cur = e.cal.PreviousIntervalClose(iv, cur)
	}
	if k >= 2 && !st.HasPrev {
		return 0, fmt.Errorf("%w: %s is %d bars past committed data and no previous bar price is known",
			ErrGapTooLarge, iv, k)
	}

	j := bars.IndexOf(last.TS)
	if j < 0 || j-n+1 < 0 {
		return 0, fmt.Errorf("%w: %s window closes for %s not in bars", ErrInsufficientHistory, iv, last.TS.Format(time.DateTime))
	}

	if k == 0 {
		return last.Value + (st.LastPrice-bars.At(j).Close)/float64(n), nil
	}

	added := make([]float64, 0, k)
	for i := 0; i < k-1; i++ {
		added = append(added, st.PrevClosePrice)
	}
	added = append(added, st.LastPrice)

	if k >= n {
		sum := 0.0
		for _, p := range added[k-n:] {
			sum += p
		}
		return sum / float64(n), nil
	}

	sum := last.Value * float64(n)
	for d := 0; d < k; d++ {
		sum -= bars.At(j - n + 1 + d).Close
	}
	for _, p := range added {
		sum += p
	}
	return sum / float64(n), nil
}

// projectFromBars covers windows with no committed series: the plain mean
// of the n-1 bars before the forming bar and the live price.
func (e *Engine) projectFromBars(iv model.Interval, n int, bars *model.BarSeries, st agg.RealtimeState) (float64, error) {
	if n == 1 {
		return st.LastPrice, nil
	}
	prev := e.cal.PreviousIntervalClose(iv, st.ThisClose)
	j := bars.IndexOf(prev)
	if j < 0 {
		return 0, fmt.Errorf("%w: %s has no bar at %s", ErrInsufficientHistory, iv, prev.Format(time.DateTime))
	}
	from := j - n + 2
	if from < 0 {
		return 0, fmt.Errorf("%w: %s N=%d has %d bars", ErrInsufficientHistory, iv, n, j+1)
	}
	sum := st.LastPrice
	for i := j; i >= from; i-- {
		if i > from && !bars.At(i-1).TS.Equal(e.cal.PreviousIntervalClose(iv, bars.At(i).TS)) {
			return 0, fmt.Errorf("%w: %s hole before %s", ErrInsufficientHistory, iv, bars.At(i).TS.Format(time.DateTime))
		}
		sum += bars.At(i).Close
	}
	return sum / float64(n), nil
}
