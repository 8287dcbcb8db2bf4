// Package indicator maintains session-aligned simple moving averages.
//
// Every (label, interval, count) window owns a committed Series of
// (bar close, average) points. Series are built once from a bar series
// (Bootstrap), extended bar-by-bar as new bars are merged (Extend), and
// projected onto the still-forming bar from live quotes (Project).
// Consecutive points are always adjacent under the trading calendar; a hole
// in the bar data restarts the series after the hole.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"smawatch/internal/model"
)

var (
	// ErrInsufficientHistory means fewer contiguous bars than the window needs.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrGapTooLarge means too many bars separate the live bar from the
	// committed series to extrapolate.
	ErrGapTooLarge = errors.New("gap too large")

	// ErrInvalidWindow means a non-positive or non-integral window count.
	ErrInvalidWindow = errors.New("invalid window")
)

// WindowSpec is one (interval, count) pair of a window label.
// Count is kept as configured so non-integral values can be reported.
type WindowSpec struct {
	Interval model.Interval `yaml:"interval" json:"interval"`
	Count    float64        `yaml:"count" json:"count"`
}

// Windows maps a window label (e.g. "20") to its per-interval counts.
type Windows map[string][]WindowSpec

// SeriesKey identifies one committed moving-average series.
type SeriesKey struct {
	Label    string
	Interval model.Interval
	Count    int
}

func (k SeriesKey) String() string {
	return k.Label + ":" + string(k.Interval) + ":" + strconv.Itoa(k.Count)
}

// Point is one committed average at a bar close.
type Point struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Series is an ascending, calendar-contiguous run of points.
type Series []Point

// Last returns the newest point and false if the series is empty.
func (s Series) Last() (Point, bool) {
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// ValidateCount converts a configured count to a window length.
func ValidateCount(c float64) (int, error) {
	if math.IsNaN(c) || math.IsInf(c, 0) || c <= 0 || c != math.Trunc(c) {
		return 0, fmt.Errorf("%w: count %v", ErrInvalidWindow, c)
	}
	return int(c), nil
}

func validN(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: count %d", ErrInvalidWindow, n)
	}
	return nil
}

// StatusOf maps an engine error to a result status.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return model.StatusOK
	case errors.Is(err, ErrInvalidWindow):
		return model.StatusInvalid
	case errors.Is(err, ErrGapTooLarge):
		return model.StatusGap
	default:
		return model.StatusInsufficient
	}
}

// Validate checks every entry and returns one error per offending entry.
func (w Windows) Validate() []error {
	var errs []error
	for _, label := range w.Labels() {
		for _, spec := range w[label] {
			if !spec.Interval.Valid() {
				errs = append(errs, fmt.Errorf("window %s: %w: unknown interval %q", label, ErrInvalidWindow, spec.Interval))
				continue
			}
			if _, err := ValidateCount(spec.Count); err != nil {
				errs = append(errs, fmt.Errorf("window %s %s: %w", label, spec.Interval, err))
			}
		}
	}
	return errs
}

// Labels returns the labels, largest numeric label first.
func (w Windows) Labels() []string {
	labels := make([]string, 0, len(w))
	for l := range w {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		a, errA := strconv.Atoi(labels[i])
		b, errB := strconv.Atoi(labels[j])
		if errA == nil && errB == nil {
			return a > b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil
		}
		return labels[i] < labels[j]
	})
	return labels
}

// Intervals returns the intervals used by any window, in model.Intervals order.
func (w Windows) Intervals() []model.Interval {
	used := make(map[model.Interval]bool)
	for _, specs := range w {
		for _, s := range specs {
			used[s.Interval] = true
		}
	}
	var out []model.Interval
	for _, iv := range model.Intervals {
		if used[iv] {
			out = append(out, iv)
		}
	}
	return out
}

// DefaultWindows is the built-in window table.
func DefaultWindows() Windows {
	w := func(pairs ...any) []WindowSpec {
		specs := make([]WindowSpec, 0, len(pairs)/2)
		for i := 0; i+1 < len(pairs); i += 2 {
			specs = append(specs, WindowSpec{Interval: pairs[i].(model.Interval), Count: float64(pairs[i+1].(int))})
		}
		return specs
	}
	return Windows{
		"240": w(model.Day, 240, model.Min60, 960, model.Min30, 1920, model.Min15, 3840),
		"120": w(model.Day, 120, model.Min60, 480, model.Min30, 960, model.Min15, 1920),
		"60":  w(model.Day, 60, model.Min60, 240, model.Min30, 480, model.Min15, 960, model.Min5, 2880),
		"30":  w(model.Day, 30, model.Min60, 120, model.Min30, 240, model.Min15, 480, model.Min5, 1440),
		"20":  w(model.Day, 20, model.Min60, 80, model.Min30, 160, model.Min15, 320, model.Min5, 960),
		"10": w(model.Day, 10, model.Min60, 38, model.Min60, 48, model.Min30, 77, model.Min30, 99,
			model.Min15, 150, model.Min15, 170, model.Min5, 320),
		"5": w(model.Day, 5, model.Min60, 20, model.Min30, 40, model.Min15, 80, model.Min5, 240),
	}
}
