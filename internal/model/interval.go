package model

import (
	"fmt"
	"strings"
)

// Interval is a bar length category: the daily bar or a fixed intraday length.
type Interval string

const (
	Day    Interval = "day"
	Min5   Interval = "5min"
	Min15  Interval = "15min"
	Min30  Interval = "30min"
	Min60  Interval = "60min"
	minSfx          = "min"
)

// Intervals lists every supported interval, daily first.
var Intervals = []Interval{Day, Min5, Min15, Min30, Min60}

var minuteLens = map[Interval]int{
	Min5:  5,
	Min15: 15,
	Min30: 30,
	Min60: 60,
}

// MinuteLen returns the bar length in minutes, or 0 for the daily interval.
func (iv Interval) MinuteLen() int {
	return minuteLens[iv]
}

// IsDay reports whether iv is the daily interval.
func (iv Interval) IsDay() bool { return iv == Day }

// Valid reports whether iv is one of the supported intervals.
func (iv Interval) Valid() bool {
	return iv == Day || minuteLens[iv] > 0
}

func (iv Interval) String() string { return string(iv) }

// ParseInterval accepts "day", "5min", "5m", "60" etc.
func ParseInterval(s string) (Interval, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "day", "d", "1d", "daily":
		return Day, nil
	}
	s = strings.TrimSuffix(s, minSfx)
	s = strings.TrimSuffix(s, "m")
	iv := Interval(s + minSfx)
	if !iv.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return iv, nil
}
