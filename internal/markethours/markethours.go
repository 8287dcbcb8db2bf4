// Package markethours maps wall-clock timestamps onto the exchange's trading
// sessions and fixed-length intraday bar boundaries.
//
// The exchange trades two sessions per day (09:30–11:30 and 13:00–15:00
// China Standard Time) on the days listed by a TradingDayProvider. Every bar
// is identified by its close time (bar-right-closed); daily bars by their date
// at midnight.
package markethours

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"smawatch/internal/model"
)

// CST is China Standard Time (UTC+8, no DST).
var CST = time.FixedZone("CST", 8*3600)

// DayLayout is the trading-day string format used throughout the calendar.
const DayLayout = "2006-01-02"

// Out-of-range sentinels returned by PreviousTradingDay / NextTradingDay.
const (
	SentinelEpoch = "0000-01-01"
	SentinelNone  = ""
)

// Session times in seconds since midnight CST.
const (
	OpeningAuctionClose = 9*3600 + 25*60
	MorningOpen         = 9*3600 + 30*60
	MorningClose        = 11*3600 + 30*60
	AfternoonOpen       = 13 * 3600
	AfternoonClose      = 15 * 3600
)

const defaultRefreshBackoff = time.Minute

// Calendar answers trading-day and bar-boundary questions over a lazily
// refreshed list of trading days. Safe for concurrent use.
type Calendar struct {
	provider model.TradingDayProvider
	clock    model.Clock

	mu          sync.Mutex
	days        []string // ascending, deduplicated; replaced wholesale on refresh
	lastAttempt time.Time

	// RefreshBackoff is the minimum time between refresh attempts while the
	// list is stale. Default: 1 minute.
	RefreshBackoff time.Duration

	// OnRefresh is called after every refresh attempt (optional).
	OnRefresh func(days int, err error)
}

// New creates a Calendar backed by provider. clock decides when the cached
// list is stale; nil means the wall clock.
func New(provider model.TradingDayProvider, clock model.Clock) *Calendar {
	if clock == nil {
		clock = model.SystemClock
	}
	return &Calendar{
		provider:       provider,
		clock:          clock,
		RefreshBackoff: defaultRefreshBackoff,
	}
}

// tradingDays returns the current list, refreshing it first when the last
// known day is older than today. The returned slice is never mutated.
func (c *Calendar) tradingDays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	today := DayOf(now)
	if n := len(c.days); n > 0 && c.days[n-1] >= today {
		return c.days
	}
	if c.provider == nil {
		return c.days
	}
	if !c.lastAttempt.IsZero() && !now.Before(c.lastAttempt) && now.Sub(c.lastAttempt) < c.RefreshBackoff {
		return c.days
	}
	c.lastAttempt = now

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	days, err := c.provider.TradingDays(ctx)
	if err != nil {
		log.Printf("[markethours] trading day refresh failed: %v (keeping %d cached days)", err, len(c.days))
		if c.OnRefresh != nil {
			c.OnRefresh(len(c.days), err)
		}
		return c.days
	}
	c.days = normalizeDays(days)
	if c.OnRefresh != nil {
		c.OnRefresh(len(c.days), nil)
	}
	return c.days
}

// normalizeDays sorts, deduplicates and drops malformed entries.
func normalizeDays(days []string) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		if _, err := time.Parse(DayLayout, d); err != nil {
			log.Printf("[markethours] dropping malformed trading day %q", d)
			continue
		}
		out = append(out, d)
	}
	sort.Strings(out)
	uniq := out[:0]
	for i, d := range out {
		if i > 0 && d == out[i-1] {
			continue
		}
		uniq = append(uniq, d)
	}
	return uniq
}

// IsTradingDay reports whether day ("2006-01-02") is a trading day.
func (c *Calendar) IsTradingDay(day string) bool {
	days := c.tradingDays()
	i := sort.SearchStrings(days, day)
	return i < len(days) && days[i] == day
}

// PreviousTradingDay returns the nearest trading day before day, or
// SentinelEpoch when day is not after the first known trading day.
func (c *Calendar) PreviousTradingDay(day string) string {
	days := c.tradingDays()
	i := sort.SearchStrings(days, day)
	if i == 0 {
		return SentinelEpoch
	}
	return days[i-1]
}

// NextTradingDay returns the nearest trading day after day, or SentinelNone
// when the calendar does not list one yet.
func (c *Calendar) NextTradingDay(day string) string {
	days := c.tradingDays()
	i := sort.Search(len(days), func(i int) bool { return days[i] > day })
	if i == len(days) {
		return SentinelNone
	}
	return days[i]
}

// LastClosedDay returns now's date if it is a trading day whose afternoon
// session has ended, otherwise the previous trading day.
func (c *Calendar) LastClosedDay(now time.Time) string {
	day := DayOf(now)
	if c.IsTradingDay(day) && ClockOf(now) >= AfternoonClose {
		return day
	}
	return c.PreviousTradingDay(day)
}

// DayToClose returns the first trading day whose close is not before now.
func (c *Calendar) DayToClose(now time.Time) string {
	day := DayOf(now)
	if c.IsTradingDay(day) && ClockOf(now) <= AfternoonClose {
		return day
	}
	return c.NextTradingDay(day)
}

// IsRealtimeDataAvailable reports whether live quotes are meaningful at now:
// a trading day within [09:25:00,11:30:00] or [13:00:00,15:00:00].
func (c *Calendar) IsRealtimeDataAvailable(now time.Time) bool {
	if !c.IsTradingDay(DayOf(now)) {
		return false
	}
	sec := ClockOf(now)
	return (sec >= OpeningAuctionClose && sec <= MorningClose) ||
		(sec >= AfternoonOpen && sec <= AfternoonClose)
}

// SessionCloseBoundary returns the close time of the minuteLen bar that ts
// falls into. Elapsed time since the session half's open is rounded up to a
// whole bar; the last bar of a half may be short and is clamped to the
// half's close. With checkOpening, non-trading days return false.
func (c *Calendar) SessionCloseBoundary(minuteLen int, ts time.Time, checkOpening bool) (time.Time, bool) {
	if minuteLen <= 0 {
		return time.Time{}, false
	}
	ts = ts.In(CST)
	if checkOpening && !c.IsTradingDay(DayOf(ts)) {
		return time.Time{}, false
	}

	sec := ClockOf(ts)
	open, close := MorningOpen, MorningClose
	if sec >= AfternoonOpen {
		open, close = AfternoonOpen, AfternoonClose
	}
	elapsed := sec - open
	if elapsed <= 0 {
		elapsed = 1
	}
	bucket := minuteLen * 60
	closeSec := ((elapsed-1)/bucket+1)*bucket + open
	if closeSec > close {
		closeSec = close
	}
	return midnight(ts).Add(time.Duration(closeSec) * time.Second), true
}

// BarClose returns the identity of the forming bar containing ts: the session
// close boundary for minute intervals, the date for the daily interval.
func (c *Calendar) BarClose(iv model.Interval, ts time.Time) time.Time {
	if iv.IsDay() {
		return midnight(ts.In(CST))
	}
	t, _ := c.SessionCloseBoundary(iv.MinuteLen(), ts, false)
	return t
}

// PreviousIntervalClose returns the close of the bar immediately before the
// bar closing at closeTS. The zero Time means the calendar has no such bar.
func (c *Calendar) PreviousIntervalClose(iv model.Interval, closeTS time.Time) time.Time {
	if iv.IsDay() {
		return c.DayTime(c.PreviousTradingDay(DayOf(closeTS)))
	}
	m := iv.MinuteLen()
	closeTS = closeTS.In(CST)
	day := DayOf(closeTS)

	sec := ClockOf(closeTS)
	openMin := MorningOpen / 60
	if sec >= AfternoonOpen {
		openMin = AfternoonOpen / 60
	}
	elapsed := sec/60 - openMin
	closeMin := floorDiv(elapsed-1, m)*m + openMin

	switch closeMin * 60 {
	case MorningOpen:
		day = c.PreviousTradingDay(day)
		closeMin = AfternoonClose / 60
	case AfternoonOpen:
		closeMin = MorningClose / 60
	}
	return c.at(day, closeMin*60)
}

// NextIntervalClose returns the close of the bar immediately after the bar
// closing at closeTS. The zero Time means the calendar has no such bar yet.
func (c *Calendar) NextIntervalClose(iv model.Interval, closeTS time.Time) time.Time {
	if iv.IsDay() {
		return c.DayTime(c.NextTradingDay(DayOf(closeTS)))
	}
	m := iv.MinuteLen()
	closeTS = closeTS.In(CST)
	day := DayOf(closeTS)

	sec := ClockOf(closeTS)
	switch sec {
	case AfternoonClose:
		day = c.NextTradingDay(day)
		sec = MorningOpen
	case MorningClose:
		sec = AfternoonOpen
	}
	limit := MorningClose
	if sec >= AfternoonOpen {
		limit = AfternoonClose
	}
	next := (sec/60 + m) * 60
	if next > limit {
		next = limit
	}
	return c.at(day, next)
}

// LastClosedIntervalClose returns the close of the most recent bar that is
// fully closed at now.
func (c *Calendar) LastClosedIntervalClose(iv model.Interval, now time.Time) time.Time {
	if iv.IsDay() {
		return c.DayTime(c.LastClosedDay(now))
	}
	m := iv.MinuteLen() * 60
	now = now.In(CST)
	day := DayOf(now)
	sec := ClockOf(now)

	if !c.IsTradingDay(day) || sec < MorningOpen+m {
		return c.at(c.PreviousTradingDay(day), AfternoonClose)
	}
	var closeSec int
	switch {
	case sec >= AfternoonClose:
		closeSec = AfternoonClose
	case sec >= AfternoonOpen+m:
		closeSec = AfternoonOpen + (sec-AfternoonOpen)/m*m
	case sec >= MorningClose:
		closeSec = MorningClose
	default:
		closeSec = MorningOpen + (sec-MorningOpen)/m*m
	}
	return c.at(day, closeSec)
}

// NextRealtimeStart returns now if realtime data is available, otherwise the
// next moment it becomes available. The zero Time means the calendar lists
// no further trading day.
func (c *Calendar) NextRealtimeStart(now time.Time) time.Time {
	day := DayOf(now)
	if c.IsTradingDay(day) {
		sec := ClockOf(now)
		switch {
		case sec < OpeningAuctionClose:
			return c.at(day, OpeningAuctionClose)
		case sec <= MorningClose:
			return now
		case sec < AfternoonOpen:
			return c.at(day, AfternoonOpen)
		case sec <= AfternoonClose:
			return now
		}
	}
	return c.at(c.NextTradingDay(day), OpeningAuctionClose)
}

// Status returns a human-readable session status.
func (c *Calendar) Status(now time.Time) string {
	if c.IsRealtimeDataAvailable(now) {
		closeAt := c.at(DayOf(now), MorningClose)
		if ClockOf(now) >= AfternoonOpen {
			closeAt = c.at(DayOf(now), AfternoonClose)
		}
		return fmt.Sprintf("Session open — closes in %s", fmtDur(closeAt.Sub(now)))
	}
	next := c.NextRealtimeStart(now)
	if next.IsZero() {
		return "Session closed — no upcoming trading day in calendar"
	}
	return fmt.Sprintf("Session closed — opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(now)))
}

// DayOf returns t's date in CST as "2006-01-02".
func DayOf(t time.Time) string {
	return t.In(CST).Format(DayLayout)
}

// ClockOf returns seconds since midnight CST.
func ClockOf(t time.Time) int {
	t = t.In(CST)
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// DayTime returns midnight CST of day, or the zero Time for sentinels and
// malformed input.
func (c *Calendar) DayTime(day string) time.Time {
	return c.at(day, 0)
}

func (c *Calendar) at(day string, sec int) time.Time {
	if day == SentinelNone || day == SentinelEpoch {
		return time.Time{}
	}
	d, err := time.ParseInLocation(DayLayout, day, CST)
	if err != nil {
		return time.Time{}
	}
	return d.Add(time.Duration(sec) * time.Second)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, CST)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
