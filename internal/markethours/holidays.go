package markethours

import (
	"context"
	"fmt"
	"time"
)

// SSE weekday closures. Weekends are never trading days and are not listed.
// Source: Shanghai Stock Exchange holiday announcements.
var sseHolidays = map[int][]struct {
	month time.Month
	day   int
}{
	2025: {
		{time.January, 1},  // New Year
		{time.January, 28}, // Spring Festival
		{time.January, 29}, //
		{time.January, 30}, //
		{time.January, 31}, //
		{time.February, 3}, //
		{time.February, 4}, //
		{time.April, 4},    // Qingming
		{time.May, 1},      // Labour Day
		{time.May, 2},      //
		{time.May, 5},      //
		{time.June, 2},     // Dragon Boat
		{time.October, 1},  // National Day / Mid-Autumn
		{time.October, 2},  //
		{time.October, 3},  //
		{time.October, 6},  //
		{time.October, 7},  //
		{time.October, 8},  //
	},
	2026: {
		{time.January, 1},    // New Year
		{time.January, 2},    //
		{time.February, 16},  // Spring Festival
		{time.February, 17},  //
		{time.February, 18},  //
		{time.February, 19},  //
		{time.February, 20},  //
		{time.February, 23},  //
		{time.April, 6},      // Qingming
		{time.May, 1},        // Labour Day
		{time.May, 4},        //
		{time.May, 5},        //
		{time.June, 19},      // Dragon Boat
		{time.September, 25}, // Mid-Autumn
		{time.October, 1},    // National Day
		{time.October, 2},    //
		{time.October, 5},    //
		{time.October, 6},    //
		{time.October, 7},    //
	},
}

// pre-compute for fast lookup
var holidaySet map[string]bool

func init() {
	holidaySet = make(map[string]bool)
	for year, days := range sseHolidays {
		for _, h := range days {
			holidaySet[dateKey(year, h.month, h.day)] = true
		}
	}
}

// IsHoliday returns true if the date (in CST) is an SSE weekday closure.
func IsHoliday(t time.Time) bool {
	return holidaySet[DayOf(t)]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, CST).Format(DayLayout)
}

// StaticProvider lists weekdays in [From, To] minus the built-in SSE holiday
// table and any Extra closures.
type StaticProvider struct {
	From, To time.Time
	Extra    map[string]bool // additional closures, "2006-01-02"
}

// NewStaticProvider returns a provider covering the given number of years
// back from now through the end of next year.
func NewStaticProvider(now time.Time, yearsBack int) *StaticProvider {
	now = now.In(CST)
	return &StaticProvider{
		From: time.Date(now.Year()-yearsBack, time.January, 1, 0, 0, 0, 0, CST),
		To:   time.Date(now.Year()+1, time.December, 31, 0, 0, 0, 0, CST),
	}
}

// TradingDays implements model.TradingDayProvider.
func (p *StaticProvider) TradingDays(ctx context.Context) ([]string, error) {
	if p.To.Before(p.From) {
		return nil, fmt.Errorf("static calendar: empty range %s..%s", DayOf(p.From), DayOf(p.To))
	}
	return weekdays(ctx, p.From, p.To, func(d time.Time) bool {
		key := DayOf(d)
		return !holidaySet[key] && !p.Extra[key]
	})
}

// DayList is a fixed trading-day list, e.g. loaded from a file.
type DayList []string

// TradingDays implements model.TradingDayProvider.
func (l DayList) TradingDays(context.Context) ([]string, error) {
	out := make([]string, len(l))
	copy(out, l)
	return out, nil
}

// weekdays walks [from, to] day by day and keeps weekdays accepted by keep.
func weekdays(ctx context.Context, from, to time.Time, keep func(time.Time) bool) ([]string, error) {
	from = midnight(from.In(CST))
	to = midnight(to.In(CST))
	out := make([]string, 0, int(to.Sub(from).Hours()/24*5/7)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Day() == 1 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if keep == nil || keep(d) {
			out = append(out, d.Format(DayLayout))
		}
	}
	return out, nil
}
