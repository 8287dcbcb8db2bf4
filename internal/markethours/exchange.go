package markethours

import (
	"context"
	"log"
	"time"

	"github.com/scmhub/calendar"
)

// DefaultMIC is the Shanghai Stock Exchange market identifier code.
const DefaultMIC = "xshg"

// ExchangeProvider derives trading days from the scmhub/calendar holiday
// rules for an ISO 10383 MIC. When the calendar cannot be loaded it falls
// back to the built-in static table.
type ExchangeProvider struct {
	MIC      string
	From, To time.Time
}

// NewExchangeProvider covers yearsBack years before now through the end of
// next year.
func NewExchangeProvider(mic string, now time.Time, yearsBack int) *ExchangeProvider {
	if mic == "" {
		mic = DefaultMIC
	}
	sp := NewStaticProvider(now, yearsBack)
	return &ExchangeProvider{MIC: mic, From: sp.From, To: sp.To}
}

// TradingDays implements model.TradingDayProvider.
func (p *ExchangeProvider) TradingDays(ctx context.Context) ([]string, error) {
	cal := calendar.GetCalendar(p.MIC)
	if cal == nil {
		log.Printf("[markethours] WARNING: no calendar for MIC %q, using static SSE table", p.MIC)
		return (&StaticProvider{From: p.From, To: p.To}).TradingDays(ctx)
	}
	loc := cal.Loc
	if loc == nil {
		loc = CST
	}
	return weekdays(ctx, p.From, p.To, func(d time.Time) bool {
		// noon keeps the date stable across the zone conversion
		noon := time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc)
		return cal.IsBusinessDay(noon)
	})
}
