package tracker

import (
	"fmt"
	"strings"
	"time"

	"smawatch/internal/markethours"
	"smawatch/internal/model"
)

// FormatSummary renders one realtime iteration: the quote, the session
// status and, per window label, every interval's committed and live value.
// Unavailable values are printed as "unavailable (<status>)".
func FormatSummary(labels []string, q model.Quote, status string, committed, live []model.MAResult) string {
	type pair struct {
		committed, live *model.MAResult
	}
	byLabel := make(map[string][]string)
	cells := make(map[string]*pair)
	cell := func(r *model.MAResult) *pair {
		k := r.Key()
		p, ok := cells[k]
		if !ok {
			p = &pair{}
			cells[k] = p
			byLabel[r.Label] = append(byLabel[r.Label], k)
		}
		return p
	}
	for i := range committed {
		cell(&committed[i]).committed = &committed[i]
	}
	for i := range live {
		cell(&live[i]).live = &live[i]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  price %.2f  %s\n",
		q.TS.In(markethours.CST).Format(time.DateTime), q.Price, status)
	for _, label := range labels {
		keys := byLabel[label]
		if len(keys) == 0 {
			continue
		}
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			p := cells[k]
			ref := p.committed
			if ref == nil {
				ref = p.live
			}
			s := fmt.Sprintf("%s/%d %s", ref.Interval, ref.Count, value(p.committed))
			if p.live != nil {
				s += " → " + value(p.live)
			}
			parts = append(parts, s)
		}
		fmt.Fprintf(&b, "  MA%-4s %s\n", label, strings.Join(parts, " | "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func value(r *model.MAResult) string {
	if r == nil {
		return "-"
	}
	if !r.Ready() {
		return "unavailable (" + r.Status + ")"
	}
	return fmt.Sprintf("%.2f", r.Value)
}
