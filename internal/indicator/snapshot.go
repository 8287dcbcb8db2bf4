package indicator

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"smawatch/internal/model"
)

const snapshotVersion = 1

// SeriesSnapshot holds the tail of one committed series.
type SeriesSnapshot struct {
	Label    string         `json:"label"`
	Interval model.Interval `json:"interval"`
	Count    int            `json:"count"`
	Points   []Point        `json:"points"`
}

// EngineSnapshot holds the committed state of the engine.
type EngineSnapshot struct {
	Version int              `json:"version"` // schema version for forward compat
	TakenAt time.Time        `json:"taken_at"`
	Series  []SeriesSnapshot `json:"series"`
}

// Snapshot captures the newest maxPoints points of every committed series.
// maxPoints <= 0 keeps everything.
func (e *Engine) Snapshot(maxPoints int) *EngineSnapshot {
	snap := &EngineSnapshot{Version: snapshotVersion, TakenAt: time.Now().UTC()}
	for _, key := range e.Keys() {
		s := e.Series(key)
		if maxPoints > 0 && len(s) > maxPoints {
			s = s[len(s)-maxPoints:]
		}
		snap.Series = append(snap.Series, SeriesSnapshot{
			Label:    key.Label,
			Interval: key.Interval,
			Count:    key.Count,
			Points:   s,
		})
	}
	return snap
}

// Restore loads committed series from snap. It is tolerant of config
// changes: series are matched by (label, interval, count); series no longer
// configured are skipped and new windows stay cold until the next Update.
// Continuity of a restored series is re-proven by the first Extend.
func (e *Engine) Restore(snap *EngineSnapshot) (restored, skipped int, err error) {
	if snap == nil {
		return 0, 0, nil
	}
	if snap.Version != snapshotVersion {
		return 0, 0, fmt.Errorf("snapshot version %d not supported", snap.Version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	configured := make(map[SeriesKey]bool)
	for _, entries := range e.byIv {
		for _, we := range entries {
			if _, err := ValidateCount(we.raw); err == nil {
				configured[we.key] = true
			}
		}
	}

	for _, ss := range snap.Series {
		key := SeriesKey{Label: ss.Label, Interval: ss.Interval, Count: ss.Count}
		if !configured[key] || len(ss.Points) == 0 {
			skipped++
			continue
		}
		pts := make(Series, len(ss.Points))
		copy(pts, ss.Points)
		e.series[key] = pts
		restored++
	}
	if skipped > 0 {
		log.Printf("[restorer] restored %d series, skipped %d no longer configured", restored, skipped)
	}
	return restored, skipped, nil
}

// MarshalSnapshot encodes snap as JSON.
func MarshalSnapshot(snap *EngineSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// UnmarshalSnapshot decodes a JSON snapshot.
func UnmarshalSnapshot(data []byte) (*EngineSnapshot, error) {
	var snap EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
