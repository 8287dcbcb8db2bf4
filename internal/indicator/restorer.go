package indicator

import (
	"context"
	"log"

	"smawatch/internal/model"
)

// NamedStore labels a snapshot store for log output.
type NamedStore struct {
	Name  string
	Store model.SnapshotStore
}

// Restorer orchestrates engine state restoration on startup.
// It follows a priority chain over its stores (e.g. Redis → SQLite) and
// falls back to a cold start, in which case every series is bootstrapped
// from bars.
type Restorer struct {
	stores []NamedStore
}

// NewRestorer creates a Restorer trying stores in order.
func NewRestorer(stores ...NamedStore) *Restorer {
	var nonNil []NamedStore
	for _, s := range stores {
		if s.Store != nil {
			nonNil = append(nonNil, s)
		}
	}
	return &Restorer{stores: nonNil}
}

// Restore loads the first readable snapshot into e. Returns the number of
// series restored; zero means cold start.
func (r *Restorer) Restore(ctx context.Context, e *Engine) int {
	for _, ns := range r.stores {
		data, err := ns.Store.ReadLatestSnapshotJSON(ctx)
		if err != nil {
			log.Printf("[restorer] WARNING: %s snapshot read failed: %v", ns.Name, err)
			continue
		}
		if data == nil {
			continue
		}
		snap, err := UnmarshalSnapshot(data)
		if err != nil {
			log.Printf("[restorer] WARNING: %s snapshot: %v", ns.Name, err)
			continue
		}
		restored, _, err := e.Restore(snap)
		if err != nil {
			log.Printf("[restorer] WARNING: %s snapshot restore failed: %v", ns.Name, err)
			continue
		}
		log.Printf("[restorer] ✅ restored %d series from %s snapshot taken %s",
			restored, ns.Name, snap.TakenAt.Format("2006-01-02 15:04:05"))
		return restored
	}
	log.Println("[restorer] no snapshot found — cold starting indicator engine")
	return 0
}

// Save writes a snapshot of e to every store. Returns the first error.
func (r *Restorer) Save(ctx context.Context, e *Engine, maxPoints int) error {
	data, err := MarshalSnapshot(e.Snapshot(maxPoints))
	if err != nil {
		return err
	}
	var firstErr error
	for _, ns := range r.stores {
		if err := ns.Store.SaveSnapshotJSON(ctx, data); err != nil {
			log.Printf("[restorer] WARNING: %s snapshot save failed: %v", ns.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
