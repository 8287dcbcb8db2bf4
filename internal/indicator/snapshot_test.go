package indicator

import (
	"context"
	"errors"
	"testing"

	"smawatch/internal/model"
)

type memSnapshotStore struct {
	data    []byte
	readErr error
	saves   int
}

func (m *memSnapshotStore) SaveSnapshotJSON(_ context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memSnapshotStore) ReadLatestSnapshotJSON(context.Context) ([]byte, error) {
	return m.data, m.readErr
}

func TestSnapshot_RestoreThenExtend(t *testing.T) {
	cal := testCalendar()
	windows := Windows{"5": {{Interval: model.Min5, Count: 5}}, "20": {{Interval: model.Min5, Count: 20}}}
	bars := makeBars(cal, model.Min5, at("2018-01-02", 9, 35), wave(60))

	orig := NewEngine(cal, windows, 0)
	orig.Load(model.Min5, model.NewBarSeries(bars[:40]))

	data, err := MarshalSnapshot(orig.Snapshot(3))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}

	restored := NewEngine(cal, windows, 0)
	n, skipped, err := restored.Restore(snap)
	if err != nil || n != 2 || skipped != 0 {
		t.Fatalf("Restore = %d, %d, %v", n, skipped, err)
	}

	// Both engines must produce identical values after new bars arrive.
	all := model.NewBarSeries(bars)
	a := orig.Update(model.Min5, all)
	b := restored.Update(model.Min5, all)
	for i := range a {
		assertRelClose(t, a[i].Key(), b[i].Value, a[i].Value)
	}
	if got := len(restored.Series(SeriesKey{Label: "5", Interval: model.Min5, Count: 5})); got != 3+20 {
		t.Errorf("restored series extended to %d points, want 23", got)
	}
}

func TestSnapshot_SkipsUnconfiguredSeries(t *testing.T) {
	cal := testCalendar()
	bars := model.NewBarSeries(makeBars(cal, model.Min5, at("2018-01-02", 9, 35), wave(30)))
	orig := NewEngine(cal, Windows{"5": {{Interval: model.Min5, Count: 5}}, "9": {{Interval: model.Min5, Count: 9}}}, 0)
	orig.Load(model.Min5, bars)

	e := NewEngine(cal, Windows{"5": {{Interval: model.Min5, Count: 5}}}, 0)
	n, skipped, err := e.Restore(orig.Snapshot(0))
	if err != nil || n != 1 || skipped != 1 {
		t.Fatalf("Restore = %d, %d, %v", n, skipped, err)
	}
}

func TestSnapshot_RejectsUnknownVersion(t *testing.T) {
	e := NewEngine(testCalendar(), Windows{}, 0)
	if _, _, err := e.Restore(&EngineSnapshot{Version: 99}); err == nil {
		t.Fatal("expected version error")
	}
}

func TestRestorer_PriorityChain(t *testing.T) {
	cal := testCalendar()
	windows := Windows{"5": {{Interval: model.Min5, Count: 5}}}
	src := NewEngine(cal, windows, 0)
	src.Load(model.Min5, model.NewBarSeries(makeBars(cal, model.Min5, at("2018-01-02", 9, 35), wave(10))))

	broken := &memSnapshotStore{readErr: errors.New("redis down")}
	good := &memSnapshotStore{}
	r := NewRestorer(NamedStore{"redis", broken}, NamedStore{"sqlite", good}, NamedStore{"none", nil})

	if err := r.Save(context.Background(), src, 0); err != nil {
		t.Fatal(err)
	}
	if good.saves != 1 || broken.saves != 1 {
		t.Fatalf("saves: good=%d broken=%d", good.saves, broken.saves)
	}

	dst := NewEngine(cal, windows, 0)
	if n := r.Restore(context.Background(), dst); n != 1 {
		t.Fatalf("restored %d series, want 1", n)
	}

	cold := NewEngine(cal, windows, 0)
	if n := NewRestorer(NamedStore{"empty", &memSnapshotStore{}}).Restore(context.Background(), cold); n != 0 {
		t.Fatalf("empty store restored %d series", n)
	}
}
