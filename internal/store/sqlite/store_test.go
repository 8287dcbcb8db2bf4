package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"smawatch/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "bars.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoadBars(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2018, 1, 2, 1, 35, 0, 0, time.UTC)

	bars := []model.Bar{
		{TS: base.Add(5 * time.Minute), Open: 2, High: 3, Low: 1, Close: 2.5, Volume: 10},
		{TS: base, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 20},
	}
	if err := s.SaveBars(ctx, "000300", model.Min5, bars); err != nil {
		t.Fatal(err)
	}
	// Re-fetched bar replaces the stored one.
	if err := s.SaveBars(ctx, "000300", model.Min5, []model.Bar{{TS: base, Open: 1, High: 2, Low: 0.5, Close: 1.75}}); err != nil {
		t.Fatal(err)
	}
	// Other interval is kept apart.
	if err := s.SaveBars(ctx, "000300", model.Min15, []model.Bar{{TS: base, Close: 9}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadBars(ctx, "000300", model.Min5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2", len(got))
	}
	if !got[0].TS.Equal(base) || got[0].Close != 1.75 {
		t.Errorf("first bar = %+v, want replaced close 1.75 at %s", got[0], base)
	}
	if got[1].Volume != 10 {
		t.Errorf("second bar volume = %v", got[1].Volume)
	}

	last, err := s.LastBarTS(ctx, "000300", model.Min5)
	if err != nil || !last.Equal(base.Add(5*time.Minute)) {
		t.Errorf("LastBarTS = %s, %v", last, err)
	}
	if last, _ := s.LastBarTS(ctx, "000300", model.Day); !last.IsZero() {
		t.Errorf("LastBarTS on empty interval = %s", last)
	}
}

func TestStore_Snapshots(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if data, err := s.ReadLatestSnapshotJSON(ctx); err != nil || data != nil {
		t.Fatalf("empty store: %q, %v", data, err)
	}
	for i := 0; i < keepSnapshots+3; i++ {
		if err := s.SaveSnapshotJSON(ctx, []byte(`{"version":1,"n":"`+string(rune('a'+i))+`"}`)); err != nil {
			t.Fatal(err)
		}
	}
	data, err := s.ReadLatestSnapshotJSON(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"version":1,"n":"` + string(rune('a'+keepSnapshots+2)) + `"}`
	if string(data) != want {
		t.Errorf("latest = %s, want %s", data, want)
	}

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM ma_snapshots`).Scan(&n); err != nil || n != keepSnapshots {
		t.Errorf("kept %d snapshots, want %d (%v)", n, keepSnapshots, err)
	}
}
