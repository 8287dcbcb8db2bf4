package model

import (
	"testing"
	"time"
)

var base = time.Date(2018, 1, 5, 9, 35, 0, 0, time.FixedZone("CST", 8*3600))

func bar(i int, close float64) Bar {
	return Bar{TS: base.Add(time.Duration(i) * 5 * time.Minute), Close: close}
}

func closes(s *BarSeries) []float64 {
	out := make([]float64, s.Len())
	for i := range out {
		out[i] = s.At(i).Close
	}
	return out
}

func assertCloses(t *testing.T, s *BarSeries, want ...float64) {
	t.Helper()
	got := closes(s)
	if len(got) != len(want) {
		t.Fatalf("closes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("closes = %v, want %v", got, want)
		}
	}
}

func TestBarSeries_DuplicateWithinFetchKeepsLast(t *testing.T) {
	s := NewBarSeries([]Bar{bar(0, 10), bar(1, 11), bar(1, 99), bar(2, 12)})
	assertCloses(t, s, 10, 99, 12)
}

func TestBarSeries_RefetchReplacesStoredBar(t *testing.T) {
	s := NewBarSeries([]Bar{bar(0, 10), bar(1, 11), bar(2, 12)})

	added := s.Merge([]Bar{bar(2, 20), bar(3, 13)})
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	assertCloses(t, s, 10, 11, 20, 13)

	// A revision in the middle adds nothing but still wins.
	if added := s.Merge([]Bar{bar(1, 21)}); added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
	assertCloses(t, s, 10, 21, 20, 13)
}

func TestBarSeries_OutOfOrderFetch(t *testing.T) {
	s := NewBarSeries([]Bar{bar(2, 12), bar(4, 14)})

	added := s.Merge([]Bar{bar(5, 15), bar(0, 10), bar(3, 13), bar(4, 40), bar(1, 11)})
	if added != 4 {
		t.Errorf("added = %d, want 4", added)
	}
	assertCloses(t, s, 10, 11, 12, 13, 40, 15)
	for i := 1; i < s.Len(); i++ {
		if !s.At(i - 1).TS.Before(s.At(i).TS) {
			t.Fatalf("bars %d and %d out of order", i-1, i)
		}
	}
	if s.IndexOf(bar(3, 0).TS) != 3 {
		t.Errorf("IndexOf(bar 3) = %d", s.IndexOf(bar(3, 0).TS))
	}
}
