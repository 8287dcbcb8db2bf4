package indicator

import (
	"reflect"
	"testing"

	"smawatch/internal/marketdata/agg"
	"smawatch/internal/model"
)

func statuses(results []model.MAResult) map[string]string {
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.Key()] = r.Status
	}
	return out
}

func TestEngine_LoadUpdateCommitted(t *testing.T) {
	cal := testCalendar()
	e := NewEngine(cal, Windows{
		"5":  {{Interval: model.Min5, Count: 5}, {Interval: model.Min5, Count: 2.5}},
		"40": {{Interval: model.Min5, Count: 40}},
	}, 0)
	bars := makeBars(cal, model.Min5, at("2018-01-02", 9, 35), wave(30))

	got := statuses(e.Load(model.Min5, model.NewBarSeries(bars[:20])))
	want := map[string]string{
		"5:5min:5":   model.StatusOK,
		"5:5min:2":   model.StatusInvalid,
		"40:5min:40": model.StatusInsufficient,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Load statuses = %v, want %v", got, want)
	}

	results := e.Update(model.Min5, model.NewBarSeries(bars))
	for _, r := range results {
		if r.Key() != "5:5min:5" {
			continue
		}
		assertRelClose(t, "updated SMA(5)", r.Value, mean(closesOf(bars[25:])))
		if !r.TS.Equal(bars[29].TS) {
			t.Errorf("updated ts = %s, want %s", r.TS, bars[29].TS)
		}
	}

	committed := e.Committed(model.Min5)
	if statuses(committed)["5:5min:5"] != model.StatusOK {
		t.Errorf("Committed statuses = %v", statuses(committed))
	}
	if s := e.Series(SeriesKey{Label: "5", Interval: model.Min5, Count: 5}); len(s) != 26 {
		t.Errorf("series length %d, want 26", len(s))
	}
}

func TestEngine_ProjectInterval_SiblingsContinue(t *testing.T) {
	cal := testCalendar()
	e := NewEngine(cal, Windows{
		"a": {{Interval: model.Min15, Count: 3}, {Interval: model.Min15, Count: -1}, {Interval: model.Min15, Count: 100}},
	}, 0)
	bars := model.NewBarSeries(makeBars(cal, model.Min15, at("2018-01-02", 9, 45), wave(10)))
	e.Load(model.Min15, bars)

	last, _ := bars.Last()
	st := agg.RealtimeState{ThisClose: cal.NextIntervalClose(model.Min15, last.TS), LastPrice: 3000}
	results := e.ProjectInterval(model.Min15, bars, st)

	got := statuses(results)
	want := map[string]string{
		"a:15min:3":   model.StatusOK,
		"a:15min:-1":  model.StatusInvalid,
		"a:15min:100": model.StatusInsufficient,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for _, r := range results {
		if !r.Live {
			t.Errorf("%s: projection must be marked live", r.Key())
		}
		if r.Status != model.StatusOK && r.Value != 0 {
			t.Errorf("%s: unavailable result carries value %v", r.Key(), r.Value)
		}
	}
}

func TestEngine_ReloadWindows(t *testing.T) {
	cal := testCalendar()
	e := NewEngine(cal, Windows{"5": {{Interval: model.Min5, Count: 5}}, "10": {{Interval: model.Min5, Count: 10}}}, 0)
	bars := model.NewBarSeries(makeBars(cal, model.Min5, at("2018-01-02", 9, 35), wave(30)))
	e.Load(model.Min5, bars)

	preserved, dropped := e.ReloadWindows(Windows{
		"5":  {{Interval: model.Min5, Count: 5}},
		"20": {{Interval: model.Min5, Count: 20}},
	})
	if preserved != 1 || dropped != 1 {
		t.Fatalf("preserved=%d dropped=%d, want 1/1", preserved, dropped)
	}

	// The new window bootstraps on the next update; the kept one extends.
	got := statuses(e.Update(model.Min5, bars))
	if got["20:5min:20"] != model.StatusOK || got["5:5min:5"] != model.StatusOK {
		t.Errorf("statuses after reload: %v", got)
	}
}

func TestWindows_LabelsAndIntervals(t *testing.T) {
	w := DefaultWindows()
	want := []string{"240", "120", "60", "30", "20", "10", "5"}
	if got := w.Labels(); !reflect.DeepEqual(got, want) {
		t.Errorf("Labels() = %v, want %v", got, want)
	}
	if got := w.Intervals(); !reflect.DeepEqual(got, model.Intervals) {
		t.Errorf("Intervals() = %v", got)
	}
	if errs := w.Validate(); len(errs) != 0 {
		t.Errorf("default windows invalid: %v", errs)
	}

	bad := Windows{"x": {{Interval: "7min", Count: 3}, {Interval: model.Day, Count: 0}}}
	if errs := bad.Validate(); len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %v", errs)
	}
}

func TestEngine_UnknownIntervalReportedInvalid(t *testing.T) {
	cal := testCalendar()
	e := NewEngine(cal, Windows{
		"3": {{Interval: model.Min5, Count: 3}, {Interval: "7min", Count: 3}},
	}, 0)

	if got := e.Intervals(); !reflect.DeepEqual(got, []model.Interval{model.Min5}) {
		t.Errorf("Intervals() = %v", got)
	}
	if got := statuses(e.Invalid()); !reflect.DeepEqual(got, map[string]string{"3:7min:3": model.StatusInvalid}) {
		t.Errorf("Invalid() = %v", got)
	}

	e.ReloadWindows(Windows{"3": {{Interval: model.Min5, Count: 3}}})
	if got := e.Invalid(); len(got) != 0 {
		t.Errorf("Invalid() after reload = %v", got)
	}
}
