package tracker

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"smawatch/internal/feed"
	"smawatch/internal/indicator"
	"smawatch/internal/markethours"
	"smawatch/internal/metrics"
	"smawatch/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testDays = markethours.DayList{"2018-01-04", "2018-01-05", "2018-01-08"}

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, markethours.CST)
	if err != nil {
		panic(err)
	}
	return t
}

func testCalendar() *markethours.Calendar {
	clock := model.ClockFunc(func() time.Time { return at("2018-01-05 12:00") })
	return markethours.New(testDays, clock)
}

// genBars builds every bar of iv over testDays with Close = 1, 2, 3, ...
func genBars(cal *markethours.Calendar, iv model.Interval) []model.Bar {
	var bars []model.Bar
	add := func(ts time.Time) {
		c := float64(len(bars) + 1)
		bars = append(bars, model.Bar{TS: ts, Open: c, High: c, Low: c, Close: c})
	}
	if iv.IsDay() {
		for _, d := range testDays {
			add(cal.DayTime(d))
		}
		return bars
	}
	first := cal.DayTime(testDays[0]).Add(9*time.Hour + 30*time.Minute + time.Duration(iv.MinuteLen())*time.Minute)
	for ts := first; !ts.IsZero(); ts = cal.NextIntervalClose(iv, ts) {
		add(ts)
	}
	return bars
}

type mapProvider map[model.Interval][]model.Bar

func (m mapProvider) FetchBars(_ context.Context, iv model.Interval) ([]model.Bar, error) {
	bars, ok := m[iv]
	if !ok {
		return nil, errors.New("missing")
	}
	return bars, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	results []model.MAResult
}

func (p *fakePublisher) PublishResults(_ context.Context, rs []model.MAResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, rs...)
}

func (p *fakePublisher) find(key string, live bool) (model.MAResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.results) - 1; i >= 0; i-- {
		if r := p.results[i]; r.Key() == key && r.Live == live {
			return r, true
		}
	}
	return model.MAResult{}, false
}

type memSnapshots struct{ data []byte }

func (m *memSnapshots) SaveSnapshotJSON(_ context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memSnapshots) ReadLatestSnapshotJSON(context.Context) ([]byte, error) {
	return m.data, nil
}

type quoteRecorder struct{ quotes []model.Quote }

func (q *quoteRecorder) PublishQuote(_ context.Context, quote model.Quote) error {
	q.quotes = append(q.quotes, quote)
	return nil
}

var testWindows = indicator.Windows{
	"3": {{Interval: model.Day, Count: 2}, {Interval: model.Min5, Count: 3}},
}

type fixture struct {
	svc     *Service
	replay  *feed.Replay
	pub     *fakePublisher
	snaps   *memSnapshots
	quotes  *quoteRecorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	cal := testCalendar()
	src := mapProvider{}
	for _, iv := range model.Intervals {
		src[iv] = genBars(cal, iv)
	}
	replay, err := feed.NewReplay(context.Background(), cal, src, start)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		replay:  replay,
		pub:     &fakePublisher{},
		snaps:   &memSnapshots{},
		quotes:  &quoteRecorder{},
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	f.svc = New(Deps{
		Clock:     replay,
		Calendar:  cal,
		Bars:      replay,
		Quotes:    replay,
		Publisher: f.pub,
		QuoteSink: f.quotes,
		Restorer:  indicator.NewRestorer(indicator.NamedStore{Name: "mem", Store: f.snaps}),
		Metrics:   f.metrics,
		Health:    metrics.NewHealthStatus("test"),
	}, indicator.NewEngine(cal, testWindows, 2), Options{Symbol: "000300"})
	f.svc.OnSummary = nil
	return f
}

func assertClose(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestService_PollCommitsAndSkipsWhenCurrent(t *testing.T) {
	f := newFixture(t, at("2018-01-05 10:32"))
	ctx := context.Background()

	f.svc.PollHistorical(ctx)

	// 48 bars on 01-04 plus 09:35..10:30 on 01-05: last three closes 58, 59, 60.
	r, ok := f.pub.find("3:5min:3", false)
	if !ok || r.Status != model.StatusOK {
		t.Fatalf("committed 5min result = %+v, %v", r, ok)
	}
	assertClose(t, "committed SMA(3)", r.Value, 59)
	if !r.TS.Equal(at("2018-01-05 10:30")) {
		t.Errorf("committed ts = %s", r.TS)
	}

	// Only 01-04 is a closed day: two days are not available yet.
	if r, _ := f.pub.find("3:day:2", false); r.Status != model.StatusInsufficient {
		t.Errorf("day result status = %q, want insufficient", r.Status)
	}

	n, err := f.svc.PollInterval(ctx, model.Min5)
	if err != nil || n != 0 {
		t.Fatalf("second poll = %d, %v; want 0, nil", n, err)
	}
	if got := testutil.ToFloat64(f.metrics.PollsSkipped.WithLabelValues("5min")); got != 1 {
		t.Errorf("polls skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.BarsMerged.WithLabelValues("5min")); got != 60 {
		t.Errorf("bars merged = %v, want 60", got)
	}
}

func TestService_RealtimeProjectsThenCommits(t *testing.T) {
	f := newFixture(t, at("2018-01-05 10:32"))
	ctx := context.Background()
	f.svc.PollHistorical(ctx)

	var summary string
	f.svc.OnSummary = func(s string) { summary = s }

	if wait := f.svc.RealtimeStep(ctx); wait != 5*time.Second {
		t.Errorf("in-session wait = %s, want the quote poll period", wait)
	}
	// Replay advanced to 10:35 with price 61.
	live, ok := f.pub.find("3:5min:3", true)
	if !ok || live.Status != model.StatusOK {
		t.Fatalf("live 5min result = %+v, %v", live, ok)
	}
	assertClose(t, "live SMA(3)", live.Value, 60)

	// No committed day series: projected from the 01-04 bar and the live price.
	if day, ok := f.pub.find("3:day:2", true); !ok || day.Status != model.StatusOK {
		t.Errorf("live day result = %+v, %v", day, ok)
	} else {
		assertClose(t, "live day SMA(2)", day.Value, 31)
	}

	if len(f.quotes.quotes) != 1 || f.quotes.quotes[0].Price != 61 {
		t.Errorf("published quotes = %+v", f.quotes.quotes)
	}
	if !strings.Contains(summary, "MA3") || !strings.Contains(summary, "61.00") {
		t.Errorf("summary missing fields:\n%s", summary)
	}

	n, err := f.svc.PollInterval(ctx, model.Min5)
	if err != nil || n != 1 {
		t.Fatalf("poll after advance = %d, %v; want 1 new bar", n, err)
	}
	r, _ := f.pub.find("3:5min:3", false)
	assertClose(t, "committed SMA(3) after 10:35", r.Value, 60)
}

func TestService_RealtimeIdleOutsideSession(t *testing.T) {
	f := newFixture(t, at("2018-01-05 10:32"))
	ctx := context.Background()

	// Lunch break: the afternoon session opens in an hour.
	f.svc.deps.Clock = model.ClockFunc(func() time.Time { return at("2018-01-05 12:00") })
	if wait := f.svc.RealtimeStep(ctx); wait != 5*time.Minute {
		t.Errorf("lunch wait = %s, want MaxIdleWait", wait)
	}
	if len(f.quotes.quotes) != 0 {
		t.Errorf("quotes fetched outside the session: %+v", f.quotes.quotes)
	}

	f.svc.opts.MaxIdleWait = 2 * time.Hour
	if wait := f.svc.RealtimeStep(ctx); wait != time.Hour {
		t.Errorf("uncapped lunch wait = %s, want 1h", wait)
	}
}

func TestService_ShutdownSnapshotRestores(t *testing.T) {
	f := newFixture(t, at("2018-01-05 10:32"))
	f.svc.PollHistorical(context.Background())
	f.svc.Shutdown()

	if f.snaps.data == nil {
		t.Fatal("no snapshot saved on shutdown")
	}
	e := indicator.NewEngine(testCalendar(), testWindows, 2)
	if n := indicator.NewRestorer(indicator.NamedStore{Name: "mem", Store: f.snaps}).Restore(context.Background(), e); n == 0 {
		t.Fatal("nothing restored")
	}
	p, ok := e.Series(indicator.SeriesKey{Label: "3", Interval: model.Min5, Count: 3}).Last()
	if !ok {
		t.Fatal("restored series empty")
	}
	assertClose(t, "restored SMA(3)", p.Value, 59)
}

func TestService_ReloadWindowsCommitsNewWindows(t *testing.T) {
	f := newFixture(t, at("2018-01-05 10:32"))
	ctx := context.Background()
	f.svc.PollHistorical(ctx)

	f.svc.ReloadWindows(ctx, indicator.Windows{
		"3": {{Interval: model.Min5, Count: 3}},
		"5": {{Interval: model.Min5, Count: 5}},
	})
	r, ok := f.pub.find("5:5min:5", false)
	if !ok || r.Status != model.StatusOK {
		t.Fatalf("new window result = %+v, %v", r, ok)
	}
	assertClose(t, "SMA(5)", r.Value, 58)
	if got := f.svc.Engine().Labels(); len(got) != 2 {
		t.Errorf("labels after reload = %v", got)
	}
}

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

func TestService_PollIgnoresFormingBar(t *testing.T) {
	cal := testCalendar()
	all := genBars(cal, model.Min5)
	i1035 := -1
	for i, b := range all {
		if b.TS.Equal(at("2018-01-05 10:35")) {
			i1035 = i
		}
	}
	if i1035 < 0 {
		t.Fatal("no 10:35 bar generated")
	}

	// At 10:32 the provider already lists the forming 10:35 bar, 30 below
	// its final close.
	forming := append([]model.Bar{}, all[:i1035+1]...)
	forming[i1035].Close -= 30
	src := mapProvider{model.Min5: forming}
	clock := &stepClock{t: at("2018-01-05 10:32")}
	pub := &fakePublisher{}
	windows := indicator.Windows{"3": {{Interval: model.Min5, Count: 3}}}
	svc := New(Deps{Clock: clock, Calendar: cal, Bars: src, Publisher: pub},
		indicator.NewEngine(cal, windows, 2), Options{Symbol: "000300"})
	ctx := context.Background()

	if _, err := svc.PollInterval(ctx, model.Min5); err != nil {
		t.Fatal(err)
	}
	if last, _ := svc.Store().LastTS(model.Min5); !last.Equal(at("2018-01-05 10:30")) {
		t.Errorf("newest stored bar = %s, want 10:30", last)
	}
	r, _ := pub.find("3:5min:3", false)
	assertClose(t, "SMA(3) at 10:30", r.Value, 59)

	// At 10:42 the final 10:35 close and the 10:40 bar are served.
	clock.t = at("2018-01-05 10:42")
	src[model.Min5] = all[:i1035+2]
	n, err := svc.PollInterval(ctx, model.Min5)
	if err != nil || n != 2 {
		t.Fatalf("second poll = %d, %v; want 2 new bars", n, err)
	}
	series := svc.Engine().Series(indicator.SeriesKey{Label: "3", Interval: model.Min5, Count: 3})
	want := map[string]float64{"2018-01-05 10:35": 60, "2018-01-05 10:40": 61}
	for _, p := range series {
		key := p.TS.In(markethours.CST).Format("2006-01-02 15:04")
		if v, ok := want[key]; ok {
			assertClose(t, "SMA(3) at "+key, p.Value, v)
			delete(want, key)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing committed points: %v", want)
	}
}

func TestService_SummaryListsUnknownInterval(t *testing.T) {
	cal := testCalendar()
	windows := indicator.Windows{"3": {{Interval: model.Min5, Count: 3}, {Interval: "7min", Count: 3}}}
	svc := New(Deps{Calendar: cal, Bars: mapProvider{}}, indicator.NewEngine(cal, windows, 2), Options{Symbol: "000300"})

	_, committed := svc.Project()
	q := model.Quote{Price: 61, TS: at("2018-01-05 10:35")}
	summary := FormatSummary(svc.Engine().Labels(), q, "Session open", committed, nil)
	if !strings.Contains(summary, "7min/3 unavailable (invalid)") {
		t.Errorf("summary does not flag the unknown interval:\n%s", summary)
	}
}
