package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"smawatch/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Feed != FeedCSV || c.MaxProjectionGap != 2 || c.QuotePoll != 5*time.Second {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if got := len(c.ParseIntervals()); got != 5 {
		t.Errorf("default intervals = %d, want 5", got)
	}
}

func TestLoad_EnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SYMBOL=000905\nQUOTE_POLL=2s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAX_PROJECTION_GAP", "4")
	t.Setenv("FEED", "replay")
	t.Setenv("REPLAY_START", "2018-01-05T10:30:00+08:00")
	// .env values are written into the process environment
	t.Cleanup(func() {
		os.Unsetenv("SYMBOL")
		os.Unsetenv("QUOTE_POLL")
	})

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxProjectionGap != 4 || c.QuotePoll != 2*time.Second {
		t.Errorf("got gap=%d poll=%s", c.MaxProjectionGap, c.QuotePoll)
	}
	if c.Symbol != "000905" {
		t.Errorf("Symbol = %q, want value from .env", c.Symbol)
	}
	if c.ReplayStart.IsZero() {
		t.Error("REPLAY_START not parsed")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Feed: FeedCSV, CalendarSource: "static", MaxProjectionGap: 2,
			QuotePoll: time.Second, EnabledIntervals: "5min"}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	bad := map[string]func(*Config){
		"unknown feed":      func(c *Config) { c.Feed = "kafka" },
		"replay w/o start":  func(c *Config) { c.Feed = FeedReplay },
		"zero gap":          func(c *Config) { c.MaxProjectionGap = 0 },
		"no intervals":      func(c *Config) { c.EnabledIntervals = "1min, ,weekly" },
		"calendar source":   func(c *Config) { c.CalendarSource = "tushare" },
		"non-positive poll": func(c *Config) { c.QuotePoll = 0 },
	}
	for name, mutate := range bad {
		c := base()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseIntervals(t *testing.T) {
	c := &Config{EnabledIntervals: " 5min,day,bogus,5min ,60min"}
	got := c.ParseIntervals()
	want := []model.Interval{model.Min5, model.Day, model.Min60}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestWindows_FromYAMLRestricted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "windows.yaml")
	yml := `
windows:
  "20":
    - {interval: day, count: 20}
    - {interval: 5min, count: 960}
  "10":
    - {interval: 60min, count: 38.5}
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	c := &Config{WindowsFile: path, EnabledIntervals: "day,60min"}
	w, err := c.Windows()
	if err != nil {
		t.Fatal(err)
	}
	if len(w["20"]) != 1 || w["20"][0].Interval != model.Day {
		t.Errorf("window 20 = %+v", w["20"])
	}
	// Non-integral counts load; the engine reports them as invalid.
	if len(w["10"]) != 1 || w["10"][0].Count != 38.5 {
		t.Errorf("window 10 = %+v", w["10"])
	}
}

func TestLoadWindows_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.yaml":   "windows: {}\n",
		"badiv.yaml":   "windows:\n  \"5\":\n    - {interval: 1min, count: 5}\n",
		"notyaml.yaml": "windows: [\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name)
		os.WriteFile(p, []byte(body), 0o644)
		if _, err := LoadWindows(p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadWindows(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestWindows_DefaultTable(t *testing.T) {
	c := &Config{EnabledIntervals: "day,60min,30min,15min,5min"}
	w, err := c.Windows()
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 7 {
		t.Errorf("default labels = %d, want 7", len(w))
	}
}
