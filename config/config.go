package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"smawatch/internal/indicator"
	"smawatch/internal/model"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Feed sources.
const (
	FeedCSV    = "csv"    // bars from CSV files, quotes from QUOTE_WS_URL
	FeedReplay = "replay" // CSV played back on a simulated clock
	FeedHTTP   = "http"   // bars and quotes from an HTTP JSON source
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Symbol string

	// Data sources
	Feed         string
	CSVBase      string // e.g. "data/csi300" → data/csi300_5min.csv
	ReplayStart  time.Time
	HTTPBaseURL  string
	HTTPRPS      float64
	QuoteWSURL   string // optional live quote stream; overrides the feed's quotes
	QuoteMaxAge  time.Duration
	QuotePoll    time.Duration // realtime loop period
	MaxIdleWait  time.Duration // cap on a single out-of-session sleep
	HistSchedule string        // cron spec for the historical poller

	// Calendar
	CalendarSource    string // "exchange" or "static"
	CalendarYearsBack int

	// Engine
	MaxProjectionGap int
	WindowsFile      string // optional YAML windows table
	EnabledIntervals string // comma-separated, e.g. "day,60min,30min,15min,5min"
	SnapshotPoints   int

	// Infrastructure
	SQLitePath    string
	PostgresDSN   string // when set, bars are kept in PostgreSQL instead of SQLite
	RedisAddr     string // empty disables Redis fan-out
	RedisPassword string
	RedisDB       int
	MetricsAddr   string

	// Alerts
	AlertWebhookURL   string
	AlertWebhookToken string
	TelegramBotToken  string
	TelegramChatID    string
	AlertsPerMinute   int

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads .env (if present) and then environment variables with defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] error loading .env file: %v", err)
	}

	c := &Config{
		Symbol: getEnv("SYMBOL", "000300"),

		Feed:         getEnv("FEED", FeedCSV),
		CSVBase:      getEnv("CSV_BASE", "data/csi300"),
		HTTPBaseURL:  getEnv("HTTP_BASE_URL", "http://localhost:9100"),
		HTTPRPS:      getEnvFloat("HTTP_RPS", 2),
		QuoteWSURL:   getEnv("QUOTE_WS_URL", ""),
		QuoteMaxAge:  getEnvDuration("QUOTE_MAX_AGE", 30*time.Second),
		QuotePoll:    getEnvDuration("QUOTE_POLL", 5*time.Second),
		MaxIdleWait:  getEnvDuration("MAX_IDLE_WAIT", 5*time.Minute),
		HistSchedule: getEnv("HIST_SCHEDULE", "@every 1m"),

		CalendarSource:    getEnv("CALENDAR_SOURCE", "exchange"),
		CalendarYearsBack: getEnvInt("CALENDAR_YEARS_BACK", 10),

		MaxProjectionGap: getEnvInt("MAX_PROJECTION_GAP", indicator.DefaultMaxProjectionGap),
		WindowsFile:      getEnv("WINDOWS_FILE", ""),
		EnabledIntervals: getEnv("ENABLED_INTERVALS", "day,60min,30min,15min,5min"),
		SnapshotPoints:   getEnvInt("SNAPSHOT_POINTS", 64),

		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		AlertWebhookURL:   getEnv("ALERT_WEBHOOK_URL", ""),
		AlertWebhookToken: getEnv("ALERT_WEBHOOK_TOKEN", ""),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    getEnv("TELEGRAM_CHAT_ID", ""),
		AlertsPerMinute:   getEnvInt("ALERTS_PER_MINUTE", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	if s := getEnv("REPLAY_START", ""); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("REPLAY_START: %w", err)
		}
		c.ReplayStart = t
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Feed {
	case FeedCSV, FeedHTTP:
	case FeedReplay:
		if c.ReplayStart.IsZero() {
			return errors.New("replay feed needs REPLAY_START")
		}
	default:
		return fmt.Errorf("unknown FEED %q", c.Feed)
	}
	if c.CalendarSource != "exchange" && c.CalendarSource != "static" {
		return fmt.Errorf("unknown CALENDAR_SOURCE %q", c.CalendarSource)
	}
	if c.MaxProjectionGap < 1 {
		return fmt.Errorf("MAX_PROJECTION_GAP must be at least 1, got %d", c.MaxProjectionGap)
	}
	if c.QuotePoll <= 0 {
		return errors.New("QUOTE_POLL must be positive")
	}
	if len(c.ParseIntervals()) == 0 {
		return errors.New("ENABLED_INTERVALS names no valid interval")
	}
	return nil
}

// ParseIntervals parses EnabledIntervals, skipping unknown names.
func (c *Config) ParseIntervals() []model.Interval {
	parts := strings.Split(c.EnabledIntervals, ",")
	ivs := make([]model.Interval, 0, len(parts))
	seen := make(map[model.Interval]bool)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		iv, err := model.ParseInterval(p)
		if err != nil {
			log.Printf("[config] skipping invalid interval: %q", p)
			continue
		}
		if !seen[iv] {
			seen[iv] = true
			ivs = append(ivs, iv)
		}
	}
	return ivs
}

// Windows returns the windows table: WindowsFile when set, otherwise the
// built-in defaults, restricted to the enabled intervals.
func (c *Config) Windows() (indicator.Windows, error) {
	w := indicator.DefaultWindows()
	if c.WindowsFile != "" {
		var err error
		if w, err = LoadWindows(c.WindowsFile); err != nil {
			return nil, err
		}
	}
	return restrict(w, c.ParseIntervals()), nil
}

type windowsFile struct {
	Windows indicator.Windows `yaml:"windows"`
}

// LoadWindows reads a YAML windows table:
//
//	windows:
//	  "20":
//	    - {interval: day, count: 20}
//	    - {interval: 5min, count: 960}
func LoadWindows(path string) (indicator.Windows, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read windows file '%s': %w", path, err)
	}
	var f windowsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse windows from YAML: %w", err)
	}
	if len(f.Windows) == 0 {
		return nil, fmt.Errorf("windows file '%s' defines no windows", path)
	}
	for label, specs := range f.Windows {
		for _, s := range specs {
			if !s.Interval.Valid() {
				return nil, fmt.Errorf("window %s: unknown interval %q", label, s.Interval)
			}
		}
	}
	return f.Windows, nil
}

func restrict(w indicator.Windows, ivs []model.Interval) indicator.Windows {
	keep := make(map[model.Interval]bool, len(ivs))
	for _, iv := range ivs {
		keep[iv] = true
	}
	out := make(indicator.Windows, len(w))
	for label, specs := range w {
		for _, s := range specs {
			if keep[s.Interval] {
				out[label] = append(out[label], s)
			}
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
