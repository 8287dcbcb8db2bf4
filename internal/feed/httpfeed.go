package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"smawatch/internal/model"

	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPFeed.
type HTTPConfig struct {
	BaseURL string        // e.g. "http://localhost:9100"
	Symbol  string        // passed as ?symbol=
	RPS     float64       // request rate limit, default 2/s
	Burst   int           // default 1
	Timeout time.Duration // per-request timeout, default 15s
}

// HTTPFeed fetches bars and quotes from a JSON HTTP source:
//
//	GET {base}/bars?symbol=S&interval=5min   [{"date":"2018-01-05 10:30","open":..,"high":..,"low":..,"close":..,"volume":..}, ...]
//	GET {base}/quote?symbol=S                {"price":4012.3,"date":"2018-01-05","time":"10:31:02"}
type HTTPFeed struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFeed returns an HTTPFeed. Requests are rate-limited across bars and
// quotes.
func NewHTTPFeed(cfg HTTPConfig) (*HTTPFeed, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPFeed{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}, nil
}

type wireBar struct {
	Date   string      `json:"date"`
	Open   json.Number `json:"open"`
	High   json.Number `json:"high"`
	Low    json.Number `json:"low"`
	Close  json.Number `json:"close"`
	Volume json.Number `json:"volume"`
}

type wireQuote struct {
	Price json.Number `json:"price"`
	Date  string      `json:"date"`
	Time  string      `json:"time"`
}

// FetchBars implements model.BarProvider.
func (f *HTTPFeed) FetchBars(ctx context.Context, iv model.Interval) ([]model.Bar, error) {
	q := url.Values{"symbol": {f.cfg.Symbol}, "interval": {string(iv)}}
	var rows []wireBar
	if err := f.getJSON(ctx, "/bars", q, &rows); err != nil {
		return nil, err
	}

	bars := make([]model.Bar, 0, len(rows))
	for i, row := range rows {
		b, err := row.bar()
		if err != nil {
			return nil, fmt.Errorf("bars[%d]: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Quote implements model.QuoteProvider.
func (f *HTTPFeed) Quote(ctx context.Context) (model.Quote, error) {
	var wq wireQuote
	if err := f.getJSON(ctx, "/quote", url.Values{"symbol": {f.cfg.Symbol}}, &wq); err != nil {
		return model.Quote{}, err
	}
	price, err := wq.Price.Float64()
	if err != nil {
		return model.Quote{}, fmt.Errorf("quote: bad price %q", wq.Price)
	}
	ts, err := ParseBarTime(wq.Date + " " + wq.Time)
	if err != nil {
		return model.Quote{}, fmt.Errorf("quote: %w", err)
	}
	return model.Quote{Price: price, TS: ts}, nil
}

func (f *HTTPFeed) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	u := f.cfg.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("http feed fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("http feed read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http feed %s: status %d, body: %s", path, resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("http feed decode %s: %w", path, err)
	}
	return nil
}

func (w wireBar) bar() (model.Bar, error) {
	var b model.Bar
	ts, err := ParseBarTime(w.Date)
	if err != nil {
		return b, err
	}
	b.TS = ts
	fields := []struct {
		name string
		raw  json.Number
		dst  *float64
	}{
		{"open", w.Open, &b.Open},
		{"high", w.High, &b.High},
		{"low", w.Low, &b.Low},
		{"close", w.Close, &b.Close},
	}
	for _, fl := range fields {
		v, err := strconv.ParseFloat(string(fl.raw), 64)
		if err != nil {
			return b, fmt.Errorf("bad %s %q", fl.name, fl.raw)
		}
		*fl.dst = v
	}
	if w.Volume != "" {
		if b.Volume, err = w.Volume.Float64(); err != nil {
			return b, fmt.Errorf("bad volume %q", w.Volume)
		}
	}
	return b, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
