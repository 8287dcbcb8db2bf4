// Package feed holds the bar and quote providers the tracker can run
// against: CSV files, a CSV-backed replay, an HTTP JSON source and a
// websocket quote stream.
package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"smawatch/internal/markethours"
	"smawatch/internal/model"
)

var csvColumns = []string{"date", "open", "high", "close", "low", "volume"}

// dateLayouts are tried in order. Day bars carry a bare date; minute bars the
// bar close, with or without seconds.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	markethours.DayLayout,
}

// ParseBarTime parses a bar timestamp in exchange time.
func ParseBarTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, markethours.CST); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised bar time %q", s)
}

// CSVFeed is a BarProvider reading "<Base>_<interval>.csv" files, e.g.
// "data/csi300_5min.csv".
type CSVFeed struct {
	Base string
}

// NewCSVFeed returns a CSVFeed for the given base path.
func NewCSVFeed(base string) *CSVFeed {
	return &CSVFeed{Base: base}
}

// Path returns the file backing iv.
func (f *CSVFeed) Path(iv model.Interval) string {
	return fmt.Sprintf("%s_%s.csv", f.Base, iv)
}

// FetchBars implements model.BarProvider.
func (f *CSVFeed) FetchBars(ctx context.Context, iv model.Interval) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path(iv))
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	bars, err := ReadBarsCSV(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path(iv), err)
	}
	return bars, nil
}

// ReadBarsCSV parses bars from CSV with a header row naming at least
// date, open, high, close and low (any order). volume is optional. Rows may
// be in any order; the caller's BarSeries sorts them.
func ReadBarsCSV(r io.Reader) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range csvColumns[:5] {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var bars []model.Bar
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := parseRecord(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRecord(rec []string, idx map[string]int) (model.Bar, error) {
	field := func(col string) (string, bool) {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}
	num := func(col string) (float64, error) {
		s, ok := field(col)
		if !ok {
			return 0, fmt.Errorf("missing %s", col)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("bad %s %q", col, s)
		}
		return v, nil
	}

	var b model.Bar
	ds, _ := field("date")
	ts, err := ParseBarTime(ds)
	if err != nil {
		return b, err
	}
	b.TS = ts
	if b.Open, err = num("open"); err != nil {
		return b, err
	}
	if b.High, err = num("high"); err != nil {
		return b, err
	}
	if b.Low, err = num("low"); err != nil {
		return b, err
	}
	if b.Close, err = num("close"); err != nil {
		return b, err
	}
	if s, ok := field("volume"); ok && s != "" {
		if b.Volume, err = strconv.ParseFloat(s, 64); err != nil {
			return b, fmt.Errorf("bad volume %q", s)
		}
	}
	return b, nil
}

// WriteBarsCSV writes bars in the column order ReadBarsCSV expects.
func WriteBarsCSV(w io.Writer, iv model.Interval, bars []model.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, b := range bars {
		ts := b.TS.In(markethours.CST)
		date := ts.Format(dateLayouts[0])
		if iv.IsDay() {
			date = ts.Format(markethours.DayLayout)
		}
		if err := cw.Write([]string{date, ff(b.Open), ff(b.High), ff(b.Close), ff(b.Low), ff(b.Volume)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
