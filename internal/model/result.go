package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Result status values. Anything other than StatusOK means Value is not
// meaningful and must be shown as unavailable.
const (
	StatusOK           = "ok"
	StatusInsufficient = "insufficient"
	StatusGap          = "gap"
	StatusInvalid      = "invalid"
)

// MAResult is one moving-average value for a (label, interval, count) window.
type MAResult struct {
	Label    string    `json:"label"` // window label, e.g. "20"
	Interval Interval  `json:"interval"`
	Count    int       `json:"count"`
	Value    float64   `json:"value"`
	TS       time.Time `json:"ts"`     // bar close the value belongs to
	Live     bool      `json:"live"`   // true for projections of the forming bar
	Status   string    `json:"status"` // StatusOK, StatusInsufficient, ...
}

// Name returns "MA_{count}" e.g. "MA_960".
func (r *MAResult) Name() string {
	return "MA_" + strconv.Itoa(r.Count)
}

// Ready reports whether Value can be displayed.
func (r *MAResult) Ready() bool { return r.Status == StatusOK }

// Key returns "{label}:{interval}:{count}".
func (r *MAResult) Key() string {
	return r.Label + ":" + string(r.Interval) + ":" + strconv.Itoa(r.Count)
}

// PubSubChannel returns the channel live and committed values are published on.
func (r *MAResult) PubSubChannel(symbol string) string {
	return "pub:ma:" + symbol + ":" + r.Key()
}

// LatestKey returns the key holding the latest committed value.
func (r *MAResult) LatestKey(symbol string) string {
	return "ma:latest:" + symbol + ":" + r.Key()
}

// JSON returns the JSON-encoded result.
func (r *MAResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
