package model

import "time"

// Quote is one real-time price observation from the live-quote provider.
type Quote struct {
	Price float64   `json:"price"`
	TS    time.Time `json:"ts"`
}
