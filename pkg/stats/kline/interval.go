// Package kline builds OHLCV candles from trade events: a live in-memory
// aggregator for broadcasts and a batch aggregator that derives durable
// candles from the persisted trade log.
package kline

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownInterval = errors.New("unknown interval")

// Interval is a fixed candle width. Buckets are aligned to the unix epoch, so
// every bucket starts on a UTC calendar boundary.
type Interval struct {
	Name string
	Dur  time.Duration
}

var Intervals = []Interval{
	{"1m", time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"1d", 24 * time.Hour},
}

func ParseInterval(name string) (Interval, error) {
	for _, iv := range Intervals {
		if iv.Name == name {
			return iv, nil
		}
	}
	return Interval{}, fmt.Errorf("%w: %q", ErrUnknownInterval, name)
}

// Bucket returns [start, end) in unix ms for the bucket containing ts.
func (iv Interval) Bucket(ts int64) (start, end int64) {
	width := iv.Dur.Milliseconds()
	start = ts - ts%width
	if ts%width < 0 {
		start -= width
	}
	return start, start + width
}
