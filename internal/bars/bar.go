// Package bars defines the OHLCV bar model, the BarStore and Fetcher
// abstractions, and the concrete stores used by the data maintenance
// service (SQLite primary, SQLite or HTTP backups, LRU read cache).
package bars

import (
	"fmt"
	"time"
)

// Bar is one OHLCV row keyed by (symbol, interval, time). Symbols are
// always canonical by the time a Bar reaches a store.
type Bar struct {
	Symbol   string    `json:"symbol" msgpack:"s"`
	Interval string    `json:"interval" msgpack:"i"`
	Time     time.Time `json:"time" msgpack:"t"`
	Open     float64   `json:"open" msgpack:"o"`
	High     float64   `json:"high" msgpack:"h"`
	Low      float64   `json:"low" msgpack:"l"`
	Close    float64   `json:"close" msgpack:"c"`
	Volume   float64   `json:"volume" msgpack:"v"`
}

// Validate enforces the bar invariants: low ≤ open,close ≤ high and
// volume ≥ 0.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar has empty symbol")
	}
	if b.Interval == "" {
		return fmt.Errorf("bar %s has empty interval", b.Symbol)
	}
	if b.Time.IsZero() {
		return fmt.Errorf("bar %s has zero timestamp", b.Symbol)
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("bar %s@%s: low %.4f above open/close", b.Symbol, b.Time.Format(time.RFC3339), b.Low)
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar %s@%s: high %.4f below open/close", b.Symbol, b.Time.Format(time.RFC3339), b.High)
	}
	if b.Low > b.High {
		return fmt.Errorf("bar %s@%s: low %.4f above high %.4f", b.Symbol, b.Time.Format(time.RFC3339), b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %.2f", b.Symbol, b.Time.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// Common bar intervals.
const (
	Interval1d  = "1d"
	Interval1h  = "1h"
	Interval30m = "30m"
	Interval15m = "15m"
	Interval5m  = "5m"
)
