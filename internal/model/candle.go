// Package model holds the domain types shared across the pipeline: candles,
// indicator snapshots, signal candidates, persisted signals, portfolio state,
// and notification envelopes.
package model

import (
	"fmt"
	"time"
)

// Candle is a closed OHLC bar for a single currency pair.
// Prices are quote-currency floats as returned by the broker.
type Candle struct {
	Pair     string    `json:"pair"`
	TF       Timeframe `json:"tf"`
	OpenTime time.Time `json:"open_time"` // bar start (UTC, boundary-aligned)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume,omitempty"`
	Complete bool      `json:"complete"`
}

// Key returns the stream identity "pair:tf".
func (c *Candle) Key() string {
	return c.Pair + ":" + string(c.TF)
}

// Validate checks OHLC consistency and boundary alignment.
func (c *Candle) Validate() error {
	if !c.Complete {
		return fmt.Errorf("candle %s @ %s not closed", c.Key(), c.OpenTime.Format(time.RFC3339))
	}
	if !c.TF.IsAligned(c.OpenTime) {
		return fmt.Errorf("candle %s open_time %s not aligned to %s boundary",
			c.Pair, c.OpenTime.Format(time.RFC3339), c.TF)
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.High < hi || c.Low > lo {
		return fmt.Errorf("candle %s @ %s has inconsistent OHLC", c.Key(), c.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// TrueRange returns the bar's true range given the previous close.
// With no previous close (first bar) it falls back to high-low.
func (c *Candle) TrueRange(prevClose float64) float64 {
	tr := c.High - c.Low
	if prevClose > 0 {
		if d := abs(c.High - prevClose); d > tr {
			tr = d
		}
		if d := abs(c.Low - prevClose); d > tr {
			tr = d
		}
	}
	return tr
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// IndicatorSnapshot is the per-bar output of the indicator cache, consumed by
// the signal engine. Prev* values are the MAs as of the previous closed bar,
// which is what crossover detection needs.
type IndicatorSnapshot struct {
	Pair        string    `json:"pair"`
	TF          Timeframe `json:"tf"`
	BarOpenTime time.Time `json:"bar_open_time"`
	Close       float64   `json:"close"`
	FastMA      float64   `json:"fast_ma"`
	SlowMA      float64   `json:"slow_ma"`
	PrevFastMA  float64   `json:"prev_fast_ma"`
	PrevSlowMA  float64   `json:"prev_slow_ma"`
	ATR         float64   `json:"atr"`
	ATRZ        float64   `json:"atr_z"` // ATR z-score vs the buffered TR window
	Warm        bool      `json:"warm"`
}
