// Package provider defines the narrow broker interface the collector
// depends on, plus the in-tree simulator, caches and the failover wrapper.
package provider

import (
	"context"
	"time"

	"github.com/g6io/g6/internal/expiry"
	"github.com/g6io/g6/internal/greeks"
)

// InstrumentType distinguishes calls from puts.
type InstrumentType string

const (
	TypeCall InstrumentType = "CE"
	TypePut  InstrumentType = "PE"
)

// Valid reports whether t is one of the two option types.
func (t InstrumentType) Valid() bool { return t == TypeCall || t == TypePut }

// OHLC is the daily open/high/low/close for an index.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Instrument is one raw option contract row from the broker. Immutable.
type Instrument struct {
	TradingSymbol  string         `json:"tradingsymbol"`
	Exchange       string         `json:"exchange"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Strike         float64        `json:"strike"`
	Expiry         time.Time      `json:"expiry"`
	UnderlyingName string         `json:"name"`
}

// Quote is an enriched option row. IV and Greeks are filled by the
// analytics phase before persistence; zero means not computed.
type Quote struct {
	Symbol         string         `json:"symbol"`
	Exchange       string         `json:"exchange"`
	LastPrice      float64        `json:"last_price"`
	Volume         int64          `json:"volume"`
	OI             int64          `json:"oi"`
	AvgPrice       float64        `json:"avg_price"`
	Timestamp      time.Time      `json:"timestamp"`
	Strike         float64        `json:"strike"`
	InstrumentType InstrumentType `json:"instrument_type"`
	IV             float64        `json:"iv,omitempty"`
	Greeks         *greeks.Greeks `json:"greeks,omitempty"`
}

// Provider is the narrow broker adapter. All calls are context-bound;
// retries are the caller's concern.
type Provider interface {
	// Name identifies the adapter in logs and metrics.
	Name() string
	// IndexData returns the spot price and daily OHLC for an index.
	IndexData(ctx context.Context, index string) (float64, OHLC, error)
	// ATMStrike returns the broker's at-the-money strike, falling back
	// to rounding the spot price to the index step.
	ATMStrike(ctx context.Context, index string) (float64, error)
	// LTP returns the last traded price of the index.
	LTP(ctx context.Context, index string) (float64, error)
	// ExpiryDates lists the available option expiries for an index.
	ExpiryDates(ctx context.Context, index string) ([]time.Time, error)
	// ResolveExpiry maps an expiry rule to a concrete date.
	ResolveExpiry(ctx context.Context, index string, rule expiry.Rule) (time.Time, error)
	// OptionInstruments returns the contracts for an expiry restricted
	// to the requested strikes.
	OptionInstruments(ctx context.Context, index string, expiryDate time.Time, strikes []float64) ([]Instrument, error)
	// Quotes enriches instruments with market quotes keyed by symbol.
	Quotes(ctx context.Context, instruments []Instrument) (map[string]Quote, error)
}

// SyntheticQuotes builds zero-price quotes for instruments so the
// downstream status classification degrades to PARTIAL instead of
// crashing when the quote provider returns nothing. Diagnostic mode only.
func SyntheticQuotes(instruments []Instrument, ts time.Time) map[string]Quote {
	out := make(map[string]Quote, len(instruments))
	for _, inst := range instruments {
		out[inst.TradingSymbol] = Quote{
			Symbol:         inst.TradingSymbol,
			Exchange:       inst.Exchange,
			Timestamp:      ts,
			Strike:         inst.Strike,
			InstrumentType: inst.InstrumentType,
		}
	}
	return out
}
