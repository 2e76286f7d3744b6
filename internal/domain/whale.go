// Package domain defines the core types shared by the scanner, the whale
// store and the HTTP surface.
package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"whalestream/internal/util"
)

func init() {
	// Prices and premiums go out as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Side is the option right.
type Side string

const (
	Call Side = "call"
	Put  Side = "put"
)

// ParseSide accepts the provider spellings of an option right.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "call", "Call", "CALL", "C", "c":
		return Call, true
	case "put", "Put", "PUT", "P", "p":
		return Put, true
	}
	return "", false
}

// Moneyness classifies strike against spot.
type Moneyness string

const (
	ITM Moneyness = "ITM"
	ATM Moneyness = "ATM"
	OTM Moneyness = "OTM"
)

// Flag is a derived marker on a whale.
type Flag string

const (
	FlagMega  Flag = "mega"
	FlagLotto Flag = "lotto"
	FlagSweep Flag = "sweep"
)

// Source identifies the upstream provider that produced a record.
type Source string

const (
	SourcePolygon    Source = "A"
	SourceMarketData Source = "B"
)

// View selects one of the two whale projections.
type View string

const (
	ViewAll      View = "all"
	ViewShortDTE View = "30dte"
)

// ParseView maps a query value onto a View. Empty means the 30-DTE view.
func ParseView(s string) (View, bool) {
	switch s {
	case "", "30dte":
		return ViewShortDTE, true
	case "all":
		return ViewAll, true
	}
	return "", false
}

// RejectReason names the filter that discarded a raw record. The empty
// reason means the record was accepted.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectVolumeLow      RejectReason = "volume_low"
	RejectVolOIRatioLow  RejectReason = "vol_oi_ratio_low"
	RejectPremiumLow     RejectReason = "premium_low"
	RejectDTEOutOfRange  RejectReason = "dte_out_of_range"
	RejectStaleTimestamp RejectReason = "stale_ts"
	RejectMalformed      RejectReason = "malformed"
)

// RejectReasons lists every non-empty reason, in evaluation order.
var RejectReasons = []RejectReason{
	RejectMalformed,
	RejectStaleTimestamp,
	RejectDTEOutOfRange,
	RejectVolumeLow,
	RejectVolOIRatioLow,
	RejectPremiumLow,
}

// RawContract is one contract as mapped out of a provider response, before
// filtering. Problem is non-empty when a required field was missing or
// unparseable.
type RawContract struct {
	ContractID   string
	Underlying   string
	Strike       decimal.Decimal
	Expiry       util.Date
	Side         Side
	Volume       int64
	OpenInterest int64
	LastPrice    decimal.Decimal
	TradeTS      time.Time
	Delta        *float64
	IV           *float64
	Sweep        bool
	Source       Source
	Problem      string
}

// Whale is an accepted unusual-volume option print. Values are never
// mutated after insertion.
type Whale struct {
	Underlying   string          `json:"underlying"`
	ContractID   string          `json:"contract_id"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       util.Date       `json:"expiry"`
	Side         Side            `json:"side"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Premium      decimal.Decimal `json:"premium"`
	PremiumStr   string          `json:"premium_str"`
	VolOI        float64         `json:"vol_oi"`
	DTE          int             `json:"dte"`
	Delta        *float64        `json:"delta,omitempty"`
	IV           *float64        `json:"iv,omitempty"`
	Moneyness    Moneyness       `json:"moneyness"`
	Flags        []Flag          `json:"flags"`
	TradeTS      time.Time       `json:"trade_ts"`
	IngestTS     time.Time       `json:"ingest_ts"`
	Source       Source          `json:"source"`
}

// Has reports whether f is set on w.
func (w *Whale) Has(f Flag) bool {
	for _, g := range w.Flags {
		if g == f {
			return true
		}
	}
	return false
}

// IsLotto is shorthand for Has(FlagLotto).
func (w *Whale) IsLotto() bool { return w.Has(FlagLotto) }

// DedupKey identifies one print across providers.
type DedupKey struct {
	ContractID string
	TradeSec   int64
	Volume     int64
	LastPrice  string
}

// Key returns the dedup key of w. The trade timestamp is truncated to the
// second to absorb provider clock skew.
func (w *Whale) Key() DedupKey {
	return DedupKey{
		ContractID: w.ContractID,
		TradeSec:   w.TradeTS.Unix(),
		Volume:     w.Volume,
		LastPrice:  w.LastPrice.StringFixed(4),
	}
}
