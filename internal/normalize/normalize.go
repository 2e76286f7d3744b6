// Package normalize turns provider RawContracts into immutable Whales and
// applies the unusual-activity filter.
package normalize

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whalestream/internal/domain"
	"whalestream/internal/util"
)

var (
	hundred     = decimal.NewFromInt(100)
	defaultBand = decimal.RequireFromString("0.005")
)

// Filter holds the tunable thresholds. MaxDTE < 0 disables the upper DTE
// bound, which is how the all view is fed.
type Filter struct {
	MinVolume   int64
	VolOIRatio  decimal.Decimal
	MinPremium  decimal.Decimal
	MaxDTE      int
	MegaPremium decimal.Decimal
	LottoDelta  float64
	ATMBand     decimal.Decimal
}

// DefaultFilter returns the stricter flow thresholds.
func DefaultFilter() Filter {
	return Filter{
		MinVolume:   100,
		VolOIRatio:  decimal.RequireFromString("1.2"),
		MinPremium:  decimal.NewFromInt(25_000),
		MaxDTE:      -1,
		MegaPremium: decimal.NewFromInt(1_000_000),
		LottoDelta:  0.20,
		ATMBand:     defaultBand,
	}
}

// Normalizer applies a Filter against a trading calendar.
type Normalizer struct {
	filter Filter
	cal    *util.TradingCalendar
}

// New creates a Normalizer.
func New(f Filter, cal *util.TradingCalendar) *Normalizer {
	if f.ATMBand.IsZero() {
		f.ATMBand = defaultBand
	}
	return &Normalizer{filter: f, cal: cal}
}

// Filter returns the thresholds in use.
func (n *Normalizer) Filter() Filter { return n.filter }

// Normalize maps raw into a Whale, or returns the reason it was rejected.
// The returned Whale is only meaningful when the reason is RejectNone.
func (n *Normalizer) Normalize(raw domain.RawContract, underlying string, spot decimal.Decimal, now time.Time) (domain.Whale, domain.RejectReason) {
	if reason := malformed(raw); reason != domain.RejectNone {
		return domain.Whale{}, reason
	}

	dte := n.cal.DTE(raw.Expiry, now)
	premium := decimal.NewFromInt(raw.Volume).Mul(raw.LastPrice).Mul(hundred).Round(0)
	if reason := n.check(raw.TradeTS, dte, raw.Volume, raw.OpenInterest, premium, now); reason != domain.RejectNone {
		return domain.Whale{}, reason
	}

	w := domain.Whale{
		Underlying:   strings.ToUpper(underlying),
		ContractID:   ContractID(raw.ContractID),
		Strike:       raw.Strike,
		Expiry:       raw.Expiry,
		Side:         raw.Side,
		Volume:       raw.Volume,
		OpenInterest: raw.OpenInterest,
		LastPrice:    raw.LastPrice,
		Premium:      premium,
		PremiumStr:   FormatMoney(premium),
		VolOI:        volOI(raw.Volume, raw.OpenInterest),
		DTE:          dte,
		Delta:        raw.Delta,
		IV:           raw.IV,
		Moneyness:    n.Moneyness(raw.Side, raw.Strike, spot),
		Flags:        []domain.Flag{},
		TradeTS:      n.cal.Local(raw.TradeTS),
		IngestTS:     n.cal.Local(now),
		Source:       raw.Source,
	}

	if premium.GreaterThan(n.filter.MegaPremium) {
		w.Flags = append(w.Flags, domain.FlagMega)
	}
	if raw.Delta != nil && abs(*raw.Delta) < n.filter.LottoDelta {
		w.Flags = append(w.Flags, domain.FlagLotto)
	}
	if raw.Sweep {
		w.Flags = append(w.Flags, domain.FlagSweep)
	}
	return w, domain.RejectNone
}

// Admit re-runs the filter against an already normalized Whale, with DTE
// recomputed for now. Used when loading persisted state.
func (n *Normalizer) Admit(w domain.Whale, now time.Time) domain.RejectReason {
	if w.LastPrice.Sign() <= 0 || w.Volume < 1 {
		return domain.RejectMalformed
	}
	return n.check(w.TradeTS, n.cal.DTE(w.Expiry, now), w.Volume, w.OpenInterest, w.Premium, now)
}

func (n *Normalizer) check(tradeTS time.Time, dte int, volume, oi int64, premium decimal.Decimal, now time.Time) domain.RejectReason {
	f := n.filter
	switch {
	case n.cal.TradingDate(tradeTS) != n.cal.TradingDate(now):
		return domain.RejectStaleTimestamp
	case dte < 0 || (f.MaxDTE >= 0 && dte > f.MaxDTE):
		return domain.RejectDTEOutOfRange
	case volume < f.MinVolume || volume < 1:
		return domain.RejectVolumeLow
	case !decimal.NewFromInt(volume).GreaterThan(f.VolOIRatio.Mul(decimal.NewFromInt(oi))):
		return domain.RejectVolOIRatioLow
	case premium.Sign() <= 0 || premium.LessThan(f.MinPremium):
		return domain.RejectPremiumLow
	}
	return domain.RejectNone
}

func malformed(raw domain.RawContract) domain.RejectReason {
	switch {
	case raw.Problem != "",
		raw.ContractID == "",
		raw.Strike.Sign() <= 0,
		raw.Expiry.IsZero(),
		raw.Side != domain.Call && raw.Side != domain.Put,
		raw.TradeTS.IsZero(),
		raw.Volume < 0,
		raw.OpenInterest < 0,
		raw.LastPrice.Sign() < 0:
		return domain.RejectMalformed
	}
	return domain.RejectNone
}

// Moneyness classifies strike against spot. Within the ATM band of spot the
// contract is ATM; otherwise calls below spot and puts above spot are ITM.
// An unknown (zero) spot defaults to OTM.
func (n *Normalizer) Moneyness(side domain.Side, strike, spot decimal.Decimal) domain.Moneyness {
	if spot.Sign() <= 0 {
		return domain.OTM
	}
	if spot.Sub(strike).Abs().Div(spot).LessThanOrEqual(n.filter.ATMBand) {
		return domain.ATM
	}
	if (side == domain.Call && spot.GreaterThan(strike)) || (side == domain.Put && spot.LessThan(strike)) {
		return domain.ITM
	}
	return domain.OTM
}

// ContractID strips the "O:" namespace some providers prefix on OCC symbols.
func ContractID(id string) string {
	return strings.TrimPrefix(id, "O:")
}

// FormatMoney renders a premium as $1.2M, $300k or $850.
func FormatMoney(v decimal.Decimal) string {
	switch {
	case v.GreaterThanOrEqual(decimal.NewFromInt(1_000_000)):
		return "$" + v.Div(decimal.NewFromInt(1_000_000)).StringFixed(1) + "M"
	case v.GreaterThanOrEqual(decimal.NewFromInt(1_000)):
		return "$" + v.Div(decimal.NewFromInt(1_000)).StringFixed(0) + "k"
	default:
		return "$" + v.StringFixed(0)
	}
}

func volOI(volume, oi int64) float64 {
	if oi <= 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(volume).Div(decimal.NewFromInt(oi)).Round(1).Float64()
	return f
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
