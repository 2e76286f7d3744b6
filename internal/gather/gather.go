package gather

import (
	"context"

	"github.com/shopspring/decimal"

	"whalestream/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run starts the data gathering process. It blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// ChainFetcher pulls one underlying's option chain from an upstream
// provider. Implementations paginate internally, deduplicate within a
// response and never return an error: failures are counted and yield an
// empty slice.
type ChainFetcher interface {
	// Source identifies the provider in diagnostics and on each record.
	Source() domain.Source
	// FetchChain returns the chain for underlying. A positive spot narrows
	// the strike range.
	FetchChain(ctx context.Context, underlying string, spot decimal.Decimal) []domain.RawContract
}

var (
	half        = decimal.RequireFromString("0.5")
	oneAndAHalf = decimal.RequireFromString("1.5")
)

// StrikeRange represents the strike bounds requested from a provider.
type StrikeRange struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

// StrikeRangeFor returns [spot*0.5, spot*1.5]. ok is false when spot is not
// positive and the full chain should be requested.
func StrikeRangeFor(spot decimal.Decimal) (StrikeRange, bool) {
	if spot.Sign() <= 0 {
		return StrikeRange{}, false
	}
	return StrikeRange{Low: spot.Mul(half), High: spot.Mul(oneAndAHalf)}, true
}
