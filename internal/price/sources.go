package price

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Alpaca latest trade (primary)
// ---------------------------------------------------------------------------

// latestTrader is the slice of the Alpaca market-data client used here.
type latestTrader interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaQuoter prices a symbol at its latest trade.
type AlpacaQuoter struct {
	client latestTrader
}

// NewAlpacaQuoter creates an AlpacaQuoter with the given credentials. An
// empty dataURL uses the SDK default.
func NewAlpacaQuoter(apiKey, apiSecret, dataURL string) *AlpacaQuoter {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaQuoter{client: marketdata.NewClient(opts)}
}

// Name returns "alpaca".
func (a *AlpacaQuoter) Name() string { return "alpaca" }

// Quote returns the latest trade price.
func (a *AlpacaQuoter) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	trade, err := a.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca latest trade %s: %w", symbol, err)
	}
	if trade == nil {
		return decimal.Zero, ErrNoPrice
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// ---------------------------------------------------------------------------
// Polygon previous close (fallback)
// ---------------------------------------------------------------------------

// PolygonPrevQuoter prices a symbol at the previous session's close.
type PolygonPrevQuoter struct {
	client *polygon.Client
}

// NewPolygonPrevQuoter creates a PolygonPrevQuoter. An empty baseURL means
// api.polygon.io; a nil client gets a 5s timeout.
func NewPolygonPrevQuoter(baseURL, apiKey string, client *http.Client) *PolygonPrevQuoter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	c := polygon.NewWithClient(apiKey, client)
	c.HTTP.SetRetryCount(0)
	if baseURL = strings.TrimRight(baseURL, "/"); baseURL != "" {
		c.HTTP.SetBaseURL(baseURL)
	}
	return &PolygonPrevQuoter{client: c}
}

// Name returns "polygon_prev".
func (p *PolygonPrevQuoter) Name() string { return "polygon_prev" }

// Quote returns the adjusted close of the previous daily aggregate.
func (p *PolygonPrevQuoter) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	adjusted := true
	res, err := p.client.GetPreviousCloseAgg(ctx, &models.GetPreviousCloseAggParams{
		Ticker:   symbol,
		Adjusted: &adjusted,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("polygon prev %s: %w", symbol, err)
	}
	if len(res.Results) == 0 || res.Results[0].Close <= 0 {
		return decimal.Zero, ErrNoPrice
	}
	return decimal.NewFromFloat(res.Results[0].Close), nil
}
