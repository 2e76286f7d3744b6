package options

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"

	"whalestream/internal/domain"
	"whalestream/internal/gather"
	"whalestream/internal/metrics"
	"whalestream/internal/util"
)

var _ gather.ChainFetcher = (*Polygon)(nil)

// DefaultPolygonURL is the production REST endpoint.
const DefaultPolygonURL = "https://api.polygon.io"

const polygonPageSize = 250

// PolygonConfig configures the Polygon adapter.
type PolygonConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Calendar   *util.TradingCalendar
	Clock      util.Clock
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Polygon fetches option chain snapshots through the Polygon REST client.
type Polygon struct {
	client *polygon.Client
	f      *fetcher
	cal    *util.TradingCalendar
	clock  util.Clock
}

// NewPolygon creates the source A adapter.
func NewPolygon(cfg PolygonConfig) *Polygon {
	if cfg.Calendar == nil {
		cfg.Calendar = util.NewTradingCalendar(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = util.SystemClock{}
	}
	return &Polygon{
		client: NewPolygonClient(cfg.APIKey, cfg.BaseURL, cfg.HTTPClient),
		f:      newFetcher(nil, 0, domain.SourcePolygon, cfg.Metrics, cfg.Logger),
		cal:    cfg.Calendar,
		clock:  cfg.Clock,
	}
}

// NewPolygonClient builds a Polygon REST client whose requests retry once
// on connection errors, 5xx and 429. The SDK's own retries are disabled.
// An empty baseURL means DefaultPolygonURL.
func NewPolygonClient(apiKey, baseURL string, hc *http.Client) *polygon.Client {
	c := polygon.NewWithClient(apiKey, newRetryClient(hc))
	c.HTTP.SetRetryCount(0)
	if base := strings.TrimRight(baseURL, "/"); base != "" {
		c.HTTP.SetBaseURL(base)
	} else {
		c.HTTP.SetBaseURL(DefaultPolygonURL)
	}
	return c
}

// Source returns domain.SourcePolygon.
func (p *Polygon) Source() domain.Source { return domain.SourcePolygon }

// FetchChain implements gather.ChainFetcher.
func (p *Polygon) FetchChain(ctx context.Context, underlying string, spot decimal.Decimal) []domain.RawContract {
	start := time.Now()
	records, err := p.fetch(ctx, underlying, spot)
	p.f.observe(start, len(records), err)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.f.log.Warn("chain fetch failed", "underlying", underlying, "error", redactErr(err))
		}
		return nil
	}
	return records
}

func (p *Polygon) fetch(ctx context.Context, underlying string, spot decimal.Decimal) ([]domain.RawContract, error) {
	from := models.Date(p.cal.TradingDate(p.clock.Now()).In(util.Eastern))
	limit := polygonPageSize
	params := &models.ListOptionsChainParams{
		UnderlyingAsset:   strings.ToUpper(underlying),
		ExpirationDateGTE: &from,
		Limit:             &limit,
	}
	if r, ok := gather.StrikeRangeFor(spot); ok {
		lo, _ := r.Low.Round(2).Float64()
		hi, _ := r.High.Round(2).Float64()
		params.StrikePriceGTE = &lo
		params.StrikePriceLTE = &hi
	}

	ctx, pages := withPageCounter(ctx)
	iter := p.client.ListOptionsChainSnapshot(ctx, params)

	seen := make(map[string]bool)
	var out []domain.RawContract
	for iter.Next() {
		raw := fromSnapshot(iter.Item(), underlying)
		if raw.ContractID != "" {
			if seen[raw.ContractID] {
				continue
			}
			seen[raw.ContractID] = true
		}
		out = append(out, raw)
		if len(out) >= MaxRecords {
			return out, nil
		}
	}
	if err := iter.Err(); err != nil {
		if pages.Load() > MaxPages && ctx.Err() == nil {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// fromSnapshot maps one SDK snapshot onto a RawContract. The SDK decodes
// absent numbers as zero, so a zero strike, expiry or timestamp counts as
// missing. Zero volume and open interest are kept and left to the filter.
func fromSnapshot(s models.OptionContractSnapshot, underlying string) domain.RawContract {
	raw := domain.RawContract{Underlying: underlying, Source: domain.SourcePolygon}
	var missing []string

	d := s.Details
	raw.ContractID = d.Ticker
	if raw.ContractID == "" {
		missing = append(missing, "ticker")
	}
	if d.StrikePrice > 0 {
		raw.Strike = decimal.NewFromFloat(d.StrikePrice)
	} else {
		missing = append(missing, "strike_price")
	}
	if exp := time.Time(d.ExpirationDate); !exp.IsZero() {
		raw.Expiry = util.DateOf(exp)
	} else {
		missing = append(missing, "expiration_date")
	}
	if side, ok := domain.ParseSide(d.ContractType); ok {
		raw.Side = side
	} else {
		missing = append(missing, "contract_type")
	}

	raw.Volume = int64(s.Day.Volume)
	raw.OpenInterest = int64(s.OpenInterest)

	switch {
	case s.LastTrade.Price > 0:
		raw.LastPrice = decimal.NewFromFloat(s.LastTrade.Price)
	case s.Day.Close > 0:
		raw.LastPrice = decimal.NewFromFloat(s.Day.Close)
	default:
		missing = append(missing, "last_price")
	}
	switch {
	case !time.Time(s.LastTrade.Timestamp).IsZero():
		raw.TradeTS = time.Time(s.LastTrade.Timestamp)
	case !time.Time(s.Day.LastUpdated).IsZero():
		raw.TradeTS = time.Time(s.Day.LastUpdated)
	default:
		missing = append(missing, "last_updated")
	}

	if s.Greeks.Delta != 0 {
		delta := s.Greeks.Delta
		raw.Delta = &delta
	}
	if s.ImpliedVolatility > 0 {
		iv := s.ImpliedVolatility
		raw.IV = &iv
	}

	if len(missing) > 0 {
		raw.Problem = "missing " + strings.Join(missing, ", ")
	}
	return raw
}
