package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whalestream/internal/domain"
	"whalestream/internal/gather"
	"whalestream/internal/metrics"
	"whalestream/internal/util"
)

var _ gather.ChainFetcher = (*MarketData)(nil)

// DefaultMarketDataURL is the production REST endpoint.
const DefaultMarketDataURL = "https://api.marketdata.app"

// DefaultMarketDataInterval is the documented minimum spacing between calls.
const DefaultMarketDataInterval = 250 * time.Millisecond

const marketDataPageSize = 500

// MarketDataConfig configures the MarketData.app adapter.
type MarketDataConfig struct {
	Token       string
	BaseURL     string
	MinInterval time.Duration
	HTTPClient  *http.Client
	Calendar    *util.TradingCalendar
	Clock       util.Clock
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// MarketData fetches option chains from /v1/options/chain. Responses are
// columnar: one array per field, indexed by row.
type MarketData struct {
	f       *fetcher
	baseURL string
	cal     *util.TradingCalendar
	clock   util.Clock
}

// NewMarketData creates the source B adapter.
func NewMarketData(cfg MarketDataConfig) *MarketData {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultMarketDataURL
	}
	if cfg.Calendar == nil {
		cfg.Calendar = util.NewTradingCalendar(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = util.SystemClock{}
	}
	f := newFetcher(cfg.HTTPClient, cfg.MinInterval, domain.SourceMarketData, cfg.Metrics, cfg.Logger)
	f.header.Set("Authorization", "Bearer "+cfg.Token)
	return &MarketData{
		f:       f,
		baseURL: base,
		cal:     cfg.Calendar,
		clock:   cfg.Clock,
	}
}

// Source returns domain.SourceMarketData.
func (m *MarketData) Source() domain.Source { return domain.SourceMarketData }

// FetchChain implements gather.ChainFetcher.
func (m *MarketData) FetchChain(ctx context.Context, underlying string, spot decimal.Decimal) []domain.RawContract {
	start := time.Now()
	records, err := m.fetch(ctx, underlying, spot)
	m.f.observe(start, len(records), err)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.f.log.Warn("chain fetch failed", "underlying", underlying, "error", err)
		}
		return nil
	}
	return records
}

func (m *MarketData) fetch(ctx context.Context, underlying string, spot decimal.Decimal) ([]domain.RawContract, error) {
	q := url.Values{}
	q.Set("from", m.cal.TradingDate(m.clock.Now()).String())
	q.Set("limit", fmt.Sprint(marketDataPageSize))
	if r, ok := gather.StrikeRangeFor(spot); ok {
		q.Set("strike", r.Low.StringFixed(2)+"-"+r.High.StringFixed(2))
	}
	base := m.baseURL + "/v1/options/chain/" + url.PathEscape(strings.ToUpper(underlying)) + "/"

	seen := make(map[string]bool)
	var out []domain.RawContract

	for page := 0; page < MaxPages; page++ {
		q.Set("offset", fmt.Sprint(page*marketDataPageSize))

		var resp marketDataResponse
		if err := m.f.getJSON(ctx, base+"?"+q.Encode(), &resp); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound && strings.Contains(se.Body, "no_data") {
				return out, nil
			}
			return nil, err
		}
		switch resp.S {
		case "ok":
		case "no_data":
			return out, nil
		default:
			return nil, fmt.Errorf("marketdata status %q: %s", resp.S, resp.Errmsg)
		}

		rows := len(resp.OptionSymbol)
		added := 0
		for i := 0; i < rows; i++ {
			raw := resp.row(i, underlying, m.cal)
			if seen[raw.ContractID] {
				continue
			}
			seen[raw.ContractID] = true
			out = append(out, raw)
			added++
			if len(out) >= MaxRecords {
				return out, nil
			}
		}
		if rows < marketDataPageSize || added == 0 {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

type marketDataResponse struct {
	S            string             `json:"s"`
	Errmsg       string             `json:"errmsg"`
	OptionSymbol []string           `json:"optionSymbol"`
	Expiration   []*int64           `json:"expiration"`
	Side         []*string          `json:"side"`
	Strike       []*decimal.Decimal `json:"strike"`
	Updated      []*int64           `json:"updated"`
	Last         []*decimal.Decimal `json:"last"`
	OpenInterest []*float64         `json:"openInterest"`
	Volume       []*float64         `json:"volume"`
	Delta        []*float64         `json:"delta"`
	IV           []*float64         `json:"iv"`
}

func at[T any](col []*T, i int) *T {
	if i < len(col) {
		return col[i]
	}
	return nil
}

func (r *marketDataResponse) row(i int, underlying string, cal *util.TradingCalendar) domain.RawContract {
	raw := domain.RawContract{
		ContractID: r.OptionSymbol[i],
		Underlying: underlying,
		Source:     domain.SourceMarketData,
		Delta:      at(r.Delta, i),
		IV:         at(r.IV, i),
	}
	var missing []string

	if v := at(r.Strike, i); v != nil {
		raw.Strike = *v
	} else {
		missing = append(missing, "strike")
	}
	if v := at(r.Expiration, i); v != nil {
		raw.Expiry = util.DateOf(cal.Local(time.Unix(*v, 0)))
	} else {
		missing = append(missing, "expiration")
	}
	if v := at(r.Side, i); v != nil {
		if side, ok := domain.ParseSide(*v); ok {
			raw.Side = side
		} else {
			missing = append(missing, "side")
		}
	} else {
		missing = append(missing, "side")
	}
	if v := at(r.Volume, i); v != nil {
		raw.Volume = int64(*v)
	} else {
		missing = append(missing, "volume")
	}
	if v := at(r.OpenInterest, i); v != nil {
		raw.OpenInterest = int64(*v)
	} else {
		missing = append(missing, "openInterest")
	}
	if v := at(r.Last, i); v != nil {
		raw.LastPrice = *v
	} else {
		missing = append(missing, "last")
	}
	if v := at(r.Updated, i); v != nil {
		raw.TradeTS = time.Unix(*v, 0)
	} else {
		missing = append(missing, "updated")
	}

	if len(missing) > 0 {
		raw.Problem = "missing " + strings.Join(missing, ", ")
	}
	return raw
}
