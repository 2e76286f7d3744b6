// Package price resolves underlying spot prices for strike narrowing and
// moneyness. Lookups go through a per-symbol TTL cache, then a chain of
// quote sources; failures are silent to callers and visible in counters.
package price

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whalestream/internal/metrics"
	"whalestream/internal/util"
)

const (
	// DefaultTTL is how long a resolved price is served from cache.
	DefaultTTL = 60 * time.Second
	// DefaultNegativeTTL is how long a failed lookup is remembered.
	DefaultNegativeTTL = 30 * time.Second

	// SourceCache marks a quote answered from the cache.
	SourceCache = "cache"
)

// ErrNoPrice is returned by a Quoter that has no price for the symbol.
var ErrNoPrice = errors.New("no price")

// Quoter is one upstream price source.
type Quoter interface {
	Name() string
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Quote is a resolved spot price.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
	At     time.Time       `json:"timestamp"`
}

type entry struct {
	quote    Quote
	expires  time.Time
	negative bool
}

// Options configures a Service.
type Options struct {
	Quoters     []Quoter
	TTL         time.Duration
	NegativeTTL time.Duration
	Clock       util.Clock
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Service is the price lookup with its own lock, independent of the whale
// model.
type Service struct {
	mu      sync.Mutex
	entries map[string]entry

	quoters []Quoter
	ttl     time.Duration
	negTTL  time.Duration
	clock   util.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewService creates a Service that tries opts.Quoters in order.
func NewService(opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		entries: make(map[string]entry),
		quoters: opts.Quoters,
		ttl:     opts.TTL,
		negTTL:  opts.NegativeTTL,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "price"),
	}
}

// Spot returns the spot price of symbol, or false when none is known.
func (s *Service) Spot(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	q, ok := s.Quote(ctx, symbol)
	return q.Price, ok
}

// Quote resolves symbol through the cache, then each Quoter in turn. A
// symbol no source could price is not retried until the negative TTL ends.
func (s *Service) Quote(ctx context.Context, symbol string) (Quote, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	now := s.clock.Now()

	s.mu.Lock()
	e, ok := s.entries[symbol]
	s.mu.Unlock()
	if ok && now.Before(e.expires) {
		if e.negative {
			s.metrics.PriceLookups.WithLabelValues(SourceCache, "miss").Inc()
			return Quote{}, false
		}
		s.metrics.PriceLookups.WithLabelValues(SourceCache, "hit").Inc()
		q := e.quote
		q.Source = SourceCache
		return q, true
	}

	for _, qt := range s.quoters {
		p, err := qt.Quote(ctx, symbol)
		if err == nil && p.Sign() <= 0 {
			err = ErrNoPrice
		}
		if err != nil {
			s.metrics.PriceLookups.WithLabelValues(qt.Name(), "error").Inc()
			s.log.Debug("quote failed", "symbol", symbol, "source", qt.Name(), "error", err)
			if ctx.Err() != nil {
				return Quote{}, false
			}
			continue
		}

		s.metrics.PriceLookups.WithLabelValues(qt.Name(), "ok").Inc()
		q := Quote{Symbol: symbol, Price: p, Source: qt.Name(), At: now}
		s.store(symbol, entry{quote: q, expires: now.Add(s.ttl)})
		return q, true
	}

	s.store(symbol, entry{expires: now.Add(s.negTTL), negative: true})
	return Quote{}, false
}

func (s *Service) store(symbol string, e entry) {
	s.mu.Lock()
	s.entries[symbol] = e
	s.mu.Unlock()
}
