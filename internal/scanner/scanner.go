// Package scanner runs the scan loop: every tick it fetches each watchlist
// symbol's option chain from every provider, normalizes the records, and
// inserts the accepted ones into the whale model.
package scanner

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"whalestream/internal/domain"
	"whalestream/internal/gather"
	"whalestream/internal/metrics"
	"whalestream/internal/normalize"
	"whalestream/internal/util"
)

// Scan periods per market phase.
const (
	RegularPeriod  = 5 * time.Second
	ExtendedPeriod = 15 * time.Second
	ClosedPeriod   = 60 * time.Second

	// DefaultWorkers bounds how many symbols are scanned at once.
	DefaultWorkers = 8
)

// PeriodFor returns the tick period for phase.
func PeriodFor(phase util.Phase) time.Duration {
	switch phase {
	case util.PhaseRegular:
		return RegularPeriod
	case util.PhasePreMarket, util.PhasePostMarket:
		return ExtendedPeriod
	default:
		return ClosedPeriod
	}
}

// SpotSource resolves underlying prices. A false result means unknown.
type SpotSource interface {
	Spot(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

// Sink receives accepted whales. *live.WhaleModel implements it.
type Sink interface {
	Insert(w domain.Whale) bool
	Rollover() bool
	MarkScanned()
}

// Options configures a Scanner.
type Options struct {
	Watchlist  []string
	Workers    int
	Fetchers   []gather.ChainFetcher
	Prices     SpotSource
	Normalizer *normalize.Normalizer
	Sink       Sink
	Clock      util.Clock
	Calendar   *util.TradingCalendar
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Scanner is the whale scan loop. It implements gather.Gatherer.
type Scanner struct {
	watchlist []string
	workers   int
	fetchers  []gather.ChainFetcher
	prices    SpotSource
	norm      *normalize.Normalizer
	sink      Sink
	clock     util.Clock
	cal       *util.TradingCalendar
	metrics   *metrics.Metrics
	log       *slog.Logger
}

var _ gather.Gatherer = (*Scanner)(nil)

// New creates a Scanner. Symbols are upper-cased and blank entries dropped.
func New(opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Calendar == nil {
		opts.Calendar = util.NewTradingCalendar(nil)
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New(normalize.DefaultFilter(), opts.Calendar)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	watchlist := make([]string, 0, len(opts.Watchlist))
	for _, sym := range opts.Watchlist {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			watchlist = append(watchlist, sym)
		}
	}

	return &Scanner{
		watchlist: watchlist,
		workers:   opts.Workers,
		fetchers:  opts.Fetchers,
		prices:    opts.Prices,
		norm:      opts.Normalizer,
		sink:      opts.Sink,
		clock:     opts.Clock,
		cal:       opts.Calendar,
		metrics:   opts.Metrics,
		log:       opts.Logger.With("gatherer", "whale-scanner"),
	}
}

// Name returns the gatherer identifier.
func (s *Scanner) Name() string { return "whale-scanner" }

// Run ticks until ctx is cancelled. The wait between ticks follows the
// market phase at the end of each tick.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info("scanner started", "symbols", len(s.watchlist), "providers", len(s.fetchers), "workers", s.workers)
	for {
		start := time.Now()
		stats := s.Tick(ctx)
		if ctx.Err() != nil {
			s.log.Info("scanner stopped")
			return nil
		}

		phase := s.cal.MarketPhase(s.clock.Now())
		period := PeriodFor(phase)
		s.log.Debug("tick done",
			"phase", phase,
			"raw", stats.Raw,
			"accepted", stats.Accepted,
			"inserted", stats.Inserted,
			"rejected", stats.Rejected,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"next", period,
		)

		wait := period - time.Since(start)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scanner stopped")
			return nil
		case <-timer.C:
		}
	}
}

// TickStats summarizes one tick.
type TickStats struct {
	Raw      int64
	Accepted int64
	Inserted int64
	Rejected int64
}

type tickCounters struct {
	raw, accepted, inserted, rejected atomic.Int64
}

// Tick runs one scan over the whole watchlist. A pending pre-market wipe
// runs before any fetch.
func (s *Scanner) Tick(ctx context.Context) TickStats {
	s.sink.Rollover()

	var c tickCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, sym := range s.watchlist {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.scanSymbol(gctx, sym, &c)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil {
		s.sink.MarkScanned()
	}
	return TickStats{
		Raw:      c.raw.Load(),
		Accepted: c.accepted.Load(),
		Inserted: c.inserted.Load(),
		Rejected: c.rejected.Load(),
	}
}

// scanSymbol fetches sym from every provider concurrently. Each provider's
// records are inserted as soon as that provider returns, so on a cross
// provider duplicate the faster one wins.
func (s *Scanner) scanSymbol(ctx context.Context, sym string, c *tickCounters) {
	var spot decimal.Decimal
	if s.prices != nil {
		spot, _ = s.prices.Spot(ctx, sym)
	}

	var g errgroup.Group
	for _, f := range s.fetchers {
		g.Go(func() error {
			raws := f.FetchChain(ctx, sym, spot)
			if ctx.Err() != nil {
				return nil
			}
			s.ingest(sym, spot, raws, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scanner) ingest(sym string, spot decimal.Decimal, raws []domain.RawContract, c *tickCounters) {
	c.raw.Add(int64(len(raws)))
	for _, raw := range raws {
		w, reason := s.norm.Normalize(raw, sym, spot, s.clock.Now())
		if reason != domain.RejectNone {
			c.rejected.Add(1)
			s.metrics.Rejected.WithLabelValues(string(reason)).Inc()
			if reason == domain.RejectMalformed {
				s.log.Debug("malformed record", "symbol", sym, "contract", raw.ContractID, "problem", raw.Problem)
			}
			continue
		}
		c.accepted.Add(1)
		if s.sink.Insert(w) {
			c.inserted.Add(1)
		}
	}
}
