// Package api assembles the whale service: the model, the scan loop, the
// price service, persistence, and the HTTP and gRPC health listeners, with
// one Start and one Shutdown.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"whalestream/internal/config"
	"whalestream/internal/domain"
	"whalestream/internal/gather"
	"whalestream/internal/gather/options"
	"whalestream/internal/httpapi"
	"whalestream/internal/live"
	"whalestream/internal/metrics"
	"whalestream/internal/normalize"
	"whalestream/internal/price"
	"whalestream/internal/scanner"
	"whalestream/internal/store"
	"whalestream/internal/util"
)

const (
	// ScanGrace is how long Shutdown waits for in-flight scan jobs.
	ScanGrace = 3 * time.Second
	// StatsInterval is the spacing of the periodic counters log line.
	StatsInterval = time.Minute
)

// Option customises a Service at construction.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c util.Clock) Option { return func(s *Service) { s.clock = c } }

// WithFetchers replaces the provider adapters built from the config.
func WithFetchers(f ...gather.ChainFetcher) Option {
	return func(s *Service) { s.fetchers = f; s.fetchersSet = true }
}

// WithQuoters replaces the price sources built from the config.
func WithQuoters(q ...price.Quoter) Option {
	return func(s *Service) { s.quoters = q; s.quotersSet = true }
}

// WithListeners makes Start serve on the given listeners instead of the
// configured addresses. A nil grpcLn disables the health endpoint.
func WithListeners(httpLn, grpcLn net.Listener) Option {
	return func(s *Service) { s.httpLn, s.grpcLn, s.listenersSet = httpLn, grpcLn, true }
}

// Service is the single explicitly constructed whale service.
type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	clock   util.Clock
	cal     *util.TradingCalendar
	metrics *metrics.Metrics

	fetchers    []gather.ChainFetcher
	fetchersSet bool
	quoters     []price.Quoter
	quotersSet  bool

	model     *live.WhaleModel
	prices    *price.Service
	scan      *scanner.Scanner
	snapshots *store.FileStore
	archive   store.SessionArchive
	debouncer *store.Debouncer
	web       *httpapi.WhaleServer

	httpLn, grpcLn net.Listener
	listenersSet   bool
	httpServer     *http.Server
	grpcServer     *grpc.Server
	health         *health.Server

	baseCtx    context.Context
	baseCancel context.CancelFunc
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	saveCancel context.CancelFunc
	saveDone   chan struct{}
	wg         sync.WaitGroup
}

// NewService wires every component from cfg. Provider adapters are only
// created for providers whose key is set.
func NewService(cfg *config.Config, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		clock:   util.SystemClock{},
		cal:     util.NewTradingCalendar(nil),
		metrics: metrics.New(),
	}
	for _, o := range opts {
		o(s)
	}

	norm := normalize.New(FilterFrom(cfg.Filter), s.cal)

	if cfg.Storage.ArchiveDir != "" {
		s.archive = store.NewParquetArchive(cfg.Storage.ArchiveDir)
	}

	s.model = live.NewWhaleModel(live.Options{
		Cap:      cfg.Scanner.ViewCap,
		Clock:    s.clock,
		Calendar: s.cal,
		Metrics:  s.metrics,
		Logger:   log,
		Admit:    norm,
		OnWipe:   s.archiveSession,
	})

	if !s.fetchersSet {
		s.fetchers = s.buildFetchers()
	}
	if !s.quotersSet {
		s.quoters = s.buildQuoters()
	}

	s.prices = price.NewService(price.Options{
		Quoters: s.quoters,
		Clock:   s.clock,
		Metrics: s.metrics,
		Logger:  log,
	})

	s.scan = scanner.New(scanner.Options{
		Watchlist:  cfg.Scanner.Watchlist,
		Workers:    cfg.Scanner.Workers,
		Fetchers:   s.fetchers,
		Prices:     s.prices,
		Normalizer: norm,
		Sink:       s.model,
		Clock:      s.clock,
		Calendar:   s.cal,
		Metrics:    s.metrics,
		Logger:     log,
	})

	s.snapshots = store.NewFileStore(cfg.Storage.CachePath)
	s.debouncer = store.NewDebouncer(s.model, s.snapshots, cfg.Storage.Debounce, s.metrics, log)

	s.web = httpapi.NewWhaleServer(httpapi.Options{
		Model:    s.model,
		Prices:   s.prices,
		Clock:    s.clock,
		Calendar: s.cal,
		Logger:   log,
	})
	return s
}

func (s *Service) buildFetchers() []gather.ChainFetcher {
	var out []gather.ChainFetcher
	if s.cfg.Polygon.APIKey != "" {
		out = append(out, options.NewPolygon(options.PolygonConfig{
			APIKey:   s.cfg.Polygon.APIKey,
			BaseURL:  s.cfg.Polygon.BaseURL,
			Calendar: s.cal,
			Clock:    s.clock,
			Metrics:  s.metrics,
			Logger:   s.log,
		}))
	}
	if s.cfg.MarketData.APIKey != "" {
		out = append(out, options.NewMarketData(options.MarketDataConfig{
			Token:       s.cfg.MarketData.APIKey,
			BaseURL:     s.cfg.MarketData.BaseURL,
			MinInterval: s.cfg.MarketData.MinInterval,
			Calendar:    s.cal,
			Clock:       s.clock,
			Metrics:     s.metrics,
			Logger:      s.log,
		}))
	}
	return out
}

func (s *Service) buildQuoters() []price.Quoter {
	var out []price.Quoter
	if s.cfg.Alpaca.APIKey != "" && s.cfg.Alpaca.APISecret != "" {
		out = append(out, price.NewAlpacaQuoter(s.cfg.Alpaca.APIKey, s.cfg.Alpaca.APISecret, s.cfg.Alpaca.DataURL))
	}
	if s.cfg.Polygon.APIKey != "" {
		out = append(out, price.NewPolygonPrevQuoter(s.cfg.Polygon.BaseURL, s.cfg.Polygon.APIKey, nil))
	}
	return out
}

// FilterFrom converts the configured thresholds.
func FilterFrom(c config.Filter) normalize.Filter {
	f := normalize.DefaultFilter()
	f.MinVolume = c.MinVolume
	f.VolOIRatio = decimal.NewFromFloat(c.VolOIRatio)
	f.MinPremium = decimal.NewFromFloat(c.MinPremium)
	f.MaxDTE = c.MaxDTE
	f.MegaPremium = decimal.NewFromFloat(c.MegaPremium)
	f.LottoDelta = c.LottoDelta
	return f
}

// archiveSession writes a wiped tape to the parquet archive. It runs on the
// model's wipe goroutine.
func (s *Service) archiveSession(session util.Date, wiped []domain.Whale) {
	if s.archive == nil {
		return
	}
	if err := s.archive.WriteSession(session, wiped); err != nil {
		s.log.Error("archiving session", "session", session.String(), "error", err)
		return
	}
	s.log.Info("session archived", "session", session.String(), "records", len(wiped))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start warm-loads the snapshot file, then launches the persistence
// debouncer, the scan loop, and the listeners. It returns once everything
// is running.
func (s *Service) Start(ctx context.Context) error {
	s.warmLoad()

	if !s.listenersSet {
		var err error
		if s.httpLn, err = net.Listen("tcp", s.cfg.Server.Addr()); err != nil {
			return fmt.Errorf("listening on %s: %w", s.cfg.Server.Addr(), err)
		}
		if addr := s.cfg.Server.GRPCAddr(); addr != "" {
			if s.grpcLn, err = net.Listen("tcp", addr); err != nil {
				s.httpLn.Close()
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
		}
	}

	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	saveCtx, saveCancel := context.WithCancel(s.baseCtx)
	s.saveCancel, s.saveDone = saveCancel, make(chan struct{})
	go func() {
		defer close(s.saveDone)
		if err := s.debouncer.Run(saveCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("debouncer stopped", "error", err)
		}
	}()

	scanCtx, scanCancel := context.WithCancel(s.baseCtx)
	s.scanCancel, s.scanDone = scanCancel, make(chan struct{})
	go func() {
		defer close(s.scanDone)
		if err := s.scan.Run(scanCtx); err != nil {
			s.log.Error("scanner stopped", "error", err)
		}
	}()

	if s.grpcLn != nil {
		s.startHealth()
	}

	s.httpServer = &http.Server{
		Handler:           s.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("HTTP server listening", "addr", s.httpLn.Addr().String())
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(s.baseCtx)
	}()

	s.log.Info("whale service started", "config", s.cfg, "providers", len(s.fetchers), "quoters", len(s.quoters))
	return nil
}

func (s *Service) warmLoad() {
	snap, ok, err := s.snapshots.Load()
	switch {
	case err != nil:
		s.log.Warn("discarded snapshot file, starting cold", "path", s.snapshots.Path(), "error", err)
	case !ok:
		s.log.Info("no snapshot file, starting cold", "path", s.snapshots.Path())
	default:
		s.model.Load(snap)
	}
}

// Shutdown stops the scan loop (abandoning jobs after ScanGrace), the
// listeners, and finally the debouncer, which flushes pending state.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.baseCancel == nil {
		return nil
	}

	s.scanCancel()
	select {
	case <-s.scanDone:
	case <-time.After(ScanGrace):
		s.log.Warn("scan jobs abandoned after grace period", "grace", ScanGrace)
	}

	if s.health != nil {
		s.health.Shutdown()
	}

	// Streams hold their connections open; ending the base context lets
	// Shutdown see them idle.
	s.baseCancel()
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	s.saveCancel()
	select {
	case <-s.saveDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("persistence flush: %w", ctx.Err()))
	}
	s.wg.Wait()

	s.log.Info("whale service stopped")
	return errors.Join(errs...)
}

// HTTPAddr returns the bound HTTP address once started.
func (s *Service) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Model exposes the whale model.
func (s *Service) Model() *live.WhaleModel { return s.model }

// Metrics exposes the service counters.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

func (s *Service) logStats(ctx context.Context) {
	t := time.NewTicker(StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap, err := s.metrics.Snapshot()
			if err != nil {
				s.log.Warn("reading metrics", "error", err)
				continue
			}
			s.log.Info("stats",
				"cache_size", snap.CacheSize,
				"inserts", snap.Inserts,
				"dedup_hits", snap.DedupHits,
				"evictions", snap.Evictions,
				"wipes", snap.Wipes,
				"age_seconds", snap.AgeSeconds,
				"subscribers", snap.Subscribers,
				"slow_dropped", snap.SlowDropped,
				"providers", snap.Providers,
				"rejected", snap.Rejected,
			)
		}
	}
}
