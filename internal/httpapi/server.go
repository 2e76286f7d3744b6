// Package httpapi serves the whale read surface: paginated snapshots, the
// SSE and WebSocket streams, per-symbol and ticker lookups, and spot prices.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whalestream/internal/domain"
	"whalestream/internal/live"
	"whalestream/internal/price"
	"whalestream/internal/scanner"
	"whalestream/internal/util"
)

const (
	defaultLimit     = 25
	defaultRestLimit = 100
	defaultSymbol    = "SPY"

	// StaleAfter is how long the regular session may go without a
	// mutation before snapshots are flagged stale.
	StaleAfter = 2 * scanner.RegularPeriod

	// Heartbeat intervals of the stream endpoints.
	RegularHeartbeat = 5 * time.Second
	IdleHeartbeat    = 60 * time.Second
)

// Model is the read side of the whale model. *live.WhaleModel implements it.
type Model interface {
	Snapshot(q live.Query, limit, offset int) live.Page
	Subscribe(q live.Query) (*live.Subscription, live.Page)
	Unsubscribe(id string)
	Tickers(view domain.View) []string
}

// PriceLookup resolves spot prices. *price.Service implements it.
type PriceLookup interface {
	Quote(ctx context.Context, symbol string) (price.Quote, bool)
}

// Options configures a WhaleServer.
type Options struct {
	Model    Model
	Prices   PriceLookup
	Clock    util.Clock
	Calendar *util.TradingCalendar
	Logger   *slog.Logger
	// Heartbeat overrides the phase-based heartbeat interval when positive.
	Heartbeat time.Duration
}

// WhaleServer serves the whale HTTP API.
type WhaleServer struct {
	model     Model
	prices    PriceLookup
	clock     util.Clock
	cal       *util.TradingCalendar
	log       *slog.Logger
	heartbeat time.Duration
}

// NewWhaleServer creates a new whale HTTP server.
func NewWhaleServer(opts Options) *WhaleServer {
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Calendar == nil {
		opts.Calendar = util.NewTradingCalendar(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WhaleServer{
		model:     opts.Model,
		prices:    opts.Prices,
		clock:     opts.Clock,
		cal:       opts.Calendar,
		log:       opts.Logger.With("component", "httpapi"),
		heartbeat: opts.Heartbeat,
	}
}

// RegisterRoutes adds whale API routes to the given mux.
func (s *WhaleServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/whales", s.handleWhales)
	mux.HandleFunc("GET /api/whales/stream", s.handleStream)
	mux.HandleFunc("GET /api/whales/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/whales/rest", s.handleRest)
	mux.HandleFunc("GET /api/whales/tickers", s.handleTickers)
	mux.HandleFunc("GET /api/price", s.handlePrice)
	mux.HandleFunc("GET /api/ping", s.handlePing)
}

// Handler returns an http.Handler with CORS middleware applied.
func (s *WhaleServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

var errBadParam = errors.New("bad parameter")

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadParam, name)
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", errBadParam, name)
	}
	return b, nil
}

// parseQuery reads view and lotto.
func parseQuery(r *http.Request) (live.Query, error) {
	view, ok := domain.ParseView(r.URL.Query().Get("view"))
	if !ok {
		return live.Query{}, fmt.Errorf("%w: view must be all or 30dte", errBadParam)
	}
	lotto, err := boolParam(r, "lotto")
	if err != nil {
		return live.Query{}, err
	}
	return live.Query{View: view, LottoOnly: lotto}, nil
}

// ---------------------------------------------------------------------------
// Snapshot handlers
// ---------------------------------------------------------------------------

// response wraps a page with the staleness flag for now.
func (s *WhaleServer) response(p live.Page) WhalesResponse {
	out := WhalesResponse{Data: p.Data, Loading: p.Loading, Total: p.Total}
	if out.Data == nil {
		out.Data = []domain.Whale{}
	}
	if p.Loading {
		return out
	}
	out.Timestamp = p.LastMutation.Unix()
	now := s.clock.Now()
	out.Stale = s.cal.MarketPhase(now) == util.PhaseRegular && now.Sub(p.LastMutation) > StaleAfter
	return out
}

func (s *WhaleServer) handleWhales(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, s.response(s.model.Snapshot(q, limit, offset)))
}

// handleRest returns the newest records of one underlying from the all
// view. An empty symbol or ALL returns every underlying.
func (s *WhaleServer) handleRest(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lotto, err := boolParam(r, "lotto")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := live.Query{View: domain.ViewAll, LottoOnly: lotto}
	if sym := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol"))); sym != "ALL" {
		q.Underlying = sym
	}
	writeJSON(w, s.response(s.model.Snapshot(q, limit, 0)))
}

func (s *WhaleServer) handleTickers(w http.ResponseWriter, r *http.Request) {
	view, ok := domain.ParseView(r.URL.Query().Get("view"))
	if !ok {
		writeError(w, http.StatusBadRequest, "view must be all or 30dte")
		return
	}
	writeJSON(w, TickersResponse{Tickers: s.model.Tickers(view)})
}

func (s *WhaleServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if sym == "" {
		sym = defaultSymbol
	}
	if s.prices == nil {
		writeError(w, http.StatusNotFound, "price unavailable")
		return
	}

	q, ok := s.prices.Quote(r.Context(), sym)
	if !ok {
		writeError(w, http.StatusNotFound, "price unavailable")
		return
	}
	now := s.clock.Now()
	writeJSON(w, PriceResponse{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Source:    q.Source,
		IsLive:    s.cal.IsMarketOpen(now),
		Timestamp: q.At.Unix(),
	})
}

func (s *WhaleServer) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, PingResponse{Status: "ok", Timestamp: s.clock.Now().Unix()})
}

// heartbeatInterval is 5s in the regular session and 60s otherwise.
func (s *WhaleServer) heartbeatInterval() time.Duration {
	if s.heartbeat > 0 {
		return s.heartbeat
	}
	if s.cal.MarketPhase(s.clock.Now()) == util.PhaseRegular {
		return RegularHeartbeat
	}
	return IdleHeartbeat
}
