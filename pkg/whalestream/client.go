// Package whalestream is a Go client for the whale service HTTP API.
package whalestream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Views accepted by the whale endpoints.
const (
	ViewAll   = "all"
	View30DTE = "30dte"
)

// Whale is one unusual options print.
type Whale struct {
	Underlying   string          `json:"underlying"`
	ContractID   string          `json:"contract_id"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       string          `json:"expiry"`
	Side         string          `json:"side"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Premium      decimal.Decimal `json:"premium"`
	PremiumStr   string          `json:"premium_str"`
	VolOI        float64         `json:"vol_oi"`
	DTE          int             `json:"dte"`
	Delta        *float64        `json:"delta,omitempty"`
	IV           *float64        `json:"iv,omitempty"`
	Moneyness    string          `json:"moneyness"`
	Flags        []string        `json:"flags"`
	TradeTS      time.Time       `json:"trade_ts"`
	IngestTS     time.Time       `json:"ingest_ts"`
	Source       string          `json:"source"`
}

// Page is a whale listing or stream event body.
type Page struct {
	Data      []Whale `json:"data"`
	Stale     bool    `json:"stale"`
	Timestamp int64   `json:"timestamp"`
	Loading   bool    `json:"loading"`
	Total     int     `json:"total"`
}

// Event is one stream message.
type Event struct {
	Type string `json:"type"`
	Page
}

// Price is a spot price answer.
type Price struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	IsLive    bool            `json:"is_live"`
	Timestamp int64           `json:"timestamp"`
}

// Query selects whales. Zero values mean the server defaults.
type Query struct {
	View   string
	Lotto  bool
	Limit  int
	Offset int
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.View != "" {
		v.Set("view", q.View)
	}
	if q.Lotto {
		v.Set("lotto", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// APIError is a non-200 answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whalestream: HTTP %d: %s", e.Status, e.Message)
}

// StatusCode reports the HTTP status.
func (e *APIError) StatusCode() int { return e.Status }

// Client provides a Go SDK for interacting with the whale-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new whale API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Whales returns one page of whales, newest first.
func (c *Client) Whales(ctx context.Context, q Query) (*Page, error) {
	var p Page
	if err := c.get(ctx, "/api/whales", q.values(), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// BySymbol returns up to limit whales of one underlying. An empty symbol
// returns every underlying.
func (c *Client) BySymbol(ctx context.Context, symbol string, limit int, lotto bool) (*Page, error) {
	v := Query{Lotto: lotto, Limit: limit}.values()
	if symbol != "" {
		v.Set("symbol", symbol)
	}
	var p Page
	if err := c.get(ctx, "/api/whales/rest", v, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Tickers lists the underlyings present in a view.
func (c *Client) Tickers(ctx context.Context, view string) ([]string, error) {
	var out struct {
		Tickers []string `json:"tickers"`
	}
	if err := c.get(ctx, "/api/whales/tickers", Query{View: view}.values(), &out); err != nil {
		return nil, err
	}
	return out.Tickers, nil
}

// Price returns the spot price of symbol.
func (c *Client) Price(ctx context.Context, symbol string) (*Price, error) {
	v := url.Values{}
	if symbol != "" {
		v.Set("symbol", symbol)
	}
	var p Price
	if err := c.get(ctx, "/api/price", v, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Ping checks the server is up.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/api/ping", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("whalestream: ping status %q", out.Status)
	}
	return nil
}

// Stream follows the WebSocket feed and calls fn for every event until ctx
// ends, the connection drops, or fn returns an error.
func (c *Client) Stream(ctx context.Context, q Query, fn func(Event) error) error {
	u, err := url.Parse(c.baseURL + "/api/whales/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	v := q.values()
	v.Del("limit")
	v.Del("offset")
	u.RawQuery = v.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return fmt.Errorf("whalestream: dialing stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("whalestream: reading stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whalestream: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("whalestream: decoding %s: %w", path, err)
	}
	return nil
}
