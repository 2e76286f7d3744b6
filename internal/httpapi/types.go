package httpapi

import (
	"github.com/shopspring/decimal"

	"whalestream/internal/domain"
)

// WhalesResponse is the body of /api/whales, /api/whales/rest and every
// stream event.
type WhalesResponse struct {
	Data      []domain.Whale `json:"data"`
	Stale     bool           `json:"stale"`
	Timestamp int64          `json:"timestamp"` // unix seconds of the last mutation
	Loading   bool           `json:"loading"`
	Total     int            `json:"total"`
}

// StreamMessage is one WebSocket frame. Type is "snapshot", "insert" or
// "heartbeat", matching the SSE event names.
type StreamMessage struct {
	Type string `json:"type"`
	WhalesResponse
}

// TickersResponse lists the underlyings present in a view.
type TickersResponse struct {
	Tickers []string `json:"tickers"`
}

// PriceResponse is the body of /api/price.
type PriceResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	IsLive    bool            `json:"is_live"`
	Timestamp int64           `json:"timestamp"`
}

// PingResponse is the body of /api/ping.
type PingResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Stream event names.
const (
	eventSnapshot  = "snapshot"
	eventInsert    = "insert"
	eventHeartbeat = "heartbeat"
)
