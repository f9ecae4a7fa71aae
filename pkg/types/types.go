// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the capture service — orderbook
// levels, running-trade records, stream statistics, and lifecycle events.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the book side an orderbook update belongs to.
type Side string

const (
	BID   Side = "BID"
	OFFER Side = "OFFER"
)

// ConnectionStatus describes the streamer's socket state as published in
// its stats snapshot.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusRetrying     ConnectionStatus = "retrying"
	StatusError        ConnectionStatus = "error"
	StatusStopped      ConnectionStatus = "stopped"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ————————————————————————————————————————————————————————————————————————
// Orderbook data
// ————————————————————————————————————————————————————————————————————————

// Level is one aggregated price level on one side of the book. Price and
// TotalValue are carried as decimals so they round-trip to CSV exactly as
// the vendor sent them; the service never does arithmetic over them.
type Level struct {
	Price      decimal.Decimal
	Lots       int64
	TotalValue decimal.Decimal
}

// BookUpdate is one decoded orderbook frame: all levels for one side of one
// ticker's book. ServerTimestamp is the vendor's textual timestamp when
// present; consumers substitute wall clock when empty.
type BookUpdate struct {
	Ticker          string
	Side            Side
	Levels          []Level
	ServerTimestamp string
}

// ————————————————————————————————————————————————————————————————————————
// Running trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one executed trade from the running-trade tape. The field set
// mirrors the vendor wire shape; values are kept as strings where the vendor
// sends formatted text (price with thousand separators, signed change).
type Trade struct {
	ID          string `json:"id"`
	Time        string `json:"time"`
	Action      string `json:"action"`
	Code        string `json:"code"`
	Price       string `json:"price"`
	Change      string `json:"change"`
	Lot         int64  `json:"lot"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	TradeNumber int64  `json:"trade_number"`
	BuyerType   string `json:"buyer_type"`
	SellerType  string `json:"seller_type"`
	MarketBoard string `json:"market_board"`
}

// ————————————————————————————————————————————————————————————————————————
// Stream statistics
// ————————————————————————————————————————————————————————————————————————

// StreamStats is a consistent snapshot of the streamer's state, read by the
// supervisor on every scheduler tick.
type StreamStats struct {
	Running          bool                 `json:"running"`
	Connected        bool                 `json:"connected"`
	ConnectionStatus ConnectionStatus     `json:"connection_status"`
	MessageCounts    map[string]int64     `json:"message_counts"`
	LastUpdates      map[string]time.Time `json:"last_updates"`
	TotalReconnects  int                  `json:"total_reconnects"`
	RetryCount       int                  `json:"retry_count"`
	UptimeSeconds    float64              `json:"uptime_seconds"`
	LastError        string               `json:"last_error,omitempty"`
	ConnectionTime   time.Time            `json:"connection_time"`
	LastDisconnect   time.Time            `json:"last_disconnect_time"`
}

// Healthy reports whether the stream is actually receiving data rather than
// stuck in a retry loop.
func (s StreamStats) Healthy() bool {
	if !s.Running {
		return false
	}
	switch s.ConnectionStatus {
	case StatusRetrying, StatusError, StatusStopped, StatusDisconnected:
		return false
	}
	return s.Connected
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// NormalizeTickers trims, uppercases, and deduplicates a ticker list while
// preserving insertion order.
func NormalizeTickers(tickers []string) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
