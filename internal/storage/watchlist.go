package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DayStats is one day's streaming recap, saved when a stream stops and at
// the end-of-day snapshot.
type DayStats struct {
	MessageCounts   map[string]int64 `json:"message_counts"`
	TotalReconnects int              `json:"total_reconnects"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
	Tickers         []string         `json:"tickers"`
	SavedAt         string           `json:"saved_at"`
}

// Watchlist is the persisted shape of orderbook_watchlist.json.
type Watchlist struct {
	Tickers    []string            `json:"tickers"`
	DailyStats map[string]DayStats `json:"daily_stats"`
	UpdatedAt  string              `json:"updated_at"`
}

// WatchlistStore persists the supervisor's ticker list and daily aggregate
// counters. The supervisor is the only writer.
type WatchlistStore struct {
	path   string
	logger *slog.Logger
}

// NewWatchlistStore creates a store at dir/orderbook_watchlist.json.
func NewWatchlistStore(dir string, logger *slog.Logger) (*WatchlistStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &WatchlistStore{
		path:   filepath.Join(dir, "orderbook_watchlist.json"),
		logger: logger.With("component", "watchlist_store"),
	}, nil
}

// Load reads the persisted watchlist. A missing or corrupt file yields an
// empty watchlist — the daemon simply starts with no tickers.
func (s *WatchlistStore) Load() Watchlist {
	wl := Watchlist{DailyStats: make(map[string]DayStats)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read watchlist", "error", err)
		}
		return wl
	}
	if err := json.Unmarshal(data, &wl); err != nil {
		s.logger.Warn("failed to parse watchlist", "error", err)
		return Watchlist{DailyStats: make(map[string]DayStats)}
	}
	if wl.DailyStats == nil {
		wl.DailyStats = make(map[string]DayStats)
	}
	return wl
}

// Save writes the watchlist atomically (tmp + rename).
func (s *WatchlistStore) Save(wl Watchlist) error {
	wl.UpdatedAt = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(wl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watchlist: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write watchlist: %w", err)
	}
	return os.Rename(tmp, s.path)
}
