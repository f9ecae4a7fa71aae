package storage

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"idx-tape/pkg/types"
)

var tradeHeader = []string{
	"id", "date", "time", "action", "code", "price", "change",
	"lot", "buyer", "seller", "trade_number", "buyer_type",
	"seller_type", "market_board",
}

// TradeSink appends running-trade records to per-job CSV files. One crawl
// job produces one file per ticker covering the whole date range:
// <TICKER>_<FROM>_<UNTIL>.csv. The sink is append-only and does not
// deduplicate; resumed tasks re-fetch whole days, not partial pages.
type TradeSink struct {
	dir    string
	logger *slog.Logger
}

// NewTradeSink creates a sink rooted at dir, creating it if needed.
func NewTradeSink(dir string, logger *slog.Logger) (*TradeSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &TradeSink{dir: dir, logger: logger.With("component", "trade_sink")}, nil
}

// Filename returns the CSV name used for a ticker within a job's date range.
func (s *TradeSink) Filename(ticker, fromDate, untilDate string) string {
	return fmt.Sprintf("%s_%s_%s.csv", ticker, fromDate, untilDate)
}

// Append writes trades for one (ticker, date) into the named file, creating
// it with a header when absent. Returns the number of rows written.
func (s *TradeSink) Append(filename, date string, trades []types.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	path := filepath.Join(s.dir, filename)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(tradeHeader); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
	}

	for _, tr := range trades {
		row := []string{
			tr.ID,
			date,
			tr.Time,
			tr.Action,
			tr.Code,
			cleanPrice(tr.Price),
			cleanChange(tr.Change),
			strconv.FormatInt(tr.Lot, 10),
			tr.Buyer,
			tr.Seller,
			strconv.FormatInt(tr.TradeNumber, 10),
			tr.BuyerType,
			tr.SellerType,
			tr.MarketBoard,
		}
		if err := w.Write(row); err != nil {
			return 0, fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", path, err)
	}
	return len(trades), nil
}

// cleanPrice strips the vendor's thousand separators ("8,200" → "8200").
func cleanPrice(price string) string {
	return strings.ReplaceAll(price, ",", "")
}

// cleanChange strips percent signs and leading plus ("+1.25%" → "1.25").
func cleanChange(change string) string {
	change = strings.ReplaceAll(change, "%", "")
	return strings.TrimPrefix(change, "+")
}
