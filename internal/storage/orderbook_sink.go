// Package storage owns every file the service writes: live orderbook CSVs,
// historical trade CSVs, and the persisted watchlist. Each file has exactly
// one writer (the streamer for orderbook files, the crawl engine for trade
// files, the supervisor for the watchlist), so the locking here only guards
// against concurrent control calls like CloseAll during shutdown.
package storage

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"idx-tape/pkg/types"
)

var orderbookHeader = []string{"timestamp", "price", "lots", "total_value", "side"}

// openBook is one ticker's open CSV handle and the calendar date it was
// opened under.
type openBook struct {
	file   *os.File
	writer *csv.Writer
	date   string // YYYY-MM-DD, host-local
}

// OrderbookSink appends orderbook levels to per-ticker per-day CSV files
// named <YYYY-MM-DD>_<TICKER>.csv. The date in the name is the host-local
// calendar date at append time; on rollover the old handle is closed and a
// new file opens lazily on the next append. Every append is flushed so an
// external reader sees rows promptly.
type OrderbookSink struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	books map[string]*openBook

	// now is injectable for rotation tests.
	now func() time.Time
}

// NewOrderbookSink creates a sink rooted at dir, creating it if needed.
func NewOrderbookSink(dir string, logger *slog.Logger) (*OrderbookSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create orderbook dir: %w", err)
	}
	return &OrderbookSink{
		dir:    dir,
		logger: logger.With("component", "orderbook_sink"),
		books:  make(map[string]*openBook),
		now:    time.Now,
	}, nil
}

// WriteLevel appends one row. Storage failures are logged and the row is
// dropped; the stream must keep running.
func (s *OrderbookSink) WriteLevel(ticker, timestamp string, lv types.Level, side types.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, err := s.bookForLocked(ticker)
	if err != nil {
		s.logger.Error("failed to open orderbook csv", "ticker", ticker, "error", err)
		return
	}

	row := []string{
		timestamp,
		lv.Price.String(),
		strconv.FormatInt(lv.Lots, 10),
		lv.TotalValue.String(),
		string(side),
	}
	if err := book.writer.Write(row); err != nil {
		s.logger.Error("failed to write orderbook row", "ticker", ticker, "error", err)
		return
	}
	book.writer.Flush()
	if err := book.writer.Error(); err != nil {
		s.logger.Error("failed to flush orderbook csv", "ticker", ticker, "error", err)
	}
}

// bookForLocked returns the open handle for a ticker, rotating it when the
// host-local date has changed since it was opened.
func (s *OrderbookSink) bookForLocked(ticker string) (*openBook, error) {
	today := s.now().Format("2006-01-02")

	if book, ok := s.books[ticker]; ok {
		if book.date == today {
			return book, nil
		}
		s.logger.Info("date changed, rotating orderbook csv", "ticker", ticker, "old_date", book.date)
		book.file.Close()
		delete(s.books, ticker)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", today, ticker))
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	book := &openBook{file: f, writer: csv.NewWriter(f), date: today}
	if isNew {
		if err := book.writer.Write(orderbookHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		book.writer.Flush()
		s.logger.Info("created orderbook csv", "path", path)
	}

	s.books[ticker] = book
	return book, nil
}

// CloseAll releases every open handle. Safe to call repeatedly.
func (s *OrderbookSink) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ticker, book := range s.books {
		book.writer.Flush()
		if err := book.file.Close(); err != nil {
			s.logger.Error("error closing orderbook csv", "ticker", ticker, "error", err)
		}
	}
	s.books = make(map[string]*openBook)
}
