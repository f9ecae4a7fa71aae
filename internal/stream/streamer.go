// Package stream maintains the single WebSocket connection to the vendor's
// orderbook feed.
//
// The connection is deliberately passive: the vendor closes chatty clients,
// so no client pings are sent — server pings get the library's automatic
// pong reply, and a heartbeat goroutine watches for prolonged silence
// instead. On any abnormal termination the streamer reconnects with
// exponential backoff (1s → 60s max) until the retry budget is exhausted
// or Stop is called.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"idx-tape/internal/auth"
	"idx-tape/internal/protocol"
	"idx-tape/internal/storage"
	"idx-tape/pkg/types"
)

const (
	backoffBase      = time.Second
	maxReconnectWait = 60 * time.Second
	writeTimeout     = 10 * time.Second
	heartbeatPeriod  = 30 * time.Second // silence check cadence
	silenceLimit     = 90 * time.Second // force a reconnect past this
	handshakeTimeout = 15 * time.Second
)

// Streamer owns one socket, its subscription, and the orderbook CSV handles.
// One Streamer instance serves one Run; the supervisor builds a fresh one
// for every streaming session.
type Streamer struct {
	url       string
	userAgent string
	origin    string
	tickers   []string

	maxRetries   int   // 0 = unbounded
	readLimit    int64
	closeTimeout time.Duration

	store *auth.Store
	keys  *auth.KeyClient
	sink  *storage.OrderbookSink

	conn   *websocket.Conn
	connMu sync.Mutex

	// stats, guarded separately so Stats never contends with the dialer
	mu            sync.Mutex
	running       bool
	status        types.ConnectionStatus
	messageCounts map[string]int64
	lastUpdates   map[string]time.Time
	lastMessage   time.Time
	reconnects    int
	retryCount    int
	lastError     string
	connectedAt   time.Time
	disconnected  time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	logger *slog.Logger
}

// New creates a streamer for the given watchlist. Tickers are normalized
// (trimmed, uppercased, deduplicated) before subscribing.
func New(wsURL, userAgent, origin string, tickers []string, maxRetries int, readLimit int64, closeTimeout time.Duration,
	store *auth.Store, keys *auth.KeyClient, sink *storage.OrderbookSink, logger *slog.Logger) *Streamer {
	return &Streamer{
		url:           wsURL,
		userAgent:     userAgent,
		origin:        origin,
		tickers:       types.NormalizeTickers(tickers),
		maxRetries:    maxRetries,
		readLimit:     readLimit,
		closeTimeout:  closeTimeout,
		store:         store,
		keys:          keys,
		sink:          sink,
		status:        types.StatusConnecting,
		messageCounts: make(map[string]int64),
		lastUpdates:   make(map[string]time.Time),
		done:          make(chan struct{}),
		logger:        logger.With("component", "streamer"),
	}
}

// Tickers returns the normalized watchlist this streamer subscribes to.
func (s *Streamer) Tickers() []string {
	out := make([]string, len(s.tickers))
	copy(out, s.tickers)
	return out
}

// Run connects, subscribes, and pumps frames into the CSV sink until ctx is
// cancelled, Stop is called, the retry budget runs out, or the vendor
// rejects the bearer token. It blocks for the whole session.
func (s *Streamer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	defer s.sink.CloseAll()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	attempt := 0
	backoff := backoffBase

	for {
		s.setStatus(types.StatusConnecting)
		gotData, err := s.connectAndRead(ctx)

		if ctx.Err() != nil {
			s.setStatus(types.StatusStopped)
			return ctx.Err()
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			s.fail(err)
			return err
		}

		s.mu.Lock()
		s.reconnects++
		s.disconnected = time.Now()
		if err != nil {
			s.lastError = err.Error()
		}
		if gotData {
			attempt = 0
			backoff = backoffBase
		} else {
			attempt++
		}
		s.retryCount = attempt
		s.mu.Unlock()

		if s.maxRetries > 0 && attempt >= s.maxRetries {
			budgetErr := fmt.Errorf("gave up after %d consecutive failed connects: %w", attempt, err)
			s.fail(budgetErr)
			return budgetErr
		}

		s.setStatus(types.StatusRetrying)
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			s.setStatus(types.StatusStopped)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Stop cancels the session, closes the socket, and waits for Run to return.
// Safe to call more than once and before Run has started.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		running := s.running
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.closeConn()
		if !running {
			return
		}
		select {
		case <-s.done:
		case <-time.After(s.closeTimeout):
			s.logger.Warn("stop timed out waiting for receive loop")
		}
	})
}

// Stats returns a consistent snapshot of the streamer's state.
func (s *Streamer) Stats() types.StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64, len(s.messageCounts))
	for k, v := range s.messageCounts {
		counts[k] = v
	}
	updates := make(map[string]time.Time, len(s.lastUpdates))
	for k, v := range s.lastUpdates {
		updates[k] = v
	}

	var uptime float64
	if !s.connectedAt.IsZero() && s.status == types.StatusConnected {
		uptime = time.Since(s.connectedAt).Seconds()
	}

	return types.StreamStats{
		Running:          s.running,
		Connected:        s.status == types.StatusConnected,
		ConnectionStatus: s.status,
		MessageCounts:    counts,
		LastUpdates:      updates,
		TotalReconnects:  s.reconnects,
		RetryCount:       s.retryCount,
		UptimeSeconds:    uptime,
		LastError:        s.lastError,
		ConnectionTime:   s.connectedAt,
		LastDisconnect:   s.disconnected,
	}
}

// connectAndRead runs one full session: trading key, dial, subscribe, read
// until the socket dies. Returns whether any orderbook data arrived, which
// the retry loop uses to reset the backoff.
func (s *Streamer) connectAndRead(ctx context.Context) (bool, error) {
	bearer, ok := s.store.Bearer()
	if !ok {
		return false, fmt.Errorf("subscribe: %w", auth.ErrUnauthorized)
	}
	userID := s.store.UserID()
	if userID == 0 {
		return false, fmt.Errorf("subscribe: token has no user id: %w", auth.ErrUnauthorized)
	}

	tradingKey, err := s.keys.Fetch(ctx)
	if err != nil {
		return false, fmt.Errorf("trading key: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", s.userAgent)
	header.Set("Origin", s.origin)
	header.Set("Accept-Language", "en-US,en;q=0.9")
	if cookies := s.store.Cookies(); cookies != "" {
		header.Set("Cookie", cookies)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: false,
	}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(s.readLimit)

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer s.closeConn()

	frame := protocol.EncodeSubscribe(userID, s.tickers, tradingKey, bearer)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.status = types.StatusConnected
	s.connectedAt = time.Now()
	s.lastMessage = time.Now()
	s.lastError = ""
	s.mu.Unlock()

	s.logger.Info("stream connected",
		"tickers", len(s.tickers),
		"subscription_bytes", len(frame),
	)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, conn)

	gotData := false
	for {
		if ctx.Err() != nil {
			return gotData, ctx.Err()
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return gotData, fmt.Errorf("read: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			if s.handleFrame(data) {
				gotData = true
			}
		case websocket.TextMessage:
			s.logger.Info("text message from vendor", "text", string(data))
		}
	}
}

// handleFrame decodes one binary frame and persists its levels. Decode
// failures are logged and swallowed so one bad frame never drops the
// connection. Reports whether the frame carried orderbook data.
func (s *Streamer) handleFrame(data []byte) bool {
	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("undecodable frame", "error", err, "bytes", len(data))
		return false
	}
	if msg == nil {
		// heartbeat/ack frame without an orderbook payload
		return false
	}

	side, levels, err := protocol.ParseBook(msg.Book)
	if err != nil {
		s.logger.Warn("unparseable book", "ticker", msg.Ticker, "error", err)
		return false
	}

	timestamp := msg.Timestamp
	if timestamp == "" {
		timestamp = time.Now().Format(time.RFC3339)
	}
	for _, lv := range levels {
		s.sink.WriteLevel(msg.Ticker, timestamp, lv, side)
	}

	s.mu.Lock()
	s.messageCounts[msg.Ticker]++
	s.lastUpdates[msg.Ticker] = time.Now()
	s.lastMessage = time.Now()
	s.retryCount = 0
	s.mu.Unlock()
	return true
}

// heartbeat passively watches for server silence. We never ping the vendor;
// instead a socket that stays silent past silenceLimit is force-closed so
// the read loop errors out and the retry loop reconnects. It also closes
// the socket on context cancellation, since the read loop blocks in
// ReadMessage and would otherwise never notice a silent shutdown.
func (s *Streamer) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			s.mu.Lock()
			silence := time.Since(s.lastMessage)
			s.mu.Unlock()
			if silence > silenceLimit {
				s.logger.Warn("no data from vendor, forcing reconnect", "silence", silence)
				conn.Close()
				return
			}
			s.logger.Debug("connection alive", "silence", silence)
		}
	}
}

func (s *Streamer) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Streamer) setStatus(status types.ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Streamer) fail(err error) {
	s.mu.Lock()
	s.status = types.StatusError
	s.lastError = err.Error()
	s.mu.Unlock()
	s.logger.Error("stream halted", "error", err)
}
