package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"idx-tape/internal/auth"
	"idx-tape/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeJWT(t *testing.T, exp time.Time, uid int64) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{
		"exp":  exp.Unix(),
		"data": map[string]any{"uid": uid},
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newTestStore(t *testing.T) *auth.Store {
	t.Helper()
	store, err := auth.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Set(makeJWT(t, time.Now().Add(time.Hour), 1882), "sid=abc"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	return store
}

// keyServer serves the trading-key endpoint with a fixed status.
func keyServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"key": "tk-test-key"}})
	}))
}

// Local wire helpers so tests can build inbound frames byte for byte.
func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendBytesField(buf []byte, fieldNumber int, payload []byte) []byte {
	buf = appendUvarint(buf, uint64(fieldNumber<<3|2))
	buf = appendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func bookFrame(ticker, book, timestamp string) []byte {
	var nested []byte
	nested = appendBytesField(nested, 1, []byte(ticker))
	nested = appendBytesField(nested, 2, []byte(book))

	var frame []byte
	frame = appendBytesField(frame, 5, []byte(timestamp))
	frame = appendBytesField(frame, 10, nested)
	return frame
}

func newTestStreamer(t *testing.T, wsURL string, keyStatus int, maxRetries int) (*Streamer, string) {
	t.Helper()
	ks := keyServer(t, keyStatus)
	t.Cleanup(ks.Close)

	store := newTestStore(t)
	keys := auth.NewKeyClient(ks.URL, "test-agent", "https://example.test", store, testLogger())

	dir := t.TempDir()
	sink, err := storage.NewOrderbookSink(dir, testLogger())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	s := New(wsURL, "test-agent", "https://example.test", []string{"bbca"},
		maxRetries, 10*1024*1024, 2*time.Second, store, keys, sink, testLogger())
	return s, dir
}

func TestRunWritesLevelsAndStats(t *testing.T) {
	t.Parallel()

	// The streamer dials cross-origin, so the test server must not enforce
	// the default same-origin check.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	gotSub := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// First client frame must be the binary subscription.
		msgType, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			t.Errorf("subscription type = %d, want binary", msgType)
		}
		gotSub <- sub

		frame := bookFrame("BBCA", "#O|BBCA|BID|8200;100;820000|8150;50;407500", "10:30:00")
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s, dir := newTestStreamer(t, wsURL, http.StatusOK, 0)

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	select {
	case sub := <-gotSub:
		if len(sub) == 0 {
			t.Fatal("empty subscription frame")
		}
		// field 1 (userID), wire type 2
		if sub[0] != 0x0a {
			t.Errorf("subscription starts with 0x%02x, want 0x0a", sub[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received subscription")
	}

	// Wait for the frame to land in stats.
	deadline := time.Now().Add(5 * time.Second)
	for {
		stats := s.Stats()
		if stats.MessageCounts["BBCA"] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never counted, stats = %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	<-runDone

	// Both levels must be on disk under today's dated file.
	name := time.Now().Format("2006-01-02") + "_BBCA.csv"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %d, want 3 (header + 2 levels):\n%s", len(lines), data)
	}
	if lines[1] != "10:30:00,8200,100,820000,BID" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if lines[2] != "10:30:00,8150,50,407500,BID" {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestRunReturnsOnCancelDuringSilence(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// Accept the subscription, then send nothing and keep the socket open.
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s, _ := newTestStreamer(t, wsURL, http.StatusOK, 0)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Let the connection settle on the silent server, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().ConnectionStatus != "connected" {
		if time.Now().After(deadline) {
			t.Fatal("streamer never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked after context cancel")
	}
}

func TestRunHaltsOnUnauthorizedKey(t *testing.T) {
	t.Parallel()

	// WebSocket URL is never reached: the key fetch fails first.
	s, _ := newTestStreamer(t, "ws://127.0.0.1:0", http.StatusUnauthorized, 0)

	err := s.Run(context.Background())
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("Run error = %v, want ErrUnauthorized", err)
	}
	stats := s.Stats()
	if stats.ConnectionStatus != "error" {
		t.Errorf("status = %q, want error", stats.ConnectionStatus)
	}
	if stats.Running {
		t.Error("streamer should not report running after halt")
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	// Nothing listens on the websocket port; each connect fails.
	s, _ := newTestStreamer(t, "ws://127.0.0.1:1", http.StatusOK, 2)

	start := time.Now()
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("budget exhaustion took %v", elapsed)
	}
	stats := s.Stats()
	if stats.ConnectionStatus != "error" {
		t.Errorf("status = %q, want error", stats.ConnectionStatus)
	}
	if stats.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", stats.RetryCount)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStreamer(t, "ws://127.0.0.1:0", http.StatusOK, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestTickersNormalized(t *testing.T) {
	t.Parallel()

	s := New("ws://x", "a", "o", []string{" bbca ", "tlkm", "BBCA"}, 0, 10*1024*1024, time.Second,
		nil, nil, nil, testLogger())
	got := s.Tickers()
	want := []string{"BBCA", "TLKM"}
	if len(got) != len(want) {
		t.Fatalf("tickers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ticker[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
