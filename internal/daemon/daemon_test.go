package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"idx-tape/internal/auth"
	"idx-tape/internal/bus"
	"idx-tape/internal/clock"
	"idx-tape/internal/storage"
	"idx-tape/pkg/types"
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

// fakeStream satisfies Stream without a socket.
type fakeStream struct {
	mu      sync.Mutex
	stats   types.StreamStats
	stopped bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{stats: types.StreamStats{
		Running:          true,
		Connected:        true,
		ConnectionStatus: types.StatusConnected,
		MessageCounts:    map[string]int64{},
	}}
}

func (f *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.stats.Running = false
	f.stats.ConnectionStatus = types.StatusStopped
	f.mu.Unlock()
}

func (f *fakeStream) Stats() types.StreamStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeStream) setStats(mut func(*types.StreamStats)) {
	f.mu.Lock()
	mut(&f.stats)
	f.mu.Unlock()
}

type env struct {
	daemon  *Daemon
	store   *auth.Store
	watch   *storage.WatchlistStore
	streams []*fakeStream
	mu      sync.Mutex
}

func (e *env) lastStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

func (e *env) streamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// newEnv builds a daemon with a fake stream factory and a fixed market
// clock. withToken seeds a valid bearer.
func newEnv(t *testing.T, at time.Time, withToken bool) *env {
	t.Helper()

	store, err := auth.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if withToken {
		if _, err := store.Set(makeJWT(t, time.Now().Add(time.Hour), 7), ""); err != nil {
			t.Fatalf("set token: %v", err)
		}
	}

	watch, err := storage.NewWatchlistStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new watchlist: %v", err)
	}

	b := bus.New(testLogger())
	t.Cleanup(b.Close)

	e := &env{store: store, watch: watch}
	factory := func(tickers []string) Stream {
		s := newFakeStream()
		e.mu.Lock()
		e.streams = append(e.streams, s)
		e.mu.Unlock()
		return s
	}

	e.daemon = New(factory, store, watch, b, 30*time.Second, testLogger())
	e.daemon.marketNow = func() clock.Status { return clock.At(at) }
	return e
}

// Fixed instants, all WIB. 2025-01-07 is a Tuesday.
var (
	tueOpenS1  = time.Date(2025, 1, 7, 10, 0, 0, 0, clock.WIB)
	tueLunch   = time.Date(2025, 1, 7, 12, 30, 0, 0, clock.WIB)
	tueEvening = time.Date(2025, 1, 7, 20, 0, 0, 0, clock.WIB)
	saturday   = time.Date(2025, 1, 11, 10, 0, 0, 0, clock.WIB)
)

func TestTickStartsStreamWhenMarketOpens(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA", "TLKM"})

	e.daemon.tick(context.Background())

	if got := e.daemon.Status().State; got != StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}
	if e.streamCount() != 1 {
		t.Fatalf("streams built = %d, want 1", e.streamCount())
	}
}

func TestTickStopsStreamOnLunchBreak(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())
	if e.daemon.Status().State != StateStreaming {
		t.Fatal("precondition: not streaming")
	}

	e.daemon.marketNow = func() clock.Status { return clock.At(tueLunch) }
	e.daemon.tick(context.Background())

	if got := e.daemon.Status().State; got != StateWaitingMarket {
		t.Fatalf("state = %s, want waiting_market", got)
	}
	if !e.lastStream().stopped {
		t.Error("stream should be stopped over the lunch break")
	}
}

func TestTickStopsStreamAfterClose(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	e.daemon.marketNow = func() clock.Status { return clock.At(tueEvening) }
	e.daemon.tick(context.Background())

	if got := e.daemon.Status().State; got != StateMarketClosed {
		t.Fatalf("state = %s, want market_closed", got)
	}
}

func TestTickNoTickers(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.tick(context.Background())

	if got := e.daemon.Status().State; got != StateNoTickers {
		t.Fatalf("state = %s, want no_tickers", got)
	}
	if e.streamCount() != 0 {
		t.Error("no stream should start without tickers")
	}
}

func TestTickRestartsUnhealthyStream(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	e.lastStream().setStats(func(s *types.StreamStats) {
		s.Connected = false
		s.ConnectionStatus = types.StatusRetrying
	})
	e.daemon.tick(context.Background())

	if e.streamCount() != 2 {
		t.Fatalf("streams built = %d, want 2 (restart)", e.streamCount())
	}
	if got := e.daemon.Status().State; got != StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}
}

func TestStartWithoutTokenGoesToError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, false)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	if got := e.daemon.Status().State; got != StateError {
		t.Fatalf("state = %s, want error", got)
	}
}

func TestSetTokenRecoversFromError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, false)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())
	if e.daemon.Status().State != StateError {
		t.Fatal("precondition: not in error state")
	}

	var refreshed bool
	e.daemon.SetTokenRefresh(func() { refreshed = true })

	token := makeJWT(t, time.Now().Add(time.Hour), 7)
	if err := e.daemon.SetTokenAndReconnect(context.Background(), token, ""); err != nil {
		t.Fatalf("SetTokenAndReconnect: %v", err)
	}

	if got := e.daemon.Status().State; got != StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}
	if !refreshed {
		t.Error("token refresh callback should fire")
	}
}

func TestSetTokenRejectsMalformed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueEvening, false)
	if err := e.daemon.SetTokenAndReconnect(context.Background(), "not-a-jwt", ""); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestSetTickersRestartsStream(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	e.daemon.SetTickers(context.Background(), []string{"BBCA", "TLKM"})
	if e.streamCount() != 2 {
		t.Fatalf("streams built = %d, want 2", e.streamCount())
	}

	// Clearing the watchlist stops the stream entirely.
	e.daemon.SetTickers(context.Background(), nil)
	if got := e.daemon.Status().State; got != StateNoTickers {
		t.Fatalf("state = %s, want no_tickers", got)
	}
	if !e.lastStream().stopped {
		t.Error("stream should stop when watchlist empties")
	}
}

func TestAddRemoveTickers(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueEvening, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})

	added := e.daemon.AddTickers(context.Background(), []string{"tlkm", "BBCA"})
	if len(added) != 1 || added[0] != "TLKM" {
		t.Fatalf("added = %v, want [TLKM]", added)
	}

	removed := e.daemon.RemoveTickers(context.Background(), []string{"bbca", "GOTO"})
	if len(removed) != 1 || removed[0] != "BBCA" {
		t.Fatalf("removed = %v, want [BBCA]", removed)
	}
	got := e.daemon.Tickers()
	if len(got) != 1 || got[0] != "TLKM" {
		t.Fatalf("tickers = %v, want [TLKM]", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	e.daemon.Pause()
	if got := e.daemon.Status().State; got != StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	if !e.lastStream().stopped {
		t.Error("pause should stop the stream")
	}

	// Paused daemon ignores ticks.
	e.daemon.tick(context.Background())
	if e.streamCount() != 1 {
		t.Error("paused daemon must not start streams")
	}

	e.daemon.Resume()
	e.daemon.tick(context.Background())
	if got := e.daemon.Status().State; got != StateStreaming {
		t.Fatalf("state after resume = %s, want streaming", got)
	}
}

func TestReconnectAlertFiresOnBurst(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})

	var gotAlert int
	var alertMu sync.Mutex
	e.daemon.SetReconnectAlert(func(n int) {
		alertMu.Lock()
		gotAlert = n
		alertMu.Unlock()
	})

	e.daemon.tick(context.Background())

	// Two reconnects across ticks while staying "connected".
	e.lastStream().setStats(func(s *types.StreamStats) { s.TotalReconnects = 1 })
	e.daemon.tick(context.Background())
	e.lastStream().setStats(func(s *types.StreamStats) { s.TotalReconnects = 2 })
	e.daemon.tick(context.Background())

	alertMu.Lock()
	defer alertMu.Unlock()
	if gotAlert != 2 {
		t.Fatalf("alert = %d, want 2 consecutive reconnects", gotAlert)
	}
}

func TestDailyStatsSavedOnStreamStop(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	e.lastStream().setStats(func(s *types.StreamStats) {
		s.MessageCounts = map[string]int64{"BBCA": 123}
	})

	e.daemon.marketNow = func() clock.Status { return clock.At(tueEvening) }
	e.daemon.tick(context.Background())

	wl := e.watch.Load()
	today := time.Now().In(clock.WIB).Format("2006-01-02")
	day, ok := wl.DailyStats[today]
	if !ok {
		t.Fatalf("no daily stats saved, watchlist = %+v", wl)
	}
	if day.MessageCounts["BBCA"] != 123 {
		t.Errorf("saved count = %d, want 123", day.MessageCounts["BBCA"])
	}

	recap := e.daemon.DailyRecap()
	if recap.TotalMessages != 123 {
		t.Errorf("recap messages = %d, want 123", recap.TotalMessages)
	}
	if recap.NextOpen.IsZero() {
		t.Error("recap should carry the next open when closed")
	}
}

func TestWatchlistSurvivesRestart(t *testing.T) {
	t.Parallel()

	e := newEnv(t, saturday, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA", "TLKM"})

	b := bus.New(testLogger())
	t.Cleanup(b.Close)
	rebuilt := New(func([]string) Stream { return newFakeStream() }, e.store, e.watch, b, time.Second, testLogger())

	got := rebuilt.Tickers()
	if len(got) != 2 || got[0] != "BBCA" || got[1] != "TLKM" {
		t.Fatalf("tickers after restart = %v", got)
	}
}

// stopOnlyStream only unblocks Run when told to stop — the shape of a
// socket that is open but silent, where context cancellation alone does
// not break the read.
type stopOnlyStream struct {
	release chan struct{}
	once    sync.Once
}

func (s *stopOnlyStream) Run(context.Context) error {
	<-s.release
	return nil
}

func (s *stopOnlyStream) Stop() { s.once.Do(func() { close(s.release) }) }

func (s *stopOnlyStream) Stats() types.StreamStats {
	return types.StreamStats{
		Running:          true,
		Connected:        true,
		ConnectionStatus: types.StatusConnected,
		MessageCounts:    map[string]int64{},
	}
}

func TestStopReturnsWhileStreamIgnoresContext(t *testing.T) {
	t.Parallel()

	store, err := auth.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Set(makeJWT(t, time.Now().Add(time.Hour), 7), ""); err != nil {
		t.Fatalf("set token: %v", err)
	}
	watch, err := storage.NewWatchlistStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new watchlist: %v", err)
	}
	b := bus.New(testLogger())
	t.Cleanup(b.Close)

	s := &stopOnlyStream{release: make(chan struct{})}
	d := New(func([]string) Stream { return s }, store, watch, b, 30*time.Second, testLogger())
	d.marketNow = func() clock.Status { return clock.At(tueOpenS1) }

	d.SetTickers(context.Background(), []string{"BBCA"})
	d.tick(context.Background())
	if d.Status().State != StateStreaming {
		t.Fatal("precondition: not streaming")
	}

	done := make(chan struct{})
	go func() { d.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a stream that only exits when stopped")
	}
}

func TestCommandsSerializeWithTicks(t *testing.T) {
	t.Parallel()

	e := newEnv(t, tueOpenS1, true)
	e.daemon.SetTickers(context.Background(), []string{"BBCA"})
	e.daemon.tick(context.Background())

	// Hammer ticks and watchlist changes concurrently; serialization means
	// every restart stops the previous stream before building the next.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		tickers := []string{"BBCA"}
		if i%2 == 0 {
			tickers = []string{"BBCA", "TLKM"}
		}
		go func() {
			defer wg.Done()
			e.daemon.tick(context.Background())
		}()
		go func() {
			defer wg.Done()
			e.daemon.SetTickers(context.Background(), tickers)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.streams[:len(e.streams)-1] {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			t.Errorf("stream %d leaked: superseded but never stopped", i)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	e := newEnv(t, saturday, true)
	e.daemon.Start(context.Background())
	e.daemon.Stop()
}
