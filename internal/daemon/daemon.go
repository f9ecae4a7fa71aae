// Package daemon runs the always-on streaming supervisor.
//
// The supervisor owns the watchlist and starts/stops the orderbook streamer
// to track Indonesian market hours: it connects when a session opens, stops
// over the lunch break (the vendor drops connections anyway, so retrying is
// wasted effort), and stays idle nights and weekends. A scheduler tick
// re-evaluates the market clock and stream health every 30 seconds; external
// commands collapse the wait through a kick channel.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"idx-tape/internal/auth"
	"idx-tape/internal/bus"
	"idx-tape/internal/clock"
	"idx-tape/internal/storage"
	"idx-tape/pkg/types"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateWaitingMarket State = "waiting_market"
	StateStreaming     State = "streaming"
	StatePaused        State = "paused"
	StateError         State = "error"
	StateMarketClosed  State = "market_closed"
	StateNoTickers     State = "no_tickers"
)

// Stream is the streamer surface the supervisor drives. One Stream serves
// one session; the factory builds a fresh one per start.
type Stream interface {
	Run(ctx context.Context) error
	Stop()
	Stats() types.StreamStats
}

// StreamFactory builds a streamer subscribed to the given tickers.
type StreamFactory func(tickers []string) Stream

// dailyStatsCron fires the end-of-day snapshot shortly after the close.
const dailyStatsCron = "5 16 * * MON-FRI"

// Daemon is the streaming supervisor.
type Daemon struct {
	factory    StreamFactory
	store      *auth.Store
	watch      *storage.WatchlistStore
	bus        *bus.Bus
	marketNow  func() clock.Status
	tickPeriod time.Duration

	mu         sync.Mutex
	state      State
	tickers    []string
	paused     bool
	streamer   Stream
	dailyStats map[string]storage.DayStats

	startedAt       time.Time
	streamStartedAt time.Time
	lastStateChange time.Time

	consecutiveReconnects int
	reconnectsToday       int
	lastReconnectCount    int

	onReconnectAlert func(consecutive int)
	onStateChange    func(from, to State)
	onTokenRefresh   func()

	// cmdMu serializes external commands with the tick body so a command
	// landing mid-tick cannot race a concurrent stream start or restart.
	cmdMu sync.Mutex

	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
	started bool

	logger *slog.Logger
}

// New builds the supervisor and loads the persisted watchlist.
func New(factory StreamFactory, store *auth.Store, watch *storage.WatchlistStore, b *bus.Bus,
	tickPeriod time.Duration, logger *slog.Logger) *Daemon {
	wl := watch.Load()
	return &Daemon{
		factory:    factory,
		store:      store,
		watch:      watch,
		bus:        b,
		marketNow:  clock.Now,
		tickPeriod: tickPeriod,
		state:      StateWaitingMarket,
		tickers:    wl.Tickers,
		dailyStats: wl.DailyStats,
		kick:       make(chan struct{}, 1),
		logger:     logger.With("component", "daemon"),
	}
}

// SetReconnectAlert registers the callback fired when the stream reconnects
// more than once in a row. Set before Start.
func (d *Daemon) SetReconnectAlert(fn func(consecutive int)) { d.onReconnectAlert = fn }

// SetStateChange registers the callback fired on every state transition.
// Set before Start.
func (d *Daemon) SetStateChange(fn func(from, to State)) { d.onStateChange = fn }

// SetTokenRefresh registers the callback fired after a new bearer token is
// accepted, so paused crawl jobs can auto-resume. Set before Start.
func (d *Daemon) SetTokenRefresh(fn func()) { d.onTokenRefresh = fn }

// Start launches the scheduler and the end-of-day cron. The first tick runs
// immediately so the daemon picks the right state on boot.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.startedAt = time.Now()
	ctx, d.cancel = context.WithCancel(ctx)
	if len(d.tickers) == 0 {
		d.setStateLocked(StateNoTickers)
	}
	d.mu.Unlock()

	d.cron = cron.New(cron.WithLocation(clock.WIB))
	if _, err := d.cron.AddFunc(dailyStatsCron, d.snapshotDailyStats); err != nil {
		d.logger.Error("failed to register daily stats cron", "error", err)
	}
	d.cron.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.schedule(ctx)
	}()
	d.logger.Info("daemon started", "tickers", d.Tickers())
}

// Stop halts the scheduler and any active stream. The stream is stopped
// before waiting on the scheduler group: its Run goroutine is in the group
// and a silent-but-open socket only unblocks once the stream is told to
// stop.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if d.cron != nil {
		d.cron.Stop()
	}

	d.cmdMu.Lock()
	d.stopStream()
	d.cmdMu.Unlock()

	d.wg.Wait()
	d.logger.Info("daemon stopped")
}

func (d *Daemon) schedule(ctx context.Context) {
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		case <-time.After(d.tickPeriod):
		}
	}
}

// tick is one scheduler pass: compare market clock, daemon state, and
// stream health, and converge.
func (d *Daemon) tick(ctx context.Context) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return
	}
	state := d.state
	hasTickers := len(d.tickers) > 0
	d.mu.Unlock()

	market := d.marketNow()

	switch market.Phase {
	case clock.PhaseOpen:
		if state != StateStreaming {
			if !hasTickers {
				d.setState(StateNoTickers)
				return
			}
			d.logger.Info("market open, starting stream", "session", market.Session)
			d.startStream(ctx)
			return
		}
		if !d.streamHealthy() {
			d.logger.Warn("stream unhealthy, restarting")
			d.restartStream(ctx)
			return
		}
		d.checkReconnects()

	case clock.PhaseBreak:
		if state == StateStreaming {
			d.logger.Info("lunch break, stopping stream")
			d.stopStream()
			d.setState(StateWaitingMarket)
			return
		}
		d.settleIdle(hasTickers, StateWaitingMarket)

	default: // closed
		if state == StateStreaming {
			d.logger.Info("market closed, stopping stream", "reason", market.Reason)
			d.stopStream()
			d.setState(StateMarketClosed)
			return
		}
		d.settleIdle(hasTickers, StateMarketClosed)
	}
}

// settleIdle normalizes the idle state when no stream is running.
func (d *Daemon) settleIdle(hasTickers bool, idle State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !hasTickers {
		if d.state != StateNoTickers {
			d.setStateLocked(StateNoTickers)
		}
		return
	}
	if d.state != idle && d.state != StateWaitingMarket && d.state != StateError {
		d.setStateLocked(idle)
	}
}

func (d *Daemon) startStream(ctx context.Context) {
	if _, ok := d.store.Bearer(); !ok {
		d.logger.Error("no valid token, cannot start stream")
		d.setState(StateError)
		return
	}

	d.mu.Lock()
	tickers := append([]string(nil), d.tickers...)
	s := d.factory(tickers)
	d.streamer = s
	d.streamStartedAt = time.Now()
	d.lastReconnectCount = 0
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("stream exited", "error", err)
		}
	}()
	d.setState(StateStreaming)
}

func (d *Daemon) stopStream() {
	d.mu.Lock()
	s := d.streamer
	d.mu.Unlock()
	if s == nil {
		return
	}
	d.saveDailyStatsFrom(s.Stats())
	s.Stop()

	d.mu.Lock()
	if d.streamer == s {
		d.streamer = nil
		d.streamStartedAt = time.Time{}
	}
	d.mu.Unlock()
}

func (d *Daemon) restartStream(ctx context.Context) {
	d.stopStream()
	d.startStream(ctx)
}

func (d *Daemon) streamHealthy() bool {
	d.mu.Lock()
	s := d.streamer
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Stats().Healthy()
}

// checkReconnects tracks reconnect bursts. A lone reconnect is normal; more
// than one in a row raises the alert callback and a bus event.
func (d *Daemon) checkReconnects() {
	d.mu.Lock()
	s := d.streamer
	d.mu.Unlock()
	if s == nil {
		return
	}
	current := s.Stats().TotalReconnects

	d.mu.Lock()
	var alert int
	if current > d.lastReconnectCount {
		diff := current - d.lastReconnectCount
		d.consecutiveReconnects += diff
		d.reconnectsToday += diff
		d.lastReconnectCount = current
		if d.consecutiveReconnects > 1 {
			alert = d.consecutiveReconnects
		}
	} else {
		d.consecutiveReconnects = 0
	}
	d.mu.Unlock()

	if alert > 0 {
		d.bus.Publish(bus.Event{Type: bus.ReconnectHot, Payload: map[string]any{
			"consecutive": alert,
		}})
		if d.onReconnectAlert != nil {
			d.onReconnectAlert(alert)
		}
	}
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.setStateLocked(s)
	d.mu.Unlock()
}

// setStateLocked transitions state; callers hold d.mu.
func (d *Daemon) setStateLocked(s State) {
	old := d.state
	if old == s {
		return
	}
	d.state = s
	d.lastStateChange = time.Now()
	d.logger.Info("state change", "from", old, "to", s)

	// Callbacks and bus publishes run outside the lock.
	go func() {
		d.bus.Publish(bus.Event{Type: bus.StateChanged, Payload: map[string]any{
			"from": string(old),
			"to":   string(s),
		}})
		if d.onStateChange != nil {
			d.onStateChange(old, s)
		}
	}()
}

func (d *Daemon) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// ————————————————————————————————————————————————————————————————————————
// External commands
// ————————————————————————————————————————————————————————————————————————

// SetTickers replaces the watchlist. A running stream restarts with the new
// subscription; an empty list stops streaming entirely.
func (d *Daemon) SetTickers(ctx context.Context, tickers []string) []string {
	normalized := types.NormalizeTickers(tickers)

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	old := d.tickers
	d.tickers = normalized
	streaming := d.state == StateStreaming
	changed := !equalTickers(old, normalized)
	d.mu.Unlock()

	d.persistWatchlist()
	d.logger.Info("tickers updated", "old", old, "new", normalized)

	if streaming && changed {
		if len(normalized) > 0 {
			d.restartStream(ctx)
		} else {
			d.stopStream()
			d.setState(StateNoTickers)
		}
	} else {
		d.mu.Lock()
		if len(normalized) == 0 {
			d.setStateLocked(StateNoTickers)
		} else if d.state == StateNoTickers {
			d.setStateLocked(StateWaitingMarket)
		}
		d.mu.Unlock()
	}
	d.wake()
	return normalized
}

// AddTickers appends to the watchlist; returns the tickers actually added.
func (d *Daemon) AddTickers(ctx context.Context, tickers []string) []string {
	d.mu.Lock()
	current := append([]string(nil), d.tickers...)
	d.mu.Unlock()

	merged := types.NormalizeTickers(append(current, tickers...))
	var added []string
	for _, t := range merged[len(current):] {
		added = append(added, t)
	}
	if len(added) > 0 {
		d.SetTickers(ctx, merged)
	}
	return added
}

// RemoveTickers drops from the watchlist; returns the tickers removed.
func (d *Daemon) RemoveTickers(ctx context.Context, tickers []string) []string {
	drop := make(map[string]bool)
	for _, t := range types.NormalizeTickers(tickers) {
		drop[t] = true
	}

	d.mu.Lock()
	var kept, removed []string
	for _, t := range d.tickers {
		if drop[t] {
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	d.mu.Unlock()

	if len(removed) > 0 {
		d.SetTickers(ctx, kept)
	}
	return removed
}

// Pause stops streaming but keeps the scheduler alive in the paused state.
func (d *Daemon) Pause() {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	d.paused = true
	streaming := d.state == StateStreaming
	d.mu.Unlock()

	if streaming {
		d.stopStream()
	}
	d.setState(StatePaused)
}

// Resume re-enables the scheduler; the next tick converges the state.
func (d *Daemon) Resume() {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	d.paused = false
	if len(d.tickers) == 0 {
		d.setStateLocked(StateNoTickers)
	} else {
		d.setStateLocked(StateWaitingMarket)
	}
	d.mu.Unlock()
	d.wake()
}

// SetTokenAndReconnect stores a fresh bearer token (and optional cookies),
// restarts a running stream with it, and recovers from the error state when
// the market is open. Paused crawl jobs auto-resume via the token-refresh
// callback.
func (d *Daemon) SetTokenAndReconnect(ctx context.Context, token, cookies string) error {
	exp, err := d.store.Set(token, cookies)
	if err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	d.logger.Info("token updated", "expires", exp.Format(time.RFC3339))

	if d.onTokenRefresh != nil {
		d.onTokenRefresh()
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	state := d.state
	hasTickers := len(d.tickers) > 0
	d.mu.Unlock()

	switch {
	case state == StateStreaming:
		d.logger.Info("reconnecting stream with fresh token")
		d.restartStream(ctx)
	case state == StateError && hasTickers && d.marketNow().IsOpen():
		d.logger.Info("recovering from error state with fresh token")
		d.startStream(ctx)
	}
	d.wake()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Reporting
// ————————————————————————————————————————————————————————————————————————

// StatusReport is a full snapshot for status surfaces.
type StatusReport struct {
	State                 State              `json:"state"`
	Paused                bool               `json:"paused"`
	Tickers               []string           `json:"tickers"`
	Market                clock.Status       `json:"market"`
	StartedAt             time.Time          `json:"started_at"`
	StreamStartedAt       time.Time          `json:"stream_started_at"`
	LastStateChange       time.Time          `json:"last_state_change"`
	ConsecutiveReconnects int                `json:"consecutive_reconnects"`
	ReconnectsToday       int                `json:"total_reconnects_today"`
	Stream                *types.StreamStats `json:"stream,omitempty"`
}

// Status reports the daemon, market, and stream state.
func (d *Daemon) Status() StatusReport {
	d.mu.Lock()
	report := StatusReport{
		State:                 d.state,
		Paused:                d.paused,
		Tickers:               append([]string(nil), d.tickers...),
		StartedAt:             d.startedAt,
		StreamStartedAt:       d.streamStartedAt,
		LastStateChange:       d.lastStateChange,
		ConsecutiveReconnects: d.consecutiveReconnects,
		ReconnectsToday:       d.reconnectsToday,
	}
	s := d.streamer
	d.mu.Unlock()

	report.Market = d.marketNow()
	if s != nil {
		stats := s.Stats()
		report.Stream = &stats
	}
	return report
}

// Recap is the daily summary: live counters merged over the last snapshot.
type Recap struct {
	Date            string           `json:"date"`
	Tickers         []string         `json:"tickers"`
	MessageCounts   map[string]int64 `json:"message_counts"`
	TotalReconnects int              `json:"total_reconnects"`
	TotalMessages   int64            `json:"total_messages"`
	NextOpen        time.Time        `json:"next_open,omitzero"`
}

// DailyRecap summarizes today's capture. Live stream counters win over the
// saved snapshot when a stream is running.
func (d *Daemon) DailyRecap() Recap {
	today := time.Now().In(clock.WIB).Format("2006-01-02")

	d.mu.Lock()
	s := d.streamer
	recap := Recap{
		Date:            today,
		Tickers:         append([]string(nil), d.tickers...),
		TotalReconnects: d.reconnectsToday,
	}
	saved, haveSaved := d.dailyStats[today]
	d.mu.Unlock()

	if s != nil {
		recap.MessageCounts = s.Stats().MessageCounts
	} else if haveSaved {
		recap.MessageCounts = saved.MessageCounts
	} else {
		recap.MessageCounts = map[string]int64{}
	}
	for _, n := range recap.MessageCounts {
		recap.TotalMessages += n
	}

	market := d.marketNow()
	if !market.IsOpen() {
		recap.NextOpen = market.NextTransition
	}
	return recap
}

// Tickers returns the current watchlist.
func (d *Daemon) Tickers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tickers...)
}

// snapshotDailyStats is the cron entry: persist today's counters shortly
// after the close so the recap survives the nightly restart window.
func (d *Daemon) snapshotDailyStats() {
	d.mu.Lock()
	s := d.streamer
	d.mu.Unlock()
	if s == nil {
		return
	}
	d.saveDailyStatsFrom(s.Stats())
	d.logger.Info("daily stats snapshot saved")
}

func (d *Daemon) saveDailyStatsFrom(stats types.StreamStats) {
	today := time.Now().In(clock.WIB).Format("2006-01-02")

	d.mu.Lock()
	d.dailyStats[today] = storage.DayStats{
		MessageCounts:   stats.MessageCounts,
		TotalReconnects: stats.TotalReconnects,
		UptimeSeconds:   stats.UptimeSeconds,
		Tickers:         append([]string(nil), d.tickers...),
		SavedAt:         time.Now().Format(time.RFC3339),
	}
	d.mu.Unlock()

	d.persistWatchlist()
}

func (d *Daemon) persistWatchlist() {
	d.mu.Lock()
	wl := storage.Watchlist{
		Tickers:    append([]string(nil), d.tickers...),
		DailyStats: d.dailyStats,
	}
	d.mu.Unlock()

	if err := d.watch.Save(wl); err != nil {
		d.logger.Error("failed to save watchlist", "error", err)
	}
}

func equalTickers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
