package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"idx-tape/internal/bus"
	"idx-tape/internal/config"
	"idx-tape/internal/fetch"
	"idx-tape/pkg/types"
)

// Fetcher walks the full tape for one ticker-date. *fetch.Client implements it.
type Fetcher interface {
	FetchAllPages(ctx context.Context, ticker, date string, limit int) (*fetch.CrawlResult, error)
}

// TradeWriter appends crawled trades to CSV. *storage.TradeSink implements it.
type TradeWriter interface {
	Filename(ticker, fromDate, untilDate string) string
	Append(filename, date string, trades []types.Trade) (int, error)
}

// persistEvery is how many completed tasks pass between durable checkpoints.
// Terminal transitions (pause, fail, complete) always persist immediately.
const persistEvery = 5

// Engine owns the job queue and the crawl workers. One job runs at a time;
// within a job, tasks run sequentially or on a bounded pool.
type Engine struct {
	store    *Store
	fetcher  Fetcher
	sink     TradeWriter
	bus      *bus.Bus
	defaults config.CrawlConfig

	mu   sync.Mutex
	jobs map[string]*Job

	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	logger *slog.Logger
}

// NewEngine builds the engine and rehydrates unfinished jobs from the store.
func NewEngine(store *Store, fetcher Fetcher, sink TradeWriter, b *bus.Bus, defaults config.CrawlConfig, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		store:    store,
		fetcher:  fetcher,
		sink:     sink,
		bus:      b,
		defaults: defaults,
		jobs:     make(map[string]*Job),
		kick:     make(chan struct{}, 1),
		logger:   logger.With("component", "crawl_engine"),
	}

	resumed, err := store.Rehydrate()
	if err != nil {
		return nil, err
	}
	for _, job := range resumed {
		e.jobs[job.ID] = job
	}
	return e, nil
}

// Start launches the worker loop. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	e.logger.Info("crawl engine started", "rehydrated_jobs", len(e.jobs))
}

// Stop halts the worker loop. An interrupted task is handed back to the
// queue and its job parks as paused, so nothing is recorded as failed just
// because the process went down. The job store stays open; Close it
// separately.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.logger.Info("crawl engine stopped")
}

// CreateJob validates, expands, persists, and queues a new crawl job.
// Zero-valued tuning fields inherit the configured defaults.
func (e *Engine) CreateJob(req CreateRequest) (*Job, error) {
	if req.DelaySeconds == 0 {
		req.DelaySeconds = e.defaults.DelaySeconds
	}
	if req.Limit == 0 {
		req.Limit = e.defaults.PageLimit
	}
	if req.ParallelWorkers == 0 {
		req.ParallelWorkers = 1
	}

	job, err := newJob(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(job); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.logger.Info("job created",
		"job_id", job.ID,
		"tickers", len(job.Tickers),
		"tasks", len(job.Tasks),
		"workers", job.ParallelWorkers,
	)
	e.wake()
	return snapshot(job), nil
}

// GetJob returns a copy of the job, or false when unknown.
func (e *Engine) GetJob(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil, false
	}
	return snapshot(job), true
}

// ListJobs returns copies of all known jobs, newest first.
func (e *Engine) ListJobs() []*Job {
	e.mu.Lock()
	out := make([]*Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		out = append(out, snapshot(job))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PauseJob pauses a running or queued job. In-flight tasks finish; the
// status flips at the next task boundary.
func (e *Engine) PauseJob(id string) error {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if job.Status != JobRunning && job.Status != JobQueued {
		status := job.Status
		e.mu.Unlock()
		return fmt.Errorf("job %s is %s, cannot pause", id, status)
	}
	job.Status = JobPaused
	snap := snapshot(job)
	e.mu.Unlock()

	e.persist(snap)
	e.logger.Info("job paused", "job_id", id)
	return nil
}

// ResumeJob requeues a paused job.
func (e *Engine) ResumeJob(id string) error {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if job.Status != JobPaused {
		status := job.Status
		e.mu.Unlock()
		return fmt.Errorf("job %s is %s, cannot resume", id, status)
	}
	job.Status = JobQueued
	snap := snapshot(job)
	e.mu.Unlock()

	e.persist(snap)
	e.logger.Info("job resumed", "job_id", id)
	e.wake()
	return nil
}

// AutoResumePaused requeues every paused job. Called after a fresh token is
// set, since token expiry is what pauses jobs in the first place.
func (e *Engine) AutoResumePaused() int {
	e.mu.Lock()
	var ids []string
	for id, job := range e.jobs {
		if job.Status == JobPaused {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.ResumeJob(id); err != nil {
			e.logger.Error("auto-resume failed", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		e.logger.Info("auto-resumed paused jobs", "count", len(ids))
	}
	return len(ids)
}

// CancelJob marks a non-terminal job failed. Pending tasks never run.
func (e *Engine) CancelJob(id string) error {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if job.Status.Terminal() {
		status := job.Status
		e.mu.Unlock()
		return fmt.Errorf("job %s is already %s", id, status)
	}
	now := time.Now()
	job.Status = JobFailed
	job.CompletedAt = &now
	snap := snapshot(job)
	e.mu.Unlock()

	e.persist(snap)
	e.publish(bus.JobFailed, snap, "cancelled")
	e.logger.Info("job cancelled", "job_id", id)
	return nil
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	for {
		job := e.nextQueued()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-e.kick:
			case <-time.After(time.Second):
			}
			continue
		}
		e.processJob(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// nextQueued picks the oldest queued job.
func (e *Engine) nextQueued() *Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	var next *Job
	for _, job := range e.jobs {
		if job.Status != JobQueued {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) {
			next = job
		}
	}
	return next
}

func (e *Engine) processJob(ctx context.Context, job *Job) {
	e.mu.Lock()
	now := time.Now()
	job.Status = JobRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	workers := job.ParallelWorkers
	pending := pendingTaskIndexes(job)
	snap := snapshot(job)
	e.mu.Unlock()

	e.persist(snap)
	e.publish(bus.JobStarted, snap, "")
	e.logger.Info("job started",
		"job_id", job.ID,
		"pending_tasks", len(pending),
		"workers", workers,
	)

	if workers <= 1 {
		e.runSequential(ctx, job, pending)
	} else {
		e.runPool(ctx, job, pending, workers)
	}

	e.mu.Lock()
	status := job.Status
	if ctx.Err() == nil && status == JobRunning {
		done := time.Now()
		job.Status = JobCompleted
		job.CompletedAt = &done
		status = JobCompleted
	}
	snap = snapshot(job)
	e.mu.Unlock()

	e.persist(snap)
	switch status {
	case JobCompleted:
		e.publish(bus.JobCompleted, snap, "")
		e.logger.Info("job completed", "job_id", job.ID, "records", snap.Progress().Records)
	case JobPaused:
		e.logger.Warn("job paused mid-run", "job_id", job.ID)
	}
}

func (e *Engine) runSequential(ctx context.Context, job *Job, pending []int) {
	for _, idx := range pending {
		if ctx.Err() != nil || e.status(job) != JobRunning {
			return
		}
		e.processTask(ctx, job, idx)
		e.sleep(ctx, job.DelaySeconds)
	}
}

// runPool fans pending tasks onto a bounded worker pool. A pause stops the
// feed; tasks already handed to a worker run to completion.
func (e *Engine) runPool(ctx context.Context, job *Job, pending []int, workers int) {
	taskCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range taskCh {
				e.processTask(ctx, job, idx)
				e.sleep(ctx, job.DelaySeconds)
			}
		}()
	}

feed:
	for _, idx := range pending {
		if ctx.Err() != nil || e.status(job) != JobRunning {
			break
		}
		select {
		case taskCh <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskCh)
	wg.Wait()
}

// processTask crawls one (ticker, date) and records the outcome on the task.
func (e *Engine) processTask(ctx context.Context, job *Job, idx int) {
	e.mu.Lock()
	if job.Status != JobRunning {
		e.mu.Unlock()
		return
	}
	task := &job.Tasks[idx]
	if task.Status == TaskCompleted || task.Status == TaskSkipped {
		e.mu.Unlock()
		return
	}
	task.Status = TaskRunning
	task.Attempts++
	ticker, date := task.Ticker, task.Date
	limit := job.Limit
	filename := e.sink.Filename(ticker, job.FromDate, job.UntilDate)
	e.mu.Unlock()

	e.logger.Info("fetching", "job_id", job.ID, "ticker", ticker, "date", date)
	res, err := e.fetcher.FetchAllPages(ctx, ticker, date, limit)

	if err != nil && ctx.Err() != nil {
		// Engine shutdown mid-task. Hand the task back untouched and park
		// the job, so a restart re-fetches the whole day instead of
		// appending a second copy of the pages that already landed.
		e.mu.Lock()
		job.Status = JobPaused
		task.Status = TaskPending
		task.Error = ""
		snap := snapshot(job)
		e.mu.Unlock()

		e.persist(snap)
		e.logger.Info("job parked for shutdown", "job_id", job.ID, "ticker", ticker, "date", date)
		return
	}

	if res != nil && res.Result.RequiresLogin {
		e.mu.Lock()
		job.Status = JobPaused
		task.Status = TaskPending
		task.Error = "token expired - job paused"
		snap := snapshot(job)
		e.mu.Unlock()

		e.persist(snap)
		e.publish(bus.JobPaused, snap, "token expired")
		e.logger.Warn("job paused, token expired", "job_id", job.ID, "ticker", ticker, "date", date)
		return
	}

	// Bank whatever pages arrived before a mid-crawl failure.
	var written int
	if res != nil && len(res.Result.Trades) > 0 {
		var werr error
		written, werr = e.sink.Append(filename, date, res.Result.Trades)
		if werr != nil && err == nil {
			err = werr
		}
	}

	e.mu.Lock()
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		task.RecordsFetched = written
	} else {
		task.Status = TaskCompleted
		task.Error = ""
		task.RecordsFetched = written
		task.PagesFetched = res.Pages
	}
	progress := job.Progress()
	snap := snapshot(job)
	e.mu.Unlock()

	if err != nil {
		e.persist(snap)
		e.logger.Error("task failed", "job_id", job.ID, "ticker", ticker, "date", date, "error", err)
	} else {
		e.logger.Info("task completed",
			"job_id", job.ID, "ticker", ticker, "date", date,
			"records", written, "pages", res.Pages,
		)
		if progress.Completed%persistEvery == 0 {
			e.persist(snap)
		}
	}
	e.publish(bus.JobProgress, snap, "")
}

func (e *Engine) status(job *Job) JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return job.Status
}

func (e *Engine) sleep(ctx context.Context, seconds float64) {
	if seconds <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
}

func (e *Engine) persist(job *Job) {
	if err := e.store.Save(job); err != nil {
		e.logger.Error("persist failed", "job_id", job.ID, "error", err)
	}
}

func (e *Engine) publish(t bus.EventType, job *Job, reason string) {
	p := job.Progress()
	payload := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"tickers":    job.Tickers,
		"from_date":  job.FromDate,
		"until_date": job.UntilDate,
		"progress":   p,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	e.bus.Publish(bus.Event{Type: t, Payload: payload})
}

// pendingTaskIndexes returns the tasks still worth running: everything not
// completed or skipped, so previously failed tasks retry on resume.
func pendingTaskIndexes(job *Job) []int {
	var out []int
	for i, t := range job.Tasks {
		if t.Status == TaskCompleted || t.Status == TaskSkipped {
			continue
		}
		out = append(out, i)
	}
	return out
}

// snapshot deep-copies a job for readers outside the engine lock.
func snapshot(job *Job) *Job {
	c := *job
	c.Tickers = append([]string(nil), job.Tickers...)
	c.Tasks = append([]Task(nil), job.Tasks...)
	return &c
}
