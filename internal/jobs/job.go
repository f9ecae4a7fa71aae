// Package jobs implements the historical crawl engine: durable fetch jobs
// that walk the running-trade tape for a set of tickers over a date range
// and append the results to CSV.
//
// A job expands into one task per (ticker, date). Tasks run sequentially or
// on a bounded worker pool; an expired token pauses the whole job with the
// interrupted task reset to pending, so a fresh token resumes exactly where
// the crawl left off.
package jobs

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"idx-tape/pkg/types"
)

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskSkipped   TaskStatus = "SKIPPED"
)

// Task is one fetch unit: one ticker on one trading date.
type Task struct {
	Ticker         string     `json:"ticker"`
	Date           string     `json:"date"`
	Status         TaskStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	RecordsFetched int        `json:"records_fetched"`
	PagesFetched   int        `json:"pages_fetched"`
	Attempts       int        `json:"attempts"`
}

// Job is a crawl over tickers × dates. The full task list is persisted with
// the job, so a restart resumes with per-task progress intact.
type Job struct {
	ID              string     `json:"job_id" badgerhold:"key"`
	Tickers         []string   `json:"tickers"`
	FromDate        string     `json:"from_date"`
	UntilDate       string     `json:"until_date"`
	DelaySeconds    float64    `json:"delay_seconds"`
	Limit           int        `json:"limit"`
	ParallelWorkers int        `json:"parallel_workers"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Tasks           []Task     `json:"tasks"`
}

// Progress is a point-in-time rollup over a job's tasks.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Running    int     `json:"running"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
	Records    int     `json:"records"`
}

// Progress rolls up task counts. Skipped tasks count as completed.
func (j *Job) Progress() Progress {
	p := Progress{Total: len(j.Tasks)}
	for _, t := range j.Tasks {
		switch t.Status {
		case TaskCompleted, TaskSkipped:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskRunning:
			p.Running++
		}
		p.Records += t.RecordsFetched
	}
	p.Pending = p.Total - p.Completed - p.Failed - p.Running
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// CreateRequest is the validated input for a new crawl job.
type CreateRequest struct {
	Tickers         []string `json:"tickers" validate:"required,min=1,dive,required"`
	FromDate        string   `json:"from_date" validate:"required,datetime=2006-01-02"`
	UntilDate       string   `json:"until_date" validate:"required,datetime=2006-01-02"`
	DelaySeconds    float64  `json:"delay_seconds" validate:"gte=0"`
	Limit           int      `json:"limit" validate:"gt=0,lte=500"`
	ParallelWorkers int      `json:"parallel_workers" validate:"gte=1,lte=10"`
}

var validate = validator.New()

// newJob validates the request and expands it into a job with one pending
// task per (ticker, date), tickers outer, dates ascending inner.
func newJob(req CreateRequest) (*Job, error) {
	req.Tickers = types.NormalizeTickers(req.Tickers)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid job request: %w", err)
	}

	from, err := time.Parse("2006-01-02", req.FromDate)
	if err != nil {
		return nil, fmt.Errorf("invalid from_date: %w", err)
	}
	until, err := time.Parse("2006-01-02", req.UntilDate)
	if err != nil {
		return nil, fmt.Errorf("invalid until_date: %w", err)
	}
	if until.Before(from) {
		return nil, fmt.Errorf("until_date %s is before from_date %s", req.UntilDate, req.FromDate)
	}

	var dates []string
	for d := from; !d.After(until); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}

	tasks := make([]Task, 0, len(req.Tickers)*len(dates))
	for _, ticker := range req.Tickers {
		for _, date := range dates {
			tasks = append(tasks, Task{Ticker: ticker, Date: date, Status: TaskPending})
		}
	}

	return &Job{
		ID:              uuid.NewString(),
		Tickers:         req.Tickers,
		FromDate:        req.FromDate,
		UntilDate:       req.UntilDate,
		DelaySeconds:    req.DelaySeconds,
		Limit:           req.Limit,
		ParallelWorkers: req.ParallelWorkers,
		Status:          JobQueued,
		CreatedAt:       time.Now(),
		Tasks:           tasks,
	}, nil
}
