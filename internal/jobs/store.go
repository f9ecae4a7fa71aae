package jobs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/timshannon/badgerhold/v4"
)

// rehydrateLimit caps how many persisted jobs are loaded at startup.
const rehydrateLimit = 50

// Store is the durable job store backed by badgerhold. The whole Job struct
// is persisted per record, task list included, so resumed jobs keep their
// per-task progress.
type Store struct {
	db     *badgerhold.Store
	logger *slog.Logger
}

// OpenStore opens (or creates) the job database at dir.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "job_store")}, nil
}

// Save upserts the job.
func (s *Store) Save(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("job has no id")
	}
	if err := s.db.Upsert(job.ID, job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads one job. Returns badgerhold.ErrNotFound when absent.
func (s *Store) Get(id string) (*Job, error) {
	var job Job
	if err := s.db.Get(id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Recent returns the most recently created jobs, newest first, capped at
// rehydrateLimit.
func (s *Store) Recent() ([]*Job, error) {
	var found []Job
	q := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse().Limit(rehydrateLimit)
	if err := s.db.Find(&found, q); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*Job, len(found))
	for i := range found {
		out[i] = &found[i]
	}
	return out, nil
}

// Rehydrate returns persisted jobs worth resuming after a restart. Terminal
// jobs are skipped; jobs caught mid-run by the crash go back to queued with
// their interrupted tasks reset to pending.
func (s *Store) Rehydrate() ([]*Job, error) {
	recent, err := s.Recent()
	if err != nil {
		return nil, err
	}

	var out []*Job
	for _, job := range recent {
		if job.Status.Terminal() {
			continue
		}
		if job.Status == JobRunning {
			job.Status = JobQueued
			for i := range job.Tasks {
				if job.Tasks[i].Status == TaskRunning {
					job.Tasks[i].Status = TaskPending
				}
			}
			if err := s.Save(job); err != nil {
				s.logger.Error("rehydrate save failed", "job_id", job.ID, "error", err)
			}
		}
		out = append(out, job)
	}
	s.logger.Info("rehydrated jobs", "count", len(out))
	return out, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
