package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of background work.
type Job struct {
	Name    string
	Perform func(ctx context.Context) error
}

// JobQueue runs jobs with bounded concurrency and fires after-perform
// callbacks once each job body completes.
type JobQueue struct {
	name        string
	concurrency int
	logger      *slog.Logger

	mu    sync.Mutex
	jobs  []Job
	after []func()
}

// JobQueueOption configures a JobQueue.
type JobQueueOption func(*JobQueue)

// WithConcurrency sets how many jobs run at once (default: 1).
func WithConcurrency(n int) JobQueueOption {
	return func(q *JobQueue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithJobQueueName sets the name used in log lines (default: "jobqueue").
func WithJobQueueName(name string) JobQueueOption {
	return func(q *JobQueue) {
		if name != "" {
			q.name = name
		}
	}
}

// WithJobQueueLogger sets the logger.
func WithJobQueueLogger(logger *slog.Logger) JobQueueOption {
	return func(q *JobQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewJobQueue creates an empty job queue.
func NewJobQueue(opts ...JobQueueOption) *JobQueue {
	q := &JobQueue{
		name:        "jobqueue",
		concurrency: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name identifies the runner in log lines.
func (q *JobQueue) Name() string {
	return q.name
}

// AfterPerform registers fn to run after every job.
func (q *JobQueue) AfterPerform(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.after = append(q.after, fn)
	return nil
}

// Enqueue adds jobs to run on the next Run.
func (q *JobQueue) Enqueue(jobs ...Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
}

// Run performs all queued jobs. Job failures do not stop other jobs;
// they are joined into the returned error.
func (q *JobQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(q.concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			if err := q.Perform(ctx, job); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Perform runs a single job and then the after-perform callbacks, even
// if the job failed or panicked.
func (q *JobQueue) Perform(ctx context.Context, job Job) (err error) {
	defer q.runAfter()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()

	if err := job.Perform(ctx); err != nil {
		q.logger.Warn("job failed", "job", job.Name, "error", err)
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	return nil
}

func (q *JobQueue) runAfter() {
	q.mu.Lock()
	after := append([]func(){}, q.after...)
	q.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}
