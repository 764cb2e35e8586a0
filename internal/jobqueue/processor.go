package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Handler executes one job. A returned error, a panic or running past the
// job timeout all count as a failed attempt. Being cut short by shutdown
// does not.
type Handler func(ctx context.Context, job *Job) error

type ProcessOptions struct {
	Concurrency  int
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o ProcessOptions) withDefaults() ProcessOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// ProcessJobs runs a fixed pool of workers that keep popping jobType jobs and
// passing them to handler. It blocks until ctx is cancelled and the workers
// have finished their current job.
func (q *Queue) ProcessJobs(ctx context.Context, jobType string, handler Handler, opts ProcessOptions) error {
	opts = opts.withDefaults()

	pool, err := ants.NewPool(opts.Concurrency,
		ants.WithPanicHandler(func(p interface{}) {
			slog.Error("job worker panic recovered", "type", jobType, "panic", p)
		}),
		ants.WithNonblocking(false),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer func() {
		if err := pool.ReleaseTimeout(30 * time.Second); err != nil {
			slog.Warn("job worker pool shutdown timeout", "type", jobType, "error", err)
		}
	}()

	slog.Info("Starting job processor", "type", jobType, "concurrency", opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		worker := i
		if err := pool.Submit(func() {
			defer wg.Done()
			q.workLoop(ctx, jobType, worker, handler, opts)
		}); err != nil {
			wg.Done()
			return fmt.Errorf("failed to start worker %d: %w", worker, err)
		}
	}

	wg.Wait()
	slog.Info("Job processor stopped", "type", jobType)
	return nil
}

func (q *Queue) workLoop(ctx context.Context, jobType string, worker int, handler Handler, opts ProcessOptions) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.GetNextJob(ctx, jobType)
		if err != nil {
			slog.Warn("failed to fetch next job", "type", jobType, "worker", worker, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		q.execute(ctx, job, handler, opts.Timeout)
	}
}

func (q *Queue) execute(ctx context.Context, job *Job, handler Handler, timeout time.Duration) {
	err := runWithTimeout(ctx, job, handler, timeout)

	// Bookkeeping must land even when the processor is shutting down.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if err := q.complete(bctx, job); err != nil {
			slog.Warn("failed to record job completion", "job_id", job.ID, "type", job.Type, "error", err)
		}
		slog.Debug("job completed", "job_id", job.ID, "type", job.Type)
		return
	}

	// Shutdown interrupted the handler. That is not the job's fault, so it
	// goes back untouched for the next process to pick up.
	if ctx.Err() != nil {
		if rerr := q.release(bctx, job); rerr != nil {
			slog.Error("failed to requeue interrupted job", "job_id", job.ID, "type", job.Type, "error", rerr)
			return
		}
		slog.Info("job interrupted by shutdown, requeued", "job_id", job.ID, "type", job.Type)
		return
	}

	if ferr := q.fail(bctx, job, err); ferr != nil {
		slog.Error("failed to record job failure", "job_id", job.ID, "type", job.Type, "error", ferr)
		return
	}

	if job.Status == StatusFailed {
		slog.Error("job moved to dead list",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", err)
	} else {
		slog.Warn("job failed, requeued",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "priority", job.Priority, "error", err)
	}
}

func runWithTimeout(ctx context.Context, job *Job, handler Handler, timeout time.Duration) (err error) {
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("job handler panicked: %v", p)
			}
		}()
		done <- handler(jctx, job)
	}()

	select {
	case err = <-done:
		if err == nil || jctx.Err() == nil {
			return err
		}
	case <-jctx.Done():
	}

	if errors.Is(jctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job %s timed out after %s: %w", job.ID, timeout, jctx.Err())
	}
	return fmt.Errorf("job %s cancelled: %w", job.ID, jctx.Err())
}
