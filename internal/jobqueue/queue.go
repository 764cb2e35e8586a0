// Package jobqueue is a priority-ordered, at-least-once background job queue
// kept in Redis. Each job type has its own sorted set of pending jobs, a hash
// of job bodies and a dead list for jobs that ran out of attempts.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"artbeat/internal/kv"
)

// MaxAttempts is how many times a job runs before it is moved to the dead list.
const MaxAttempts = 3

var ErrJobNotFound = errors.New("job not found")

// popScript takes the highest-priority member and returns its body.
//
// KEYS: queue, jobs.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
	return false
end
local id = string.match(popped[1], ':(.+)$') or popped[1]
return redis.call('HGET', KEYS[2], id)
`)

type Queue struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func New(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

// AddJob enqueues a pending job. Higher priority values run first.
func (q *Queue) AddJob(ctx context.Context, jobType string, data any, priority int) (*Job, error) {
	jobs, err := q.AddJobs(ctx, jobType, []any{data}, priority)
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddJobs enqueues one job per payload in a single transaction: either all of
// them are queued or none are. They run in the order given.
func (q *Queue) AddJobs(ctx context.Context, jobType string, data []any, priority int) ([]*Job, error) {
	now := q.now().UTC()
	jobs := make([]*Job, 0, len(data))
	raws := make([][]byte, 0, len(data))
	for i, d := range data {
		payload, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		job := &Job{
			ID:        uuid.New().String(),
			Type:      jobType,
			Data:      payload,
			Priority:  priority,
			CreatedAt: now.Add(time.Duration(i)),
			Status:    StatusPending,
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}
		jobs = append(jobs, job)
		raws = append(raws, raw)
	}

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, job := range jobs {
			enqueue(ctx, pipe, job, raws[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	slog.Debug("jobs enqueued", "type", jobType, "count", len(jobs), "priority", priority)
	return jobs, nil
}

func enqueue(ctx context.Context, pipe redis.Pipeliner, job *Job, raw []byte) {
	pipe.HSet(ctx, kv.JobDataKey(job.Type), job.ID, raw)
	pipe.ZAdd(ctx, kv.JobQueueKey(job.Type), redis.Z{Score: float64(job.Priority), Member: job.member()})
}

func (q *Queue) save(ctx context.Context, job *Job, requeue bool) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if requeue {
			enqueue(ctx, pipe, job, raw)
		} else {
			pipe.HSet(ctx, kv.JobDataKey(job.Type), job.ID, raw)
		}
		return nil
	})
	return err
}

// GetNextJob pops the highest-priority pending job and marks it processing.
// It returns nil, nil when the queue is empty.
func (q *Queue) GetNextJob(ctx context.Context, jobType string) (*Job, error) {
	raw, err := popScript.Run(ctx, q.rdb, []string{kv.JobQueueKey(jobType), kv.JobDataKey(jobType)}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	job.Status = StatusProcessing
	if err := q.save(ctx, &job, false); err != nil {
		slog.Warn("failed to record job as processing", "job_id", job.ID, "error", err)
	}
	return &job, nil
}

// GetJob looks up a pending or processing job.
func (q *Queue) GetJob(ctx context.Context, jobType, id string) (*Job, error) {
	raw, err := q.rdb.HGet(ctx, kv.JobDataKey(jobType), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	job.Status = StatusCompleted
	return q.rdb.HDel(ctx, kv.JobDataKey(job.Type), job.ID).Err()
}

// release puts a job back exactly as it was popped, keeping its attempts and
// priority.
func (q *Queue) release(ctx context.Context, job *Job) error {
	job.Status = StatusPending
	return q.save(ctx, job, true)
}

// fail records a failed attempt. Below MaxAttempts the job goes back on the
// queue one priority step lower than it ran at, so a job that keeps failing
// sinks beneath newer work. At MaxAttempts it moves to the dead list for good.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts < MaxAttempts {
		job.Status = StatusPending
		job.Priority--
		return q.save(ctx, job, true)
	}

	now := q.now().UTC()
	job.Status = StatusFailed
	job.FailedAt = &now
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, kv.JobDataKey(job.Type), job.ID)
		pipe.LPush(ctx, kv.JobDeadKey(job.Type), raw)
		return nil
	})
	return err
}

// DeadJobs lists failed jobs, most recent first.
func (q *Queue) DeadJobs(ctx context.Context, jobType string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.rdb.LRange(ctx, kv.JobDeadKey(jobType), 0, int64(limit-1)).Result()
	if err != nil {
		return []*Job{}, fmt.Errorf("failed to list dead jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// RetryDead moves one dead job back onto the queue with a fresh attempt
// budget. Nothing calls this automatically.
func (q *Queue) RetryDead(ctx context.Context, jobType, id string) (*Job, error) {
	raws, err := q.rdb.LRange(ctx, kv.JobDeadKey(jobType), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}

	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil || job.ID != id {
			continue
		}

		removed, err := q.rdb.LRem(ctx, kv.JobDeadKey(jobType), 1, raw).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to remove dead job: %w", err)
		}
		if removed == 0 {
			return nil, ErrJobNotFound
		}

		job.Attempts = 0
		job.Status = StatusPending
		job.FailedAt = nil
		if err := q.save(ctx, &job, true); err != nil {
			return nil, fmt.Errorf("failed to requeue job: %w", err)
		}
		return &job, nil
	}
	return nil, ErrJobNotFound
}

// QueueLength is the number of pending jobs of a type.
func (q *Queue) QueueLength(ctx context.Context, jobType string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, kv.JobQueueKey(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return n, nil
}
