package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"

	"artbeat/internal/cache"
	"artbeat/internal/jobqueue"
	"artbeat/internal/notification"
	"artbeat/internal/queue"
)

// Worker runs the asynq delivery server and the Redis job queue processors.
type Worker struct {
	server        *asynq.Server
	jobs          *jobqueue.Queue
	notifications *notification.Service
	cache         *cache.Cache
	opts          jobqueue.ProcessOptions
}

func NewWorker(redisOpt asynq.RedisConnOpt, jobs *jobqueue.Queue, notifications *notification.Service, c *cache.Cache, opts jobqueue.ProcessOptions) *Worker {
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: max(opts.Concurrency, 1),
			Queues: map[string]int{
				queue.QueueNotifications: 1,
			},
			Logger: newAsynqLogger(),
		},
	)

	return &Worker{
		server:        server,
		jobs:          jobs,
		notifications: notifications,
		cache:         c,
		opts:          opts,
	}
}

// Start blocks until ctx is cancelled, then drains both processors.
func (w *Worker) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeNotificationDeliver, w.handleNotificationDelivery)

	slog.Info("Starting worker",
		"queues", []string{queue.QueueNotifications},
		"jobs", []string{queue.JobNotificationBroadcast, queue.JobCacheInvalidate},
		"concurrency", w.opts.Concurrency)

	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}

	handlers := map[string]jobqueue.Handler{
		queue.JobNotificationBroadcast: w.handleBroadcast,
		queue.JobNotificationDeliver:   w.handleDeliver,
		queue.JobCacheInvalidate:       w.handleCacheInvalidate,
	}

	var wg sync.WaitGroup
	for jobType, handler := range handlers {
		wg.Add(1)
		go func(jobType string, handler jobqueue.Handler) {
			defer wg.Done()
			if err := w.jobs.ProcessJobs(ctx, jobType, handler, w.opts); err != nil {
				slog.Error("job processor exited", "type", jobType, "error", err)
			}
		}(jobType, handler)
	}

	slog.Info("Worker started successfully")

	<-ctx.Done()

	w.server.Shutdown()
	wg.Wait()
	slog.Info("Worker stopped")
	return nil
}

// deliver publishes one notification and drops the recipient's cached
// list pages so the next read sees it.
func (w *Worker) deliver(ctx context.Context, userID string, req *notification.NotificationRequest) (*notification.Notification, error) {
	n, err := w.notifications.Publish(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if _, err := w.cache.InvalidatePattern(ctx, notification.ListCachePattern(userID)); err != nil {
		slog.Warn("failed to invalidate notification cache", "user_id", userID, "error", err)
	}
	return n, nil
}

func (w *Worker) handleNotificationDelivery(ctx context.Context, t *asynq.Task) error {
	var payload queue.NotificationDeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid delivery payload: %v: %w", err, asynq.SkipRetry)
	}

	n, err := w.deliver(ctx, payload.UserID, &payload.Notification)
	if err != nil {
		return err
	}

	slog.Info("Delivered scheduled notification", "user_id", payload.UserID, "notification_id", n.ID)
	return nil
}

// handleBroadcast splits a broadcast into one delivery job per distinct
// recipient. The split is enqueued atomically, so retrying a broadcast never
// notifies anyone twice.
func (w *Worker) handleBroadcast(ctx context.Context, job *jobqueue.Job) error {
	var payload queue.BroadcastPayload
	if err := job.Bind(&payload); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(payload.UserIDs))
	deliveries := make([]any, 0, len(payload.UserIDs))
	for _, userID := range payload.UserIDs {
		if _, dup := seen[userID]; dup || userID == "" {
			continue
		}
		seen[userID] = struct{}{}
		deliveries = append(deliveries, queue.NotificationDeliveryPayload{
			UserID:       userID,
			Notification: payload.Notification,
		})
	}

	jobs, err := w.jobs.AddJobs(ctx, queue.JobNotificationDeliver, deliveries, job.Priority)
	if err != nil {
		return err
	}

	slog.Info("Broadcast notification split into deliveries",
		"job_id", job.ID, "recipients", len(jobs))
	return nil
}

func (w *Worker) handleDeliver(ctx context.Context, job *jobqueue.Job) error {
	var payload queue.NotificationDeliveryPayload
	if err := job.Bind(&payload); err != nil {
		return err
	}

	n, err := w.deliver(ctx, payload.UserID, &payload.Notification)
	if err != nil {
		return err
	}

	slog.Debug("Delivered notification", "job_id", job.ID, "user_id", payload.UserID, "notification_id", n.ID)
	return nil
}

func (w *Worker) handleCacheInvalidate(ctx context.Context, job *jobqueue.Job) error {
	var payload queue.CacheInvalidatePayload
	if err := job.Bind(&payload); err != nil {
		return err
	}

	total := 0
	for _, pattern := range payload.Patterns {
		n, err := w.cache.InvalidatePattern(ctx, pattern)
		if err != nil {
			return err
		}
		total += n
	}

	slog.Info("Invalidated cache entries", "job_id", job.ID, "patterns", payload.Patterns, "removed", total)
	return nil
}
