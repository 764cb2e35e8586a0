// Package queue defines the background task types and enqueues delayed
// notification deliveries through asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"artbeat/internal/config"
	"artbeat/internal/notification"
)

const (
	QueueNotifications = "notifications"

	// TypeNotificationDeliver is an asynq task that publishes one
	// notification once its delay has elapsed.
	TypeNotificationDeliver = "notification:deliver"
)

// Job types run by the Redis job queue.
const (
	// JobNotificationBroadcast fans out into one JobNotificationDeliver per
	// recipient, so a failing recipient is retried alone.
	JobNotificationBroadcast = "notification.broadcast"
	JobNotificationDeliver   = "notification.deliver"
	JobCacheInvalidate       = "cache.invalidate"
)

var ErrTaskNotFound = errors.New("task not found")

type NotificationDeliveryPayload struct {
	UserID       string                           `json:"user_id" validate:"required"`
	Notification notification.NotificationRequest `json:"notification"`
}

// BroadcastPayload publishes the same notification to many users.
type BroadcastPayload struct {
	UserIDs      []string                         `json:"user_ids" validate:"required,min=1,dive,required"`
	Notification notification.NotificationRequest `json:"notification"`
}

type CacheInvalidatePayload struct {
	Patterns []string `json:"patterns" validate:"required,min=1,dive,required"`
}

// RedisOpt builds asynq connection options from the same settings the
// go-redis client uses.
func RedisOpt(cfg config.RedisConfig) (asynq.RedisConnOpt, error) {
	if cfg.URL != "" {
		opt, err := asynq.ParseRedisURI(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		return opt, nil
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
}

// NewClient connects the asynq producer. timeout bounds each delivery attempt.
func NewClient(opt asynq.RedisConnOpt, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		timeout:   timeout,
	}
}

// EnqueueNotificationDelivery schedules req to be published to userID after
// delay and returns the task id.
func (c *Client) EnqueueNotificationDelivery(ctx context.Context, userID string, req *notification.NotificationRequest, delay time.Duration) (string, error) {
	payload, err := json.Marshal(NotificationDeliveryPayload{UserID: userID, Notification: *req})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(TypeNotificationDeliver, payload)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueNotifications),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
		asynq.Timeout(c.timeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	slog.Info("Scheduled notification delivery", "task_id", info.ID, "user_id", userID, "delay", delay)
	return info.ID, nil
}

// TaskStatus is what callers learn about a scheduled delivery.
type TaskStatus struct {
	ID            string     `json:"task_id"`
	State         string     `json:"state"`
	NextProcessAt *time.Time `json:"next_process_at,omitempty"`
	Retried       int        `json:"retried"`
	LastError     string     `json:"last_error,omitempty"`
}

// GetTaskStatus returns the current state of a scheduled delivery.
func (c *Client) GetTaskStatus(taskID string) (*TaskStatus, error) {
	info, err := c.inspector.GetTaskInfo(QueueNotifications, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task info: %w", err)
	}

	status := &TaskStatus{
		ID:        info.ID,
		State:     info.State.String(),
		Retried:   info.Retried,
		LastError: info.LastErr,
	}
	if !info.NextProcessAt.IsZero() {
		next := info.NextProcessAt.UTC()
		status.NextProcessAt = &next
	}
	return status, nil
}

func (c *Client) Close() error {
	if err := c.inspector.Close(); err != nil {
		slog.Warn("failed to close task inspector", "error", err)
	}
	return c.client.Close()
}
