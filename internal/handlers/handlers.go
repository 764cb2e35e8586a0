package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"artbeat/internal/cache"
	"artbeat/internal/jobqueue"
	"artbeat/internal/messages"
	"artbeat/internal/notification"
	"artbeat/internal/queue"
	"artbeat/internal/realtime"
)

// DelayedDelivery schedules a notification for later publication.
type DelayedDelivery interface {
	EnqueueNotificationDelivery(ctx context.Context, userID string, req *notification.NotificationRequest, delay time.Duration) (string, error)
	GetTaskStatus(taskID string) (*queue.TaskStatus, error)
}

// Handler holds the services the HTTP routes call into.
type Handler struct {
	RDB           redis.UniversalClient
	Notifications *notification.Service
	Unread        *messages.UnreadCounter
	Cache         *cache.Cache
	Jobs          *jobqueue.Queue
	Hub           *realtime.Hub

	// Delayed is optional; without it delayed publishes are refused.
	Delayed DelayedDelivery
}

func errorJSON(c echo.Context, code int, message string) error {
	return c.JSON(code, map[string]string{"error": message})
}

// pageParams reads limit and offset query params, falling back to defaults on
// anything unparseable.
func pageParams(c echo.Context) (limit, offset int) {
	limit = notification.DefaultPageSize
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
		limit = min(v, notification.MaxNotifications)
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
