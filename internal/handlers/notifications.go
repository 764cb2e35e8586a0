package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"artbeat/internal/auth"
	"artbeat/internal/cache"
	"artbeat/internal/notification"
	"artbeat/internal/queue"
)

const notificationsCacheTTL = 10 * time.Second

func (h *Handler) invalidateNotifications(ctx context.Context, userID string) {
	if _, err := h.Cache.InvalidatePattern(ctx, notification.ListCachePattern(userID)); err != nil {
		slog.Warn("failed to invalidate notification cache", "user_id", userID, "error", err)
	}
}

// PublishRequest is the body of POST /internal/notifications.
type PublishRequest struct {
	UserID string `json:"user_id" validate:"required"`
	notification.NotificationRequest
	DelaySeconds int `json:"delay_seconds" validate:"gte=0,lte=2592000"`
}

func (h *Handler) GetNotifications(c echo.Context) error {
	userID := auth.UserID(c)
	limit, offset := pageParams(c)
	ctx := c.Request().Context()

	items, err := cache.Remember(ctx, h.Cache, notification.ListCacheKey(userID, limit, offset), notificationsCacheTTL,
		func(ctx context.Context) ([]*notification.Notification, error) {
			return h.Notifications.GetNotifications(ctx, userID, limit, offset)
		})
	if err != nil {
		slog.Warn("serving empty notification list", "user_id", userID, "error", err)
		items = []*notification.Notification{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"notifications": items,
		"limit":         limit,
		"offset":        offset,
	})
}

func (h *Handler) MarkNotificationRead(c echo.Context) error {
	userID := auth.UserID(c)
	id := c.Param("id")

	if err := h.Notifications.MarkAsRead(c.Request().Context(), userID, id); err != nil {
		slog.Warn("mark as read not applied", "user_id", userID, "notification_id", id, "error", err)
	}
	h.invalidateNotifications(c.Request().Context(), userID)

	return c.JSON(http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

func (h *Handler) MarkAllNotificationsRead(c echo.Context) error {
	userID := auth.UserID(c)

	if err := h.Notifications.MarkAllAsRead(c.Request().Context(), userID); err != nil {
		slog.Warn("mark all as read not applied", "user_id", userID, "error", err)
	}
	h.invalidateNotifications(c.Request().Context(), userID)

	return c.JSON(http.StatusOK, map[string]string{"message": "All notifications marked as read"})
}

func (h *Handler) GetNotificationUnreadCount(c echo.Context) error {
	userID := auth.UserID(c)

	count, err := h.Notifications.GetUnreadCount(c.Request().Context(), userID)
	if err != nil {
		slog.Warn("serving zero unread notification count", "user_id", userID, "error", err)
	}

	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

func (h *Handler) GetNotificationStats(c echo.Context) error {
	userID := auth.UserID(c)

	stats, err := h.Notifications.GetNotificationStats(c.Request().Context(), userID)
	if err != nil {
		slog.Warn("serving empty notification stats", "user_id", userID, "error", err)
	}

	return c.JSON(http.StatusOK, stats)
}

// PublishNotification records and pushes a notification for another user.
// A positive delay_seconds schedules delivery instead.
func (h *Handler) PublishNotification(c echo.Context) error {
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()

	if req.DelaySeconds > 0 {
		if h.Delayed == nil {
			return errorJSON(c, http.StatusServiceUnavailable, "Delayed delivery is not available")
		}
		delay := time.Duration(req.DelaySeconds) * time.Second
		taskID, err := h.Delayed.EnqueueNotificationDelivery(ctx, req.UserID, &req.NotificationRequest, delay)
		if err != nil {
			slog.Error("failed to schedule notification", "user_id", req.UserID, "error", err)
			return errorJSON(c, http.StatusServiceUnavailable, "Failed to schedule notification")
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"task_id":      taskID,
			"scheduled_in": req.DelaySeconds,
		})
	}

	n, err := h.Notifications.Publish(ctx, req.UserID, &req.NotificationRequest)
	if err != nil {
		// Delivery is best effort; the caller's own write already succeeded.
		return c.JSON(http.StatusAccepted, map[string]interface{}{"delivered": false})
	}
	h.invalidateNotifications(ctx, req.UserID)

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"delivered":    true,
		"notification": n,
	})
}

// GetScheduledNotification reports on a delivery scheduled by
// PublishNotification, looked up by the task_id it returned.
func (h *Handler) GetScheduledNotification(c echo.Context) error {
	if h.Delayed == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Delayed delivery is not available")
	}

	status, err := h.Delayed.GetTaskStatus(c.Param("id"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		return errorJSON(c, http.StatusNotFound, "Task not found")
	}
	if err != nil {
		slog.Error("failed to get scheduled notification", "task_id", c.Param("id"), "error", err)
		return errorJSON(c, http.StatusServiceUnavailable, "Task status unavailable")
	}

	return c.JSON(http.StatusOK, status)
}
