package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"artbeat/internal/jobqueue"
	"artbeat/internal/queue"
)

// EnqueueRequest is the body of POST /internal/jobs/:type.
type EnqueueRequest struct {
	Data     json.RawMessage `json:"data" validate:"required"`
	Priority int             `json:"priority"`
}

// BroadcastRequest is the body of POST /internal/notifications/broadcast.
type BroadcastRequest struct {
	queue.BroadcastPayload
	Priority int `json:"priority"`
}

// payloadFor returns an empty payload of the registered shape for jobType.
func payloadFor(jobType string) (interface{}, bool) {
	switch jobType {
	case queue.JobNotificationBroadcast:
		return &queue.BroadcastPayload{}, true
	case queue.JobNotificationDeliver:
		return &queue.NotificationDeliveryPayload{}, true
	case queue.JobCacheInvalidate:
		return &queue.CacheInvalidatePayload{}, true
	}
	return nil, false
}

func (h *Handler) EnqueueJob(c echo.Context) error {
	jobType := c.Param("type")
	payload, ok := payloadFor(jobType)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "Unknown job type")
	}

	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if err := json.Unmarshal(req.Data, payload); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid job data")
	}
	if err := c.Validate(payload); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	return h.addJob(c, jobType, payload, req.Priority)
}

func (h *Handler) BroadcastNotification(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	return h.addJob(c, queue.JobNotificationBroadcast, req.BroadcastPayload, req.Priority)
}

func (h *Handler) addJob(c echo.Context, jobType string, payload interface{}, priority int) error {
	job, err := h.Jobs.AddJob(c.Request().Context(), jobType, payload, priority)
	if err != nil {
		slog.Error("failed to enqueue job", "type", jobType, "error", err)
		return errorJSON(c, http.StatusServiceUnavailable, "Failed to enqueue job")
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"job_id":   job.ID,
		"type":     job.Type,
		"priority": job.Priority,
		"status":   job.Status,
	})
}

func (h *Handler) GetQueueStatus(c echo.Context) error {
	jobType := c.Param("type")
	pending, err := h.Jobs.QueueLength(c.Request().Context(), jobType)
	if err != nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Job queue unavailable")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"type":    jobType,
		"pending": pending,
	})
}

// GetJob shows a pending or running job. Finished jobs are gone and dead
// ones are listed by GetDeadJobs.
func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.Jobs.GetJob(c.Request().Context(), c.Param("type"), c.Param("id"))
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		return errorJSON(c, http.StatusNotFound, "Job not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Job queue unavailable")
	}

	return c.JSON(http.StatusOK, job)
}

func (h *Handler) GetDeadJobs(c echo.Context) error {
	jobType := c.Param("type")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	jobs, err := h.Jobs.DeadJobs(c.Request().Context(), jobType, limit)
	if err != nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Job queue unavailable")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *Handler) RetryDeadJob(c echo.Context) error {
	jobType := c.Param("type")
	id := c.Param("id")

	job, err := h.Jobs.RetryDead(c.Request().Context(), jobType, id)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		return errorJSON(c, http.StatusNotFound, "Job not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Job queue unavailable")
	}

	slog.Info("Dead job requeued", "job_id", job.ID, "type", jobType)
	return c.JSON(http.StatusOK, job)
}
