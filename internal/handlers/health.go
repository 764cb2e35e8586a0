package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"artbeat/internal/kv"
)

// HealthCheck always answers 200; a store outage only degrades features.
func (h *Handler) HealthCheck(c echo.Context) error {
	status, store := "ok", "up"
	if err := kv.Ping(c.Request().Context(), h.RDB, time.Second); err != nil {
		status, store = "degraded", "down"
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   status,
		"kv":       store,
		"realtime": h.Hub.Stats(),
		"time":     time.Now().UTC(),
	})
}
