package routes

import (
	"github.com/labstack/echo/v4"
	limiterpkg "github.com/ulule/limiter/v3"

	"artbeat/internal/auth"
	"artbeat/internal/handlers"
	"artbeat/internal/ratelimit"
)

// SetupRoutes registers every route. internalKey is the shared secret the
// main API sends on /internal calls.
func SetupRoutes(e *echo.Echo, h *handlers.Handler, verifier *auth.Verifier, internalKey string, limiter *limiterpkg.Limiter) {
	e.Validator = auth.NewRequestValidator()

	// Public routes
	e.GET("/health", h.HealthCheck)
	// The websocket handshake authenticates itself.
	e.GET("/ws", h.Hub.ServeWS)

	// Protected routes
	protected := []echo.MiddlewareFunc{verifier.JWTMiddleware, ratelimit.Middleware(limiter, "api")}

	notifications := e.Group("/notifications", protected...)
	notifications.GET("", h.GetNotifications)
	notifications.GET("/unread-count", h.GetNotificationUnreadCount)
	notifications.GET("/stats", h.GetNotificationStats)
	notifications.PATCH("/read-all", h.MarkAllNotificationsRead)
	notifications.PATCH("/:id/read", h.MarkNotificationRead)

	messages := e.Group("/messages", protected...)
	messages.GET("/unread-count", h.GetMessageUnreadCount)
	messages.GET("/unread-counts", h.GetMessageUnreadCounts)

	conversations := e.Group("/conversations", protected...)
	conversations.PATCH("/:id/read", h.MarkConversationRead)

	// Called by the main API after it commits a state change. End-user
	// tokens are not enough here.
	internal := e.Group("/internal", auth.ServiceKeyMiddleware(internalKey))
	internal.POST("/notifications", h.PublishNotification)
	internal.POST("/notifications/broadcast", h.BroadcastNotification)
	internal.GET("/notifications/tasks/:id", h.GetScheduledNotification)

	jobs := internal.Group("/jobs")
	jobs.GET("/:type", h.GetQueueStatus)
	jobs.POST("/:type", h.EnqueueJob)
	jobs.GET("/:type/dead", h.GetDeadJobs)
	jobs.GET("/:type/:id", h.GetJob)
	jobs.POST("/:type/dead/:id/retry", h.RetryDeadJob)
}
