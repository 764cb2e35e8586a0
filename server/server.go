package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"artbeat/internal/auth"
	"artbeat/internal/cache"
	"artbeat/internal/config"
	"artbeat/internal/handlers"
	"artbeat/internal/jobqueue"
	"artbeat/internal/messages"
	"artbeat/internal/notification"
	"artbeat/internal/ratelimit"
	"artbeat/internal/realtime"
	"artbeat/internal/routes"
)

const shutdownTimeout = 10 * time.Second

type Deps struct {
	RDB           redis.UniversalClient
	Notifications *notification.Service
	Unread        *messages.UnreadCounter
	Cache         *cache.Cache
	Jobs          *jobqueue.Queue
	Delayed       handlers.DelayedDelivery
}

type Server struct {
	config *config.Config
	echo   *echo.Echo
	hub    *realtime.Hub
}

// NewServer wires the HTTP routes and the websocket hub. scaled requests the
// cross-process adapter; pass false when the store was unreachable at boot.
func NewServer(cfg *config.Config, deps Deps, scaled bool) *Server {
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	hub := realtime.NewHub(deps.RDB, verifier, deps.Unread, realtime.Options{
		Scaled:           scaled,
		HandshakeTimeout: cfg.Socket.HandshakeTimeout,
		EventsPerSecond:  cfg.Socket.EventsPerSecond,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("request", attrs...)
			return nil
		},
	}))

	h := &handlers.Handler{
		RDB:           deps.RDB,
		Notifications: deps.Notifications,
		Unread:        deps.Unread,
		Cache:         deps.Cache,
		Jobs:          deps.Jobs,
		Hub:           hub,
		Delayed:       deps.Delayed,
	}
	limiter := ratelimit.NewLimiter(ratelimit.NewStore(deps.RDB, cfg.RateLimit.Window), cfg.RateLimit.Max)
	routes.SetupRoutes(e, h, verifier, cfg.Auth.InternalAPIKey, limiter)

	return &Server{config: cfg, echo: e, hub: hub}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.hub.Start(ctx)
	defer s.hub.Close()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", s.config.HTTPAddr, "scaled", s.hub.Scaled())
		if err := s.echo.Start(s.config.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}
