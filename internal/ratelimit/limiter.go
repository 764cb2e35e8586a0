package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	limiterpkg "github.com/ulule/limiter/v3"
)

// limiterStore adapts Store to the ulule limiter.Store contract so the
// limiter's admission logic runs over our fixed-window counter.
type limiterStore struct {
	store *Store
}

var _ limiterpkg.Store = (*limiterStore)(nil)

func (l *limiterStore) Get(ctx context.Context, key string, rate limiterpkg.Rate) (limiterpkg.Context, error) {
	return l.Increment(ctx, key, 1, rate)
}

func (l *limiterStore) Increment(ctx context.Context, key string, count int64, rate limiterpkg.Rate) (limiterpkg.Context, error) {
	hits, err := l.store.incrementBy(ctx, key, count)
	if err != nil {
		return limiterpkg.Context{}, err
	}
	return toContext(hits, rate), nil
}

func (l *limiterStore) Peek(ctx context.Context, key string, rate limiterpkg.Rate) (limiterpkg.Context, error) {
	hits, err := l.store.Peek(ctx, key)
	if err != nil {
		return limiterpkg.Context{}, err
	}
	return toContext(hits, rate), nil
}

func (l *limiterStore) Reset(ctx context.Context, key string, rate limiterpkg.Rate) (limiterpkg.Context, error) {
	if err := l.store.ResetKey(ctx, key); err != nil {
		return limiterpkg.Context{}, err
	}
	return toContext(Hits{ResetAt: l.store.now().Add(l.store.window)}, rate), nil
}

func toContext(hits Hits, rate limiterpkg.Rate) limiterpkg.Context {
	remaining := rate.Limit - hits.Count
	if remaining < 0 {
		remaining = 0
	}
	return limiterpkg.Context{
		Limit:     rate.Limit,
		Remaining: remaining,
		Reset:     hits.ResetAt.Unix(),
		Reached:   hits.Count > rate.Limit,
	}
}

// NewLimiter builds a ulule limiter admitting max hits per store window.
func NewLimiter(store *Store, max int64) *limiterpkg.Limiter {
	rate := limiterpkg.Rate{
		Formatted: strconv.FormatInt(max, 10) + "-" + store.Window().String(),
		Period:    store.Window(),
		Limit:     max,
	}
	return limiterpkg.New(&limiterStore{store: store}, rate)
}

// Middleware rejects requests over the limit with 429. The key is the
// authenticated user when one is set on the context, else the client IP.
// Store failures fail open.
func Middleware(limiter *limiterpkg.Limiter, scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := scope + ":ip:" + c.RealIP()
			if userID, ok := c.Get("user_id").(string); ok && userID != "" {
				key = scope + ":user:" + userID
			}

			lctx, err := limiter.Get(c.Request().Context(), key)
			if err != nil {
				slog.Warn("rate limit store unavailable, admitting request", "key", key, "error", err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

			if lctx.Reached {
				retryAfter := time.Until(time.Unix(lctx.Reset, 0))
				if retryAfter > 0 {
					h.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "Too many requests, please try again later.",
				})
			}

			return next(c)
		}
	}
}
