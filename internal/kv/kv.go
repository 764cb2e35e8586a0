// Package kv builds the shared Redis client and owns the key layout used by
// every component that sits on top of it.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"artbeat/internal/config"
)

// ErrUnavailable marks failures caused by the store being unreachable.
var ErrUnavailable = errors.New("kv store unavailable")

// Options derives client options from REDIS_URL, falling back to the
// discrete host/port/password fields.
func Options(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		return opt, nil
	}

	return &redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// NewClient creates the client without requiring the store to be up; callers
// that care use Ping.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// Ping reports whether the store answers within timeout.
func Ping(ctx context.Context, rdb redis.UniversalClient, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis ping failed", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Key layout. Everything the subsystem writes lives under one of these.

func NotificationLogKey(userID string) string {
	return "notifications:log:" + userID
}

func NotificationUnreadKey(userID string) string {
	return "notifications:unread:" + userID
}

// NotificationChannel is the pub/sub channel live notifications are published on.
func NotificationChannel(userID string) string {
	return "notifications:channel:" + userID
}

func MessageUnreadKey(userID string) string {
	return "unread_messages:" + userID
}

func RateLimitKey(key string) string {
	return "rl:" + key
}

func CacheKey(key string) string {
	return "cache:" + key
}

func JobQueueKey(jobType string) string {
	return "queue:" + jobType
}

func JobDataKey(jobType string) string {
	return "queue:" + jobType + ":jobs"
}

func JobDeadKey(jobType string) string {
	return "queue:" + jobType + ":dead"
}

// SocketAdapterChannel carries room broadcasts between server processes.
const SocketAdapterChannel = "socket:adapter"
