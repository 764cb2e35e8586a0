package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"artbeat/internal/kv"
)

const (
	// MaxNotifications bounds the per-user log; the oldest entries go first.
	MaxNotifications = 100
	LogTTL           = 30 * 24 * time.Hour

	DefaultPageSize = 20
)

// publishScript appends to the log, trims it, keeps the unread counter in
// step with what was evicted and publishes the payload, all in one atomic
// step.
//
// KEYS: log, unread. ARGV: score, member, max entries, ttl seconds, channel.
var publishScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local max = tonumber(ARGV[3])
local evicted = redis.call('ZRANGE', KEYS[1], 0, -(max + 1))
local dropped = 0
for _, m in ipairs(evicted) do
	local ok, n = pcall(cjson.decode, m)
	if ok and not n['read'] then
		dropped = dropped + 1
	end
end
if #evicted > 0 then
	redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(max + 1))
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
local unread = redis.call('INCR', KEYS[2])
if dropped > 0 then
	unread = unread - dropped
	if unread < 0 then
		unread = 0
	end
	redis.call('SET', KEYS[2], unread)
end
redis.call('EXPIRE', KEYS[2], ARGV[4])
redis.call('PUBLISH', ARGV[5], ARGV[2])
return unread
`)

// markReadScript swaps one log member for its read copy under the same
// score and decrements the counter, floored at zero. A member that is
// already gone (marked by a concurrent call) leaves everything untouched.
//
// KEYS: log, unread. ARGV: old member, new member, score.
var markReadScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return -1
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
local n = tonumber(redis.call('GET', KEYS[2]) or '0')
if n > 0 then
	n = redis.call('DECR', KEYS[2])
end
return n
`)

// markAllScript swaps every listed member for its read copy and sets the
// counter to zero.
//
// KEYS: log, unread. ARGV: ttl seconds, then (old, new, score) triples.
var markAllScript = redis.NewScript(`
for i = 2, #ARGV, 3 do
	if redis.call('ZREM', KEYS[1], ARGV[i]) == 1 then
		redis.call('ZADD', KEYS[1], ARGV[i + 2], ARGV[i + 1])
	end
end
redis.call('SET', KEYS[2], 0, 'EX', ARGV[1])
return 0
`)

// Service keeps a bounded, time-ordered notification log per user plus an
// unread counter, and publishes each new notification for live delivery.
//
// Every method is best-effort: on failure it returns the degraded default
// (nil, empty, zero) together with the error, so callers may log and move on.
type Service struct {
	rdb redis.UniversalClient
	now func() time.Time

	mu   sync.Mutex
	last int64
}

func NewService(rdb redis.UniversalClient) *Service {
	return &Service{rdb: rdb, now: time.Now}
}

// stamp returns a timestamp strictly after the previous one issued by this
// process, so ids and sort keys never collide locally.
func (s *Service) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC().Truncate(time.Microsecond)
	if us := t.UnixMicro(); us <= s.last {
		t = time.UnixMicro(s.last + 1).UTC()
	}
	s.last = t.UnixMicro()
	return t
}

func notificationID(userID string, ts time.Time) string {
	return fmt.Sprintf("%s:%d", userID, ts.UnixMicro())
}

// Publish records a notification for userID and publishes it on the user's
// channel. It returns nil and the error when the store is unavailable.
func (s *Service) Publish(ctx context.Context, userID string, req *NotificationRequest) (*Notification, error) {
	ts := s.stamp()
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	n := &Notification{
		ID:        notificationID(userID, ts),
		UserID:    userID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Action:    req.Action,
		Priority:  priority,
		Timestamp: ts,
		Read:      false,
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}

	err = publishScript.Run(ctx, s.rdb,
		[]string{kv.NotificationLogKey(userID), kv.NotificationUnreadKey(userID)},
		ts.UnixMicro(), payload, MaxNotifications, int(LogTTL.Seconds()), kv.NotificationChannel(userID),
	).Err()
	if err != nil {
		slog.Warn("failed to publish notification", "user_id", userID, "type", req.Type, "error", err)
		return nil, fmt.Errorf("failed to publish notification: %w", err)
	}

	return n, nil
}

// GetNotifications returns up to limit entries starting at offset, most
// recent first.
func (s *Service) GetNotifications(ctx context.Context, userID string, limit, offset int) ([]*Notification, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	members, err := s.rdb.ZRevRange(ctx, kv.NotificationLogKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		slog.Warn("failed to get notifications", "user_id", userID, "error", err)
		return []*Notification{}, fmt.Errorf("failed to get notifications: %w", err)
	}

	result := make([]*Notification, 0, len(members))
	for _, m := range members {
		var n Notification
		if err := json.Unmarshal([]byte(m), &n); err != nil {
			slog.Warn("skipping undecodable notification", "user_id", userID, "error", err)
			continue
		}
		result = append(result, &n)
	}
	return result, nil
}

type logEntry struct {
	member string
	score  float64
	n      Notification
}

func (s *Service) entries(ctx context.Context, userID string) ([]logEntry, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, kv.NotificationLogKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]logEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(member), &n); err != nil {
			continue
		}
		out = append(out, logEntry{member: member, score: z.Score, n: n})
	}
	return out, nil
}

// MarkAsRead flips one entry to read, keeping its position in the log. An
// unknown or already-read id is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	entries, err := s.entries(ctx, userID)
	if err != nil {
		slog.Warn("failed to load notifications", "user_id", userID, "error", err)
		return fmt.Errorf("failed to mark notification as read: %w", err)
	}

	for _, e := range entries {
		if e.n.ID != notificationID {
			continue
		}
		if e.n.Read {
			return nil
		}

		e.n.Read = true
		updated, err := json.Marshal(&e.n)
		if err != nil {
			return fmt.Errorf("failed to encode notification: %w", err)
		}

		err = markReadScript.Run(ctx, s.rdb,
			[]string{kv.NotificationLogKey(userID), kv.NotificationUnreadKey(userID)},
			e.member, updated, e.score,
		).Err()
		if err != nil {
			slog.Warn("failed to mark notification as read", "user_id", userID, "notification_id", notificationID, "error", err)
			return fmt.Errorf("failed to mark notification as read: %w", err)
		}
		return nil
	}

	return nil
}

// MarkAllAsRead flips every entry to read and sets the unread counter to
// zero. Calling it again changes nothing.
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) error {
	entries, err := s.entries(ctx, userID)
	if err != nil {
		slog.Warn("failed to load notifications", "user_id", userID, "error", err)
		return fmt.Errorf("failed to mark all notifications as read: %w", err)
	}

	args := []interface{}{int(LogTTL.Seconds())}
	for _, e := range entries {
		if e.n.Read {
			continue
		}
		e.n.Read = true
		updated, err := json.Marshal(&e.n)
		if err != nil {
			return fmt.Errorf("failed to encode notification: %w", err)
		}
		args = append(args, e.member, updated, e.score)
	}

	err = markAllScript.Run(ctx, s.rdb,
		[]string{kv.NotificationLogKey(userID), kv.NotificationUnreadKey(userID)},
		args...,
	).Err()
	if err != nil {
		slog.Warn("failed to mark all notifications as read", "user_id", userID, "error", err)
		return fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	return nil
}

// GetUnreadCount returns the stored counter, 0 when absent or unreadable.
func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, kv.NotificationUnreadKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		slog.Warn("failed to get unread notification count", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to get unread count: %w", err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func (s *Service) GetNotificationStats(ctx context.Context, userID string) (*NotificationStats, error) {
	entries, err := s.entries(ctx, userID)
	if err != nil {
		return &NotificationStats{}, fmt.Errorf("error occurred fetching notification stats: %w", err)
	}

	stats := &NotificationStats{Total: len(entries)}
	for _, e := range entries {
		if !e.n.Read {
			stats.Unread++
		}
	}
	return stats, nil
}
