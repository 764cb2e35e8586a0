// Package messages tracks per-conversation unread message counts.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"artbeat/internal/kv"
)

const CounterTTL = 30 * 24 * time.Hour

var ErrNotParticipant = errors.New("not a conversation participant")

// UnreadCounter keeps one hash per user, one field per conversation.
// Increments accumulate; marking read always resets to zero rather than
// subtracting, so a racing increment can never leave the counter negative.
//
// Failures return 0 or an empty map together with the error.
type UnreadCounter struct {
	rdb          redis.UniversalClient
	participants ParticipantLookup
}

func NewUnreadCounter(rdb redis.UniversalClient, participants ParticipantLookup) *UnreadCounter {
	return &UnreadCounter{rdb: rdb, participants: participants}
}

// UpdateUnreadCount adds delta when positive and resets to zero otherwise.
func (u *UnreadCounter) UpdateUnreadCount(ctx context.Context, userID, conversationID string, delta int64) error {
	key := kv.MessageUnreadKey(userID)

	_, err := u.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if delta > 0 {
			pipe.HIncrBy(ctx, key, conversationID, delta)
		} else {
			pipe.HSet(ctx, key, conversationID, 0)
		}
		pipe.Expire(ctx, key, CounterTTL)
		return nil
	})
	if err != nil {
		slog.Warn("failed to update unread message count",
			"user_id", userID, "conversation_id", conversationID, "delta", delta, "error", err)
		return fmt.Errorf("failed to update unread count: %w", err)
	}
	return nil
}

func (u *UnreadCounter) ResetUnreadCount(ctx context.Context, userID, conversationID string) error {
	return u.UpdateUnreadCount(ctx, userID, conversationID, 0)
}

// GetUnreadCount returns one conversation's count, or the sum over all of the
// user's conversations when conversationID is empty.
func (u *UnreadCounter) GetUnreadCount(ctx context.Context, userID, conversationID string) (int64, error) {
	key := kv.MessageUnreadKey(userID)

	if conversationID != "" {
		n, err := u.rdb.HGet(ctx, key, conversationID).Int64()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			slog.Warn("failed to get unread message count",
				"user_id", userID, "conversation_id", conversationID, "error", err)
			return 0, fmt.Errorf("failed to get unread count: %w", err)
		}
		return clamp(n), nil
	}

	all, err := u.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		slog.Warn("failed to get total unread message count", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to get total unread count: %w", err)
	}

	var total int64
	for _, v := range all {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += clamp(n)
	}
	return total, nil
}

// GetBatchUnreadCounts fetches many conversations in one round trip. Missing
// conversations map to 0.
func (u *UnreadCounter) GetBatchUnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}

	values, err := u.rdb.HMGet(ctx, kv.MessageUnreadKey(userID), conversationIDs...).Result()
	if err != nil {
		slog.Warn("failed to get batch unread message counts", "user_id", userID, "error", err)
		return map[string]int64{}, fmt.Errorf("failed to get batch unread counts: %w", err)
	}

	for i, id := range conversationIDs {
		counts[id] = 0
		s, ok := values[i].(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			counts[id] = clamp(n)
		}
	}
	return counts, nil
}

// IsParticipant reports whether userID belongs to the conversation. Without a
// participant lookup every user is treated as a member.
func (u *UnreadCounter) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if u.participants == nil {
		return true, nil
	}
	ids, err := u.participants.Participants(ctx, conversationID)
	if err != nil {
		slog.Warn("failed to look up conversation participants",
			"conversation_id", conversationID, "error", err)
		return false, err
	}
	return slices.Contains(ids, userID), nil
}

// IncrementForParticipants bumps the counter of every participant except the
// sender. When a participant lookup is configured it is the only source of
// recipients and the sender must be one of them; recipients is used only
// without a lookup. Failures for one recipient do not stop the others.
func (u *UnreadCounter) IncrementForParticipants(ctx context.Context, conversationID, senderID string, recipients []string) error {
	if u.participants != nil {
		ids, err := u.participants.Participants(ctx, conversationID)
		if err != nil {
			slog.Warn("failed to look up conversation participants",
				"conversation_id", conversationID, "error", err)
			return err
		}
		if !slices.Contains(ids, senderID) {
			return fmt.Errorf("%w: %s in %s", ErrNotParticipant, senderID, conversationID)
		}
		recipients = ids
	}

	var errs []error
	for _, userID := range recipients {
		if userID == "" || userID == senderID {
			continue
		}
		if err := u.UpdateUnreadCount(ctx, userID, conversationID, 1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
