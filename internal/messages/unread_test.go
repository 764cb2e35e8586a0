package messages

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artbeat/internal/kv"
)

type staticParticipants map[string][]string

func (s staticParticipants) Participants(_ context.Context, conversationID string) ([]string, error) {
	ids, ok := s[conversationID]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	return ids, nil
}

func newTestCounter(t *testing.T, lookup ParticipantLookup) (*UnreadCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewUnreadCounter(rdb, lookup), mr
}

func TestResetIsAbsolute(t *testing.T) {
	u, _ := newTestCounter(t, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, u.UpdateUnreadCount(ctx, "u", "c", 1))
	}
	n, err := u.GetUnreadCount(ctx, "u", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	require.NoError(t, u.ResetUnreadCount(ctx, "u", "c"))
	n, err = u.GetUnreadCount(ctx, "u", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// A negative delta is a reset too, never a subtraction.
	require.NoError(t, u.UpdateUnreadCount(ctx, "u", "c", 3))
	require.NoError(t, u.UpdateUnreadCount(ctx, "u", "c", -10))
	n, err = u.GetUnreadCount(ctx, "u", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestTotalIsSumOverConversations(t *testing.T) {
	u, _ := newTestCounter(t, nil)
	ctx := context.Background()

	require.NoError(t, u.UpdateUnreadCount(ctx, "u", "a", 2))
	require.NoError(t, u.UpdateUnreadCount(ctx, "u", "b", 5))
	require.NoError(t, u.UpdateUnreadCount(ctx, "other", "a", 9))

	total, err := u.GetUnreadCount(ctx, "u", "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	none, err := u.GetUnreadCount(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), none)
}

func TestBatchUnreadCounts(t *testing.T) {
	u, _ := newTestCounter(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, u.UpdateUnreadCount(ctx, "u", "c2", 1))
	}

	counts, err := u.GetBatchUnreadCounts(ctx, "u", []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"c1": 0, "c2": 4, "c3": 0}, counts)

	empty, err := u.GetBatchUnreadCounts(ctx, "u", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestExpiryRefreshedOnWrite(t *testing.T) {
	u, mr := newTestCounter(t, nil)
	ctx := context.Background()

	require.NoError(t, u.UpdateUnreadCount(ctx, "u", "c", 1))
	mr.FastForward(CounterTTL / 2)
	require.NoError(t, u.UpdateUnreadCount(ctx, "u", "c", 1))
	assert.Equal(t, CounterTTL, mr.TTL(kv.MessageUnreadKey("u")))
}

func TestIncrementForParticipants(t *testing.T) {
	lookup := staticParticipants{"conv": {"alice", "bob", "carol"}}
	u, _ := newTestCounter(t, lookup)
	ctx := context.Background()

	require.NoError(t, u.IncrementForParticipants(ctx, "conv", "alice", nil))

	for user, want := range map[string]int64{"alice": 0, "bob": 1, "carol": 1} {
		n, err := u.GetUnreadCount(ctx, user, "conv")
		require.NoError(t, err)
		assert.Equal(t, want, n, user)
	}

	// The lookup wins over client-supplied recipients.
	require.NoError(t, u.IncrementForParticipants(ctx, "conv", "bob", []string{"dave"}))
	n, err := u.GetUnreadCount(ctx, "dave", "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = u.GetUnreadCount(ctx, "alice", "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = u.IncrementForParticipants(ctx, "conv", "mallory", []string{"bob"})
	assert.ErrorIs(t, err, ErrNotParticipant)
	n, err = u.GetUnreadCount(ctx, "bob", "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Error(t, u.IncrementForParticipants(ctx, "unknown", "alice", nil))
}

func TestIncrementWithoutLookupUsesRecipients(t *testing.T) {
	u, _ := newTestCounter(t, nil)
	ctx := context.Background()

	require.NoError(t, u.IncrementForParticipants(ctx, "conv", "alice", []string{"alice", "dave"}))
	n, err := u.GetUnreadCount(ctx, "dave", "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = u.GetUnreadCount(ctx, "alice", "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIsParticipant(t *testing.T) {
	u, _ := newTestCounter(t, staticParticipants{"conv": {"alice", "bob"}})
	ctx := context.Background()

	ok, err := u.IsParticipant(ctx, "conv", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = u.IsParticipant(ctx, "conv", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = u.IsParticipant(ctx, "unknown", "alice")
	assert.Error(t, err)

	open, _ := newTestCounter(t, nil)
	ok, err = open.IsParticipant(ctx, "anything", "anyone")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDegradesWhenStoreUnavailable(t *testing.T) {
	u, mr := newTestCounter(t, nil)
	ctx := context.Background()
	mr.Close()

	assert.Error(t, u.UpdateUnreadCount(ctx, "u", "c", 1))

	n, err := u.GetUnreadCount(ctx, "u", "c")
	assert.Error(t, err)
	assert.Equal(t, int64(0), n)

	counts, err := u.GetBatchUnreadCounts(ctx, "u", []string{"c"})
	assert.Error(t, err)
	assert.NotNil(t, counts)
	assert.Empty(t, counts)
}
