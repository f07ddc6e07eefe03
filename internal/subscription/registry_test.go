package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratingbot/internal/rating"
	"ratingbot/internal/storage"
	"ratingbot/pkg/logx"
)

type failingStore struct{ storage.Store }

func (failingStore) AddSubscription(context.Context, storage.SubscriptionRecord) error {
	return errors.New("disk full")
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(storage.NewMemory(), 0, logx.Nop())

	added, err := r.Subscribe(ctx, 1, "a")
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = r.Subscribe(ctx, 1, "a")
	assert.False(t, added, "duplicate subscribe reported added")
	_, _ = r.Subscribe(ctx, 1, "b")
	_, _ = r.Subscribe(ctx, 2, "a")

	assert.Equal(t, []ChatID{1, 2}, r.SubscribersOf("a"))
	assert.Equal(t, []rating.Subject{"a", "b"}, r.Subjects())

	removed, _ := r.Unsubscribe(ctx, 1, "missing")
	assert.False(t, removed, "removing unknown subject reported removed")
	_, _ = r.Unsubscribe(ctx, 1, "a")
	_, _ = r.Unsubscribe(ctx, 1, "b")
	assert.Empty(t, r.SubjectsOf(1))

	chats, subs := r.Counts()
	assert.Equal(t, 1, chats, "empty chat entry must be destroyed")
	assert.Equal(t, 1, subs)
	assert.Equal(t, []rating.Subject{"a"}, r.Subjects())
}

func TestRemoveChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	r := New(st, 0, logx.Nop())
	_, _ = r.Subscribe(ctx, 9, "x")
	_, _ = r.Subscribe(ctx, 9, "y")
	_, _ = r.Subscribe(ctx, 10, "x")

	removed, err := r.RemoveChat(ctx, 9, "blocked")
	require.NoError(t, err)
	assert.Equal(t, []rating.Subject{"x", "y"}, removed)
	assert.Equal(t, []ChatID{10}, r.SubscribersOf("x"))
	assert.Empty(t, r.SubscribersOf("y"))

	recs, err := st.LoadSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(10), recs[0].ChatID)
}

func TestMaxPerChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(nil, 2, logx.Nop())
	_, _ = r.Subscribe(ctx, 1, "a")
	_, _ = r.Subscribe(ctx, 1, "b")
	_, err := r.Subscribe(ctx, 1, "c")
	assert.ErrorIs(t, err, ErrTooManySubscriptions)

	added, err := r.Subscribe(ctx, 1, "a")
	require.NoError(t, err, "re-subscribing an existing subject must be a no-op")
	assert.False(t, added)

	r.SetMaxPerChat(3)
	_, err = r.Subscribe(ctx, 1, "c")
	assert.NoError(t, err)
}

func TestLoadRestoresState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	a := New(st, 0, logx.Nop())
	_, _ = a.Subscribe(ctx, 1, "s1")
	_, _ = a.Subscribe(ctx, 2, "s1")

	b := New(st, 0, logx.Nop())
	n, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []ChatID{1, 2}, b.SubscribersOf("s1"))
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	r := New(failingStore{storage.NewMemory()}, 0, logx.Nop())
	_, err := r.Subscribe(context.Background(), 1, "a")
	require.Error(t, err)
	assert.Empty(t, r.SubscribersOf("a"), "failed subscribe visible")
}
