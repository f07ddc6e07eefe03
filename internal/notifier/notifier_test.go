package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratingbot/internal/eventbus"
	"ratingbot/internal/rating"
	"ratingbot/internal/transport"
	"ratingbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[int64][]string
	errs map[int64]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[int64][]string{}, errs: map[int64]error{}}
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent[to.ChatID])}, nil
}

func (f *fakeSender) count(chat int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[chat])
}

var errGone = errors.New("chat not found")

func classifyGone(err error) error {
	if errors.Is(err, errGone) {
		return ErrNotifyPermanent
	}
	return ErrNotifyTransient
}

func snapshot(score float64, votes int) rating.Snapshot {
	return rating.NewSnapshot("10115:pizza-roma", "Pizza Roma", rating.Rating{Score: score, Votes: votes},
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestNotifyDeliversIndependently(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	snd.errs[2] = errGone
	snd.errs[3] = errors.New("connection reset")
	svc := New(Config{RatePerSec: 30}, snd, logx.Nop(), WithClassifier(classifyGone))

	res := svc.Notify(context.Background(), snapshot(4.0, 10), nil, []ChatID{1, 2, 3, 4})

	assert.Equal(t, []ChatID{1, 4}, res.Delivered)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, []ChatID{2}, res.Permanent())
	assert.Equal(t, []ChatID{3}, res.Transient())
	assert.ErrorIs(t, res.Failed[2], errGone)
	assert.Equal(t, 1, snd.count(1))
	assert.Equal(t, 1, snd.count(4))
}

func TestNotifyDedupesChatsWithinCall(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	svc := New(Config{RatePerSec: 30}, snd, logx.Nop())

	res := svc.Notify(context.Background(), snapshot(4.0, 10), nil, []ChatID{7, 7, 8, 7})

	assert.Equal(t, []ChatID{7, 8}, res.Delivered)
	assert.Equal(t, 1, snd.count(7))
	assert.Equal(t, 1, snd.count(8))
}

func TestNotifyEmptyChatList(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	svc := New(Config{}, snd, logx.Nop())

	res := svc.Notify(context.Background(), snapshot(4.0, 10), nil, nil)
	assert.Empty(t, res.Delivered)
	assert.Empty(t, res.Failed)
}

func TestNotifyCanceledContextIsTransient(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	svc := New(Config{RatePerSec: 1}, snd, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.Notify(ctx, snapshot(4.0, 10), nil, []ChatID{1, 2})
	assert.Empty(t, res.Delivered)
	assert.Equal(t, []ChatID{1, 2}, res.Transient())
	assert.Zero(t, snd.count(1))
}

func TestNotifyPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	snd := newFakeSender()
	snd.errs[2] = errGone
	svc := New(Config{RatePerSec: 30}, snd, logx.Nop(), WithBus(bus), WithClassifier(classifyGone))
	svc.Notify(context.Background(), snapshot(3.5, 4), nil, []ChatID{1, 2})

	got := map[string]NotificationEvent{}
	for range 2 {
		select {
		case e := <-events:
			got[e.Type] = e.Data.(NotificationEvent)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, ChatID(1), got[eventbus.NotifySent].ChatID)
	assert.False(t, got[eventbus.NotifySent].DeliveredAt.IsZero())
	assert.Equal(t, ChatID(2), got[eventbus.NotifyFailed].ChatID)
	assert.Contains(t, got[eventbus.NotifyFailed].Error, "chat not found")
}

func TestDefaultClassifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrNotifyPermanent, DefaultClassifier(ErrNotifyPermanent))
	assert.Equal(t, ErrNotifyTransient, DefaultClassifier(errors.New("boom")))
	assert.Equal(t, ErrNotifyTransient, DefaultClassifier(context.DeadlineExceeded))
}

func TestFormatChange(t *testing.T) {
	t.Parallel()

	cur := snapshot(4.0, 12)

	first := FormatChange(cur, nil)
	assert.True(t, strings.HasPrefix(first, "Now tracking Pizza Roma"))
	assert.Contains(t, first, "Score: 4.0 / 5 (12 votes)")
	assert.NotContains(t, first, "Change:")

	prev := &rating.CacheEntry{Subject: cur.Subject, Last: snapshot(3.5, 10)}
	changed := FormatChange(cur, prev)
	assert.True(t, strings.HasPrefix(changed, "Rating changed: Pizza Roma"))
	assert.Contains(t, changed, "Change: +0.50 score, +2 votes (was 3.5 (10 votes))")
	assert.Contains(t, changed, "Subject: 10115:pizza-roma")

	down := FormatChange(snapshot(3.0, 9), prev)
	assert.Contains(t, down, "Change: -0.50 score, -1 votes")
}
