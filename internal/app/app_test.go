package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratingbot/internal/config"
	"ratingbot/internal/rating"
	"ratingbot/internal/transport"
	"ratingbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	out   chan<- transport.Update
	sent  map[int64][]string
	menus int
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{sent: map[int64][]string{}} }

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent[to.ChatID])}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(context.Context, []transport.BotCommand) error {
	f.mu.Lock()
	f.menus++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) messages(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chat]...)
}

func (f *fakeAdapter) send(chat int64, text string) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: chat, FromID: chat, Text: text}}
}

func listing(score float64, votes int) string {
	return fmt.Sprintf(`{"restaurants": {"r1": {"id": "R1", "primarySlug": "pizza-roma",
  "brand": {"name": "Pizza Roma"}, "rating": {"votes": %d, "score": %.1f}, "location": {"city": "Darmstadt"}}}}`, votes, score)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BOT_TOKEN", "ADMIN_CHAT_ID", "RATING_API_BASE_URL", "RATING_API_TOKEN",
		"STORAGE_DRIVER", "STORAGE_DSN", "LOG_LEVEL", "POLL_SCHEDULE", "POLL_SUBJECTS", "NOTIFY_SOCKET", "WATCHDOG_USEC"} {
		t.Setenv(k, "")
	}
}

func TestAppSubscribeAndNotify(t *testing.T) {
	clearEnv(t)

	var body atomic.Value
	body.Store(listing(4.2, 100))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
  "telegram": {"token": "123:abc"},
  "source": {"base_url": "`+srv.URL+`/api/v33", "default_postal_code": "64293", "listing_ttl": "1ns"},
  "poll": {"schedule": "1h"},
  "storage": {"driver": "memory"},
  "logging": {"level": "error"}
}`), 0o600))

	ad := newFakeAdapter()
	ctx := context.Background()
	a, err := New(ctx, cfgPath, WithAdapter(ad), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	const chat = int64(42)
	ad.send(chat, "/subscribe pizza-roma")
	require.Eventually(t, func() bool { return len(ad.messages(chat)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, ad.messages(chat)[0], "Subscribed to Pizza Roma")

	rep := a.poller.Tick(ctx)
	assert.Equal(t, 1, rep.FirstSeen)
	assert.Equal(t, 1, rep.Delivered)
	require.Len(t, ad.messages(chat), 2)
	assert.Contains(t, ad.messages(chat)[1], "Now tracking Pizza Roma")

	rep = a.poller.Tick(ctx)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Len(t, ad.messages(chat), 2)

	body.Store(listing(4.5, 104))
	rep = a.poller.Tick(ctx)
	assert.Equal(t, 1, rep.Changed)
	msgs := ad.messages(chat)
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[2], "Rating changed: Pizza Roma")
	assert.Contains(t, msgs[2], "+0.30 score")

	st := a.Status()
	assert.Equal(t, 1, st.Chats)
	assert.Equal(t, 1, st.Subscriptions)
	assert.Equal(t, 1, st.CacheEntries)
	require.NotNil(t, st.LastTick)
	assert.Equal(t, 1, st.LastTick.Changed)
	assert.NotEmpty(t, st.Loops)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(sctx, StopSignal))
	select {
	case <-a.Done():
	default:
		t.Fatal("app still running after Stop")
	}
}

func TestNewFailsOnMissingToken(t *testing.T) {
	clearEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"storage": {"driver": "memory"}}`), 0o600))

	_, err := New(context.Background(), cfgPath, WithAdapter(newFakeAdapter()))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfigMissing)
}

func TestPollerConfigResolvesSubjects(t *testing.T) {
	cfg := &config.Config{}
	cfg.Source.DefaultPostalCode = "64293"
	cfg.Poll.Schedule = "10m"
	cfg.Poll.Subjects = []string{"pizza-roma", "64293:pizza-roma", "10115:sushi-bar"}

	pc, err := pollerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []rating.Subject{"64293:pizza-roma", "10115:sushi-bar"}, pc.Subjects)

	cfg.Poll.Subjects = []string{"bad subject!"}
	_, err = pollerConfig(cfg)
	assert.ErrorIs(t, err, rating.ErrInvalidSubject)
}

func TestLogConfigRoutesOperatorToAdminChat(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.AdminChatID = -1001
	cfg.Logging.Level = "warn"
	cfg.Logging.Operator.Enabled = true
	cfg.Logging.Operator.MinLevel = "error"

	lc := logConfig(cfg)
	assert.Equal(t, "warn", lc.Level)
	assert.True(t, lc.Operator.Enabled)
	assert.Equal(t, int64(-1001), lc.Operator.ChatID)
	assert.Equal(t, "error", lc.Operator.MinLevel)
}

func TestStepBoundsSlowSteps(t *testing.T) {
	t.Parallel()

	start := time.Now()
	step(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(c context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ran := false
	step(context.Background(), logx.Nop(), "panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	assert.True(t, ran)

	var seen time.Duration
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	step(ctx, logx.Nop(), "clamped", time.Hour, func(c context.Context) error {
		dl, _ := c.Deadline()
		seen = time.Until(dl)
		return nil
	})
	assert.LessOrEqual(t, seen, 100*time.Millisecond)
}
