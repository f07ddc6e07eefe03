package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratingbot/internal/notifier"
	"ratingbot/internal/rating"
	"ratingbot/internal/source"
	"ratingbot/internal/statecache"
	"ratingbot/internal/storage"
	"ratingbot/internal/subscription"
	"ratingbot/internal/transport"
	"ratingbot/pkg/logx"
)

type fetchFunc func(ctx context.Context) (rating.Snapshot, error)

type fakeFetcher struct {
	mu    sync.Mutex
	funcs map[rating.Subject]fetchFunc
	calls map[rating.Subject]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{funcs: map[rating.Subject]fetchFunc{}, calls: map[rating.Subject]int{}}
}

func (f *fakeFetcher) set(subject rating.Subject, fn fetchFunc) {
	f.mu.Lock()
	f.funcs[subject] = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) returns(subject rating.Subject, snap rating.Snapshot) {
	f.set(subject, func(context.Context) (rating.Snapshot, error) { return snap, nil })
}

func (f *fakeFetcher) Fetch(ctx context.Context, subject rating.Subject) (rating.Snapshot, error) {
	f.mu.Lock()
	fn := f.funcs[subject]
	f.calls[subject]++
	f.mu.Unlock()
	if fn == nil {
		return rating.Snapshot{}, &source.SourceError{Kind: source.ErrSourceUnavailable, Subject: subject}
	}
	return fn(ctx)
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[int64]int
	gone map[int64]bool
}

var errChatGone = errors.New("chat not found")

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[to.ChatID] {
		return transport.MessageRef{}, errChatGone
	}
	f.sent[to.ChatID]++
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) count(chat int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[chat]
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		n += c
	}
	return n
}

// countingStore counts snapshot writes and can be switched off.
type countingStore struct {
	storage.Store
	puts atomic.Int32
	down atomic.Bool
}

func (c *countingStore) PutSnapshot(ctx context.Context, r storage.SnapshotRecord) error {
	c.puts.Add(1)
	if c.down.Load() {
		return errors.New("store down")
	}
	return c.Store.PutSnapshot(ctx, r)
}

func (c *countingStore) LoadSnapshots(ctx context.Context) ([]storage.SnapshotRecord, error) {
	if c.down.Load() {
		return nil, errors.New("store down")
	}
	return c.Store.LoadSnapshots(ctx)
}

type harness struct {
	svc    *Service
	fetch  *fakeFetcher
	sender *fakeSender
	store  *countingStore
	cache  *statecache.Cache
	reg    *subscription.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		fetch:  newFakeFetcher(),
		sender: &fakeSender{sent: map[int64]int{}, gone: map[int64]bool{}},
		store:  &countingStore{Store: storage.NewMemory()},
	}
	h.cache = statecache.New(h.store, 0)
	h.reg = subscription.New(storage.NewMemory(), 0, logx.Nop())
	nt := notifier.New(notifier.Config{RatePerSec: 30}, h.sender, logx.Nop(),
		notifier.WithClassifier(func(err error) error {
			if errors.Is(err, errChatGone) {
				return notifier.ErrNotifyPermanent
			}
			return notifier.ErrNotifyTransient
		}))
	if cfg.Schedule == "" {
		cfg.Schedule = "10m"
	}
	svc, err := New(cfg, Deps{Fetcher: h.fetch, Cache: h.cache, Registry: h.reg, Notifier: nt, Log: logx.Nop()})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) subscribe(t *testing.T, chat int64, subject rating.Subject) {
	t.Helper()
	_, err := h.reg.Subscribe(context.Background(), chat, subject)
	require.NoError(t, err)
}

func snapFP(subject rating.Subject, score float64, fp string) rating.Snapshot {
	return rating.Snapshot{
		Subject:     subject,
		Value:       rating.Rating{Score: score},
		ObservedAt:  time.Now(),
		Fingerprint: fp,
	}
}

const order42 rating.Subject = "order-42"

func TestUnchangedSkipsNotifyAndPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.subscribe(t, 1, order42)

	require.NoError(t, h.cache.Put(ctx, order42, snapFP(order42, 3.5, "abc")))
	putsBefore := h.store.puts.Load()

	h.fetch.returns(order42, snapFP(order42, 3.5, "abc"))
	out, err := h.svc.Poll(ctx, order42)

	require.NoError(t, err)
	assert.Equal(t, rating.Unchanged, out.Class)
	assert.Zero(t, h.sender.total())
	assert.Equal(t, putsBefore, h.store.puts.Load())
}

func TestChangedNotifiesAllThenPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.subscribe(t, 1, order42)
	h.subscribe(t, 2, order42)

	require.NoError(t, h.cache.Put(ctx, order42, snapFP(order42, 3.5, "abc")))

	h.fetch.returns(order42, snapFP(order42, 4.0, "def"))
	out, err := h.svc.Poll(ctx, order42)

	require.NoError(t, err)
	assert.Equal(t, rating.Changed, out.Class)
	assert.Equal(t, 2, out.Delivered)
	assert.Equal(t, 1, h.sender.count(1))
	assert.Equal(t, 1, h.sender.count(2))

	e, err := h.cache.Get(ctx, order42)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "def", e.Last.Fingerprint)
	assert.Equal(t, 4.0, e.Last.Value.Score)
}

func TestPipelineIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.subscribe(t, 1, order42)
	h.fetch.returns(order42, snapFP(order42, 4.0, "def"))

	first, err := h.svc.Poll(ctx, order42)
	require.NoError(t, err)
	second, err := h.svc.Poll(ctx, order42)
	require.NoError(t, err)

	assert.Equal(t, rating.FirstObservation, first.Class)
	assert.Equal(t, rating.Unchanged, second.Class)
	assert.Equal(t, 1, h.sender.count(1))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStableRatingOutlivesCacheTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	sender := &fakeSender{sent: map[int64]int{}, gone: map[int64]bool{}}
	store := &countingStore{Store: storage.NewMemory()}
	cache := statecache.New(store, 168*time.Hour, statecache.WithClock(clk.Now))
	reg := subscription.New(storage.NewMemory(), 0, logx.Nop())
	nt := notifier.New(notifier.Config{RatePerSec: 1000}, sender, logx.Nop())
	fetch := newFakeFetcher()
	svc, err := New(Config{Schedule: "10m"}, Deps{
		Fetcher: fetch, Cache: cache, Registry: reg, Notifier: nt, Log: logx.Nop(), Now: clk.Now,
	})
	require.NoError(t, err)

	_, err = reg.Subscribe(ctx, 1, order42)
	require.NoError(t, err)
	fetch.returns(order42, snapFP(order42, 4.2, "stable"))

	// Eight days of ten minute ticks.
	for range 8 * 24 * 6 {
		svc.Tick(ctx)
		clk.Advance(10 * time.Minute)
	}

	assert.Equal(t, 1, sender.count(1))
	assert.Equal(t, int32(1), store.puts.Load())
	e, err := cache.Get(ctx, order42)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestSubjectWithoutSubscribersStillPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{Subjects: []rating.Subject{order42}})
	h.fetch.returns(order42, snapFP(order42, 4.0, "def"))

	rep := h.svc.Tick(ctx)
	assert.Equal(t, 1, rep.FirstSeen)
	assert.Zero(t, h.sender.total())

	e, err := h.cache.Get(ctx, order42)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestFetchFailureLeavesCacheAndIsolatesSubjects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{Workers: 2})
	const a, b rating.Subject = "10115:a", "10115:b"
	h.subscribe(t, 1, a)
	h.subscribe(t, 1, b)

	require.NoError(t, h.cache.Put(ctx, a, snapFP(a, 3.0, "old")))
	h.fetch.set(a, func(context.Context) (rating.Snapshot, error) {
		return rating.Snapshot{}, &source.SourceError{Kind: source.ErrSourceUnavailable, Subject: a, Status: 503}
	})
	h.fetch.returns(b, snapFP(b, 4.5, "b1"))

	rep := h.svc.Tick(ctx)

	assert.Equal(t, 2, rep.Polled)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.FirstSeen)
	assert.NotEmpty(t, rep.ID)

	e, err := h.cache.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "old", e.Last.Fingerprint)

	st, ok := h.svc.State(a)
	require.True(t, ok)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Contains(t, st.LastErr, "unavailable")
}

func TestPanicInOneSubjectDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	const a, b rating.Subject = "10115:a", "10115:b"
	h.subscribe(t, 1, a)
	h.subscribe(t, 2, b)
	h.fetch.set(a, func(context.Context) (rating.Snapshot, error) { panic("boom") })
	h.fetch.returns(b, snapFP(b, 4.5, "b1"))

	rep := h.svc.Tick(ctx)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.FirstSeen)
	assert.Equal(t, 1, h.sender.count(2))
}

func TestPermanentFailureRemovesChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	const other rating.Subject = "10115:other"
	h.subscribe(t, 1, order42)
	h.subscribe(t, 3, order42)
	h.subscribe(t, 3, other)
	h.sender.gone[3] = true

	h.fetch.returns(order42, snapFP(order42, 4.0, "def"))
	out, err := h.svc.Poll(ctx, order42)

	require.NoError(t, err)
	assert.Equal(t, []int64{3}, out.Removed)
	assert.Equal(t, []int64{1}, h.reg.SubscribersOf(order42))
	assert.Empty(t, h.reg.SubscribersOf(other))
}

func TestCacheUnavailableTreatsAsFirstObservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.subscribe(t, 1, order42)
	h.store.down.Store(true)

	h.fetch.returns(order42, snapFP(order42, 4.0, "def"))
	out, err := h.svc.Poll(ctx, order42)

	require.NoError(t, err)
	assert.Equal(t, rating.FirstObservation, out.Class)
	assert.Equal(t, 1, h.sender.count(1))
}

func TestPollSerializesPerSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	h.fetch.set(order42, func(context.Context) (rating.Snapshot, error) {
		close(started)
		<-release
		return snapFP(order42, 4.0, "def"), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Poll(ctx, order42)
		done <- err
	}()
	<-started

	st, ok := h.svc.State(order42)
	require.True(t, ok)
	assert.Equal(t, StateFetching, st.State)

	out, err := h.svc.Poll(ctx, order42)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.True(t, out.Skipped)

	close(release)
	require.NoError(t, <-done)
	st, _ = h.svc.State(order42)
	assert.Equal(t, StateIdle, st.State)
}

func TestTickSubjectsUnionConfiguredAndSubscribed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Subjects: []rating.Subject{"10115:b", "10115:a"}})
	h.subscribe(t, 1, "10115:c")
	h.subscribe(t, 2, "10115:a")

	assert.Equal(t, []rating.Subject{"10115:a", "10115:b", "10115:c"}, h.svc.Subjects())
}

func TestStartRunOnStartAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RunOnStart: true, Subjects: []rating.Subject{order42}})
	h.fetch.returns(order42, snapFP(order42, 4.0, "def"))

	require.NoError(t, h.svc.Start(context.Background()))
	require.Error(t, h.svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := h.svc.LastReport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))

	rep, _ := h.svc.LastReport()
	assert.Equal(t, 1, rep.FirstSeen)
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  ScheduleKind
		every time.Duration
		err   bool
	}{
		{in: "10m", kind: ScheduleInterval, every: 10 * time.Minute},
		{in: "00:15", kind: ScheduleInterval, every: 15 * time.Minute},
		{in: "every:1h", kind: ScheduleInterval, every: time.Hour},
		{in: "*/10 * * * *", kind: ScheduleCron},
		{in: "@hourly", kind: ScheduleCron},
		{in: "cron:0 */2 * * *", kind: ScheduleCron},
		{in: "", err: true},
		{in: "5s", err: true},
		{in: "00:75", err: true},
		{in: "soon", err: true},
		{in: "* * *", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.every, got.Every)
		})
	}
}

func TestIntervalScheduleJitterDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := ParseSchedule("10m")
	require.NoError(t, err)

	sched, delay, err := s.cronSchedule(now, time.Minute)
	require.NoError(t, err)
	assert.Less(t, delay, time.Minute)

	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Minute+delay), first)
	assert.WithinDuration(t, first.Add(10*time.Minute), sched.Next(first), time.Second)
}
