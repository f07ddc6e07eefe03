// Package poller drives the fetch, classify, notify, persist pipeline for
// every tracked subject on a schedule.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ratingbot/internal/eventbus"
	"ratingbot/internal/notifier"
	"ratingbot/internal/rating"
	"ratingbot/internal/source"
	"ratingbot/internal/statecache"
	"ratingbot/pkg/logx"
)

// ErrInFlight is returned by Poll when the subject's pipeline is already running.
var ErrInFlight = errors.New("subject already in flight")

type Cache interface {
	Get(ctx context.Context, subject rating.Subject) (*rating.CacheEntry, error)
	Put(ctx context.Context, subject rating.Subject, snap rating.Snapshot) error
	Touch(subject rating.Subject, at time.Time)
	Sweep(ctx context.Context) int
}

type Registry interface {
	SubscribersOf(subject rating.Subject) []int64
	Subjects() []rating.Subject
	RemoveChat(ctx context.Context, chat int64, reason string) ([]rating.Subject, error)
}

type Notifier interface {
	Notify(ctx context.Context, snap rating.Snapshot, prev *rating.CacheEntry, chatIDs []int64) notifier.Result
}

type Config struct {
	Schedule       string
	Timezone       string
	Workers        int
	Subjects       []rating.Subject
	SubjectTimeout time.Duration
	Jitter         time.Duration
	RunOnStart     bool
}

// persistTimeout bounds the final cache write, which runs even after the
// tick context is cancelled.
const persistTimeout = 5 * time.Second

type Service struct {
	cfg      Config
	sched    Schedule
	loc      *time.Location
	fetcher  source.Fetcher
	cache    Cache
	registry Registry
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	tickMu sync.Mutex

	mu       sync.Mutex
	inFlight map[rating.Subject]struct{}
	states   map[rating.Subject]*SubjectState
	last     *TickReport

	c         *cron.Cron
	runCancel context.CancelFunc
	ticks     sync.WaitGroup
}

type Deps struct {
	Fetcher  source.Fetcher
	Cache    Cache
	Registry Registry
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

func New(cfg Config, deps Deps) (*Service, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("poll timezone: %w", err)
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SubjectTimeout <= 0 {
		cfg.SubjectTimeout = 30 * time.Second
	}
	if deps.Fetcher == nil || deps.Cache == nil || deps.Registry == nil || deps.Notifier == nil {
		return nil, errors.New("poller: fetcher, cache, registry and notifier are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:      cfg,
		sched:    sched,
		loc:      loc,
		fetcher:  deps.Fetcher,
		cache:    deps.Cache,
		registry: deps.Registry,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		log:      log.With(logx.String("comp", "poller")),
		now:      now,
		inFlight: map[rating.Subject]struct{}{},
		states:   map[rating.Subject]*SubjectState{},
	}, nil
}

func (s *Service) Schedule() Schedule { return s.sched }

// Start registers the tick with cron and returns. Ticks run on a context
// derived from ctx that Stop cancels once its grace period runs out.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("poller already started")
	}

	sched, delay, err := s.sched.cronSchedule(s.now().In(s.loc), s.cfg.Jitter)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.c = cron.New(cron.WithLocation(s.loc))
	s.c.Schedule(sched, cron.FuncJob(func() { s.scheduledTick(runCtx) }))
	s.c.Start()

	s.log.Info("poller started",
		logx.String("schedule", s.sched.String()),
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("first_delay", delay),
		logx.Time("next", sched.Next(s.now().In(s.loc))),
	)
	if s.cfg.RunOnStart {
		s.ticks.Add(1)
		go func() {
			defer s.ticks.Done()
			s.Tick(runCtx)
		}()
	}
	return nil
}

func (s *Service) scheduledTick(ctx context.Context) {
	s.ticks.Add(1)
	defer s.ticks.Done()
	if ctx.Err() != nil {
		return
	}
	s.Tick(ctx)
}

// Stop halts the schedule and waits for a running tick. When ctx expires
// first, in-flight fetches and sends are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cronDone := c.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.ticks.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
	}
	// Aborted calls return quickly; the final persist has its own bound.
	select {
	case <-done:
	case <-time.After(persistTimeout):
	}
	return ctx.Err()
}

// Subjects returns the subjects polled on the next tick: configured ones
// plus every subject that has a subscriber.
func (s *Service) Subjects() []rating.Subject {
	set := map[rating.Subject]struct{}{}
	for _, sub := range s.cfg.Subjects {
		set[sub] = struct{}{}
	}
	for _, sub := range s.registry.Subjects() {
		set[sub] = struct{}{}
	}
	out := make([]rating.Subject, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tick runs one poll cycle over all subjects with bounded concurrency. A
// tick that starts while another is running is skipped.
func (s *Service) Tick(ctx context.Context) TickReport {
	rep := TickReport{ID: uuid.NewString(), Started: s.now()}
	if !s.tickMu.TryLock() {
		rep.Overlapped = true
		s.log.Warn("tick skipped, previous tick still running", logx.String("tick", rep.ID))
		return rep
	}
	defer s.tickMu.Unlock()

	subjects := s.Subjects()
	log := s.log.With(logx.String("tick", rep.ID))
	log.Debug("tick started", logx.Int("subjects", len(subjects)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := s.Poll(ctx, subject)
			mu.Lock()
			rep.add(out, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if n := s.cache.Sweep(ctx); n > 0 {
		log.Debug("cache entries expired", logx.Int("count", n))
	}

	rep.Took = s.now().Sub(rep.Started)
	s.mu.Lock()
	cp := rep
	s.last = &cp
	s.mu.Unlock()

	s.publish(eventbus.Event{Type: eventbus.TickFinished, Data: rep})
	log.Info("tick finished",
		logx.Int("polled", rep.Polled),
		logx.Int("changed", rep.Changed),
		logx.Int("first_seen", rep.FirstSeen),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("delivered", rep.Delivered),
		logx.Duration("took", rep.Took),
	)
	return rep
}

// LastReport returns the most recent completed tick.
func (s *Service) LastReport() (TickReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TickReport{}, false
	}
	return *s.last, true
}

// Poll runs the pipeline for one subject. At most one Poll per subject runs
// at a time; a concurrent call returns ErrInFlight.
func (s *Service) Poll(ctx context.Context, subject rating.Subject) (out Outcome, err error) {
	out.Subject = subject
	if !s.acquire(subject) {
		out.Skipped = true
		return out, ErrInFlight
	}
	log := s.log.With(logx.String("subject", subject.String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("poll panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("poll %s: panic: %v", subject, r)
		}
		s.release(subject, out, err)
	}()

	// Fetching
	s.setState(subject, StateFetching)
	fctx, cancel := context.WithTimeout(ctx, s.cfg.SubjectTimeout)
	snap, err := s.fetcher.Fetch(fctx, subject)
	cancel()
	if err != nil {
		log.Warn("fetch failed", logx.String("kind", errorKind(err)), logx.Err(err))
		s.publish(eventbus.Event{Type: eventbus.SourceFailed, Subject: subject.String(), Data: err.Error()})
		return out, err
	}
	out.Snapshot = snap

	// Classifying
	s.setState(subject, StateClassifying)
	prev, cerr := s.cache.Get(ctx, subject)
	if cerr != nil {
		log.Warn("cache unavailable, treating as first observation", logx.String("kind", errorKind(cerr)), logx.Err(cerr))
		prev = nil
	}
	out.Class = rating.Classify(prev, snap)
	if out.Class == rating.Unchanged {
		// Not persisted, but the TTL counts from the last sighting.
		s.cache.Touch(subject, s.now())
		s.publish(eventbus.Event{Type: eventbus.RatingUnchanged, Subject: subject.String(), Data: snap})
		return out, nil
	}

	// Notifying
	s.setState(subject, StateNotifying)
	chats := s.registry.SubscribersOf(subject)
	if len(chats) > 0 {
		res := s.notifier.Notify(ctx, snap, prev, chats)
		out.Delivered = len(res.Delivered)
		out.NotifyFailed = len(res.Failed)
		for _, chat := range res.Permanent() {
			s.dropChat(ctx, log, chat, res.Failed[chat])
			out.Removed = append(out.Removed, chat)
		}
	}

	// Persisting. Runs even if ctx was cancelled during notify so a delivered
	// change is not announced again after restart.
	s.setState(subject, StatePersisting)
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	perr := s.cache.Put(pctx, subject, snap)
	pcancel()
	if perr != nil {
		log.Warn("persist failed", logx.String("kind", errorKind(perr)), logx.Err(perr))
	}

	typ := eventbus.RatingChanged
	if out.Class == rating.FirstObservation {
		typ = eventbus.RatingFirstSeen
	}
	s.publish(eventbus.Event{Type: typ, Subject: subject.String(), Data: snap})
	log.Info("rating "+out.Class.String(),
		logx.Float64("score", snap.Value.Score),
		logx.Int("votes", snap.Value.Votes),
		logx.Int("subscribers", len(chats)),
		logx.Int("delivered", out.Delivered),
	)
	return out, nil
}

func (s *Service) dropChat(ctx context.Context, log logx.Logger, chat int64, cause error) {
	reason := "notify permanent failure"
	if cause != nil {
		reason = cause.Error()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	removed, err := s.registry.RemoveChat(rctx, chat, reason)
	if err != nil {
		log.Error("remove chat failed", logx.Int64("chat_id", chat), logx.Err(err))
		return
	}
	log.Warn("chat unsubscribed after permanent failure",
		logx.Int64("chat_id", chat),
		logx.Int("subjects", len(removed)),
		logx.String("kind", "permanent"),
	)
	s.publish(eventbus.Event{Type: eventbus.ChatRemoved, Data: chat})
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, source.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, source.ErrSourceSchema):
		return "source_schema"
	case errors.Is(err, statecache.ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
