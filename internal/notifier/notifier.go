package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ratingbot/internal/eventbus"
	"ratingbot/internal/rating"
	"ratingbot/internal/transport"
	"ratingbot/pkg/logx"
)

var (
	ErrNotifyTransient = errors.New("notify transient failure")
	ErrNotifyPermanent = errors.New("notify permanent failure")
)

type ChatID = int64

// Classifier maps a transport error onto ErrNotifyTransient or
// ErrNotifyPermanent.
type Classifier func(err error) error

// DefaultClassifier honors errors that already carry a kind and treats
// everything else as transient.
func DefaultClassifier(err error) error {
	if errors.Is(err, ErrNotifyPermanent) {
		return ErrNotifyPermanent
	}
	return ErrNotifyTransient
}

type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
}

// NotificationEvent identifies one delivery of one snapshot to one chat.
// It only lives for the duration of a Notify call and on the event bus.
type NotificationEvent struct {
	Subject     rating.Subject `json:"subject"`
	ChatID      ChatID         `json:"chat_id"`
	Fingerprint string         `json:"fingerprint"`
	DeliveredAt time.Time      `json:"delivered_at,omitzero"`
	Error       string         `json:"error,omitempty"`
}

func (e NotificationEvent) key() string {
	return fmt.Sprintf("%s|%d|%s", e.Subject, e.ChatID, e.Fingerprint)
}

// Result reports what happened to every chat passed to Notify.
type Result struct {
	Delivered []ChatID
	Failed    map[ChatID]error
}

// Permanent lists the chats that failed with ErrNotifyPermanent, sorted.
func (r Result) Permanent() []ChatID { return r.failedWith(ErrNotifyPermanent) }

func (r Result) Transient() []ChatID { return r.failedWith(ErrNotifyTransient) }

func (r Result) failedWith(kind error) []ChatID {
	var out []ChatID
	for id, err := range r.Failed {
		if errors.Is(err, kind) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Option func(*Service)

func WithClassifier(c Classifier) Option {
	return func(s *Service) {
		if c != nil {
			s.classify = c
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	sender   transport.Sender
	classify Classifier
	bus      eventbus.Bus
	now      func() time.Time

	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sender transport.Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:   sender,
		classify: DefaultClassifier,
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps rate and timeout settings. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Notify sends the message for snap to every chat in chatIDs once. prev is
// the cache entry snap was classified against and only affects the text.
func (s *Service) Notify(ctx context.Context, snap rating.Snapshot, prev *rating.CacheEntry, chatIDs []ChatID) Result {
	res := Result{Failed: map[ChatID]error{}}
	if len(chatIDs) == 0 {
		return res
	}

	s.mu.Lock()
	cfg, lim, log := s.cfg, s.limiter, s.log
	s.mu.Unlock()

	text := FormatChange(snap, prev)
	seen := make(map[string]struct{}, len(chatIDs))
	for _, chat := range chatIDs {
		ev := NotificationEvent{Subject: snap.Subject, ChatID: chat, Fingerprint: snap.Fingerprint}
		if _, dup := seen[ev.key()]; dup {
			continue
		}
		seen[ev.key()] = struct{}{}

		err := s.send(ctx, lim, cfg.SendTimeout, chat, text)
		if err == nil {
			ev.DeliveredAt = s.now()
			res.Delivered = append(res.Delivered, chat)
			s.publish(eventbus.NotifySent, ev)
			continue
		}

		res.Failed[chat] = err
		ev.Error = err.Error()
		s.publish(eventbus.NotifyFailed, ev)
		log.Warn("notify failed",
			logx.String("subject", snap.Subject.String()),
			logx.Int64("chat_id", chat),
			logx.String("kind", kindName(err)),
			logx.Err(err),
		)
	}
	return res
}

func (s *Service) send(ctx context.Context, lim *rate.Limiter, timeout time.Duration, chat ChatID, text string) error {
	if s.sender == nil {
		return fmt.Errorf("%w: no sender", ErrNotifyTransient)
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotifyTransient, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := s.sender.SendText(callCtx, transport.ChatTarget{ChatID: chat}, text, &transport.SendOptions{DisablePreview: true})
	if err == nil {
		return nil
	}
	kind := s.classify(err)
	if kind == nil {
		kind = ErrNotifyTransient
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Subject: ev.Subject.String(), Data: ev})
}

func kindName(err error) string {
	if errors.Is(err, ErrNotifyPermanent) {
		return "permanent"
	}
	return "transient"
}
