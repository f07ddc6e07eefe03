// Package subscription maps chats to the subjects they follow.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ratingbot/internal/rating"
	"ratingbot/internal/storage"
	"ratingbot/pkg/logx"
)

var ErrTooManySubscriptions = errors.New("too many subscriptions")

type ChatID = int64

// Registry is safe for concurrent use. Mutations are persisted before they
// become visible.
type Registry struct {
	store      storage.Store
	maxPerChat int
	log        logx.Logger
	now        func() time.Time

	mu    sync.RWMutex
	chats map[ChatID]map[rating.Subject]struct{}
	// bySubject is the reverse index used on every tick.
	bySubject map[rating.Subject]map[ChatID]struct{}
}

func New(store storage.Store, maxPerChat int, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store:      store,
		maxPerChat: maxPerChat,
		log:        log,
		now:        time.Now,
		chats:      map[ChatID]map[rating.Subject]struct{}{},
		bySubject:  map[rating.Subject]map[ChatID]struct{}{},
	}
}

// SetMaxPerChat applies a hot-reloaded limit. Existing subscriptions are kept.
func (r *Registry) SetMaxPerChat(n int) {
	r.mu.Lock()
	r.maxPerChat = n
	r.mu.Unlock()
}

// Load replaces the in-memory state with the store contents.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = map[ChatID]map[rating.Subject]struct{}{}
	r.bySubject = map[rating.Subject]map[ChatID]struct{}{}
	for _, rec := range recs {
		r.addLocked(rec.ChatID, rating.Subject(rec.Subject))
	}
	return len(recs), nil
}

// Subscribe adds subject to chat. added is false when it was already present.
func (r *Registry) Subscribe(ctx context.Context, chat ChatID, subject rating.Subject) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.chats[chat]
	if _, ok := set[subject]; ok {
		return false, nil
	}
	if r.maxPerChat > 0 && len(set) >= r.maxPerChat {
		return false, fmt.Errorf("%w: limit is %d", ErrTooManySubscriptions, r.maxPerChat)
	}
	if r.store != nil {
		rec := storage.SubscriptionRecord{ChatID: chat, Subject: subject.String(), CreatedAt: r.now()}
		if err := r.store.AddSubscription(ctx, rec); err != nil {
			return false, fmt.Errorf("persist subscription: %w", err)
		}
	}
	r.addLocked(chat, subject)
	r.audit(ctx, storage.AuditEntry{ChatID: chat, Action: storage.AuditSubscribe, Subject: subject.String()})
	return true, nil
}

// Unsubscribe removes subject from chat. The chat entry disappears with its
// last subject.
func (r *Registry) Unsubscribe(ctx context.Context, chat ChatID, subject rating.Subject) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chats[chat][subject]; !ok {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.RemoveSubscription(ctx, chat, subject.String()); err != nil {
			return false, fmt.Errorf("persist unsubscribe: %w", err)
		}
	}
	r.removeLocked(chat, subject)
	r.audit(ctx, storage.AuditEntry{ChatID: chat, Action: storage.AuditUnsubscribe, Subject: subject.String()})
	return true, nil
}

// RemoveChat drops every subscription of chat and returns what it followed.
func (r *Registry) RemoveChat(ctx context.Context, chat ChatID, reason string) ([]rating.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.chats[chat]
	if !ok {
		return nil, nil
	}
	if r.store != nil {
		if err := r.store.RemoveChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("persist chat removal: %w", err)
		}
	}
	removed := sortedSubjects(set)
	for _, s := range removed {
		r.removeLocked(chat, s)
	}
	r.audit(ctx, storage.AuditEntry{ChatID: chat, Action: storage.AuditChatRemoved, Detail: reason})
	return removed, nil
}

// SubscribersOf returns the chats following subject, sorted.
func (r *Registry) SubscribersOf(subject rating.Subject) []ChatID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySubject[subject]
	out := make([]ChatID, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) SubjectsOf(chat ChatID) []rating.Subject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSubjects(r.chats[chat])
}

// Subjects is the union of all followed subjects.
func (r *Registry) Subjects() []rating.Subject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rating.Subject, 0, len(r.bySubject))
	for s := range r.bySubject {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts returns the number of chats and subscriptions.
func (r *Registry) Counts() (chats, subscriptions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, set := range r.chats {
		subscriptions += len(set)
	}
	return len(r.chats), subscriptions
}

func (r *Registry) addLocked(chat ChatID, subject rating.Subject) {
	if r.chats[chat] == nil {
		r.chats[chat] = map[rating.Subject]struct{}{}
	}
	r.chats[chat][subject] = struct{}{}
	if r.bySubject[subject] == nil {
		r.bySubject[subject] = map[ChatID]struct{}{}
	}
	r.bySubject[subject][chat] = struct{}{}
}

func (r *Registry) removeLocked(chat ChatID, subject rating.Subject) {
	if set := r.chats[chat]; set != nil {
		delete(set, subject)
		if len(set) == 0 {
			delete(r.chats, chat)
		}
	}
	if set := r.bySubject[subject]; set != nil {
		delete(set, chat)
		if len(set) == 0 {
			delete(r.bySubject, subject)
		}
	}
}

// audit failures never fail the mutation.
func (r *Registry) audit(ctx context.Context, e storage.AuditEntry) {
	if r.store == nil {
		return
	}
	e.At = r.now()
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.log.Warn("audit append failed", logx.Int64("chat_id", e.ChatID), logx.String("action", e.Action), logx.Err(err))
	}
}

func sortedSubjects(set map[rating.Subject]struct{}) []rating.Subject {
	out := make([]rating.Subject, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
