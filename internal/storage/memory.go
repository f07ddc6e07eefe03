package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	closed bool
	snaps  map[string]SnapshotRecord
	subs   map[string]SubscriptionRecord
	audit  []AuditEntry
}

// NewMemory returns a process-local store. Nothing survives a restart.
func NewMemory() Store {
	return &memoryStore{
		snaps: map[string]SnapshotRecord{},
		subs:  map[string]SubscriptionRecord{},
	}
}

func (s *memoryStore) PutSnapshot(_ context.Context, rec SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.snaps[rec.Subject] = rec
	return nil
}

func (s *memoryStore) DeleteSnapshot(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.snaps, subject)
	return nil
}

func (s *memoryStore) LoadSnapshots(_ context.Context) ([]SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]SnapshotRecord, 0, len(s.snaps))
	for _, r := range s.snaps {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

func (s *memoryStore) AddSubscription(_ context.Context, rec SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k := subKey(rec.ChatID, rec.Subject)
	if _, ok := s.subs[k]; !ok {
		s.subs[k] = rec
	}
	return nil
}

func (s *memoryStore) RemoveSubscription(_ context.Context, chatID int64, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.subs, subKey(chatID, subject))
	return nil
}

func (s *memoryStore) RemoveChat(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k, r := range s.subs {
		if r.ChatID == chatID {
			delete(s.subs, k)
		}
	}
	return nil
}

func (s *memoryStore) LoadSubscriptions(_ context.Context) ([]SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedSubs(s.subs), nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortedSubs(m map[string]SubscriptionRecord) []SubscriptionRecord {
	out := make([]SubscriptionRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}
