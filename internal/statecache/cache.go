// Package statecache remembers the last snapshot that completed the pipeline
// for each subject. Reads are served from memory; writes go through to the
// configured storage so a restart does not re-notify unchanged ratings.
package statecache

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

// ErrCacheUnavailable is returned when the backing store cannot be read or
// written. Callers treat the subject as never observed.
var ErrCacheUnavailable = errors.New("state cache unavailable")

type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(log logx.Logger) Option { return func(c *Cache) { c.log = log } }

type Cache struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
	log   logx.Logger

	mu       sync.RWMutex
	entries  map[rating.Subject]rating.CacheEntry
	hydrated bool
}

// New returns an empty cache. ttl <= 0 keeps entries forever.
func New(store storage.Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		log:     logx.Nop(),
		entries: map[rating.Subject]rating.CacheEntry{},
	}
	for _, o := range opts {
		o(c)
	}
	if store == nil {
		c.hydrated = true
	}
	return c
}

// Load hydrates the cache from the store. Entries already in memory win.
// Hydration counts as a sighting: the store only records the last change, so
// an entry's TTL restarts at load time instead of dropping a rating that
// simply stayed stable.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	recs, err := c.store.LoadSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: load: %v", ErrCacheUnavailable, err)
	}
	now := c.now()
	n := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		e := fromRecord(r)
		e.SeenAt = now
		if _, ok := c.entries[e.Subject]; ok {
			continue
		}
		c.entries[e.Subject] = e
		n++
	}
	c.hydrated = true
	return n, nil
}

// Get returns the live entry for subject, or nil when there is none or it has
// expired. If the store was never loaded, Get retries the load and reports
// ErrCacheUnavailable on failure.
func (c *Cache) Get(ctx context.Context, subject rating.Subject) (*rating.CacheEntry, error) {
	c.mu.RLock()
	e, ok := c.entries[subject]
	hydrated := c.hydrated
	c.mu.RUnlock()

	if !ok && !hydrated {
		if _, err := c.Load(ctx); err != nil {
			return nil, err
		}
		c.mu.RLock()
		e, ok = c.entries[subject]
		c.mu.RUnlock()
	}
	if !ok {
		return nil, nil
	}
	if c.expired(e, c.now()) {
		c.mu.Lock()
		if cur, still := c.entries[subject]; still && cur.LastSeen().Equal(e.LastSeen()) {
			delete(c.entries, subject)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return &e, nil
}

// Put records snap as the subject's last known state. Memory is updated even
// when the store write fails; the error still wraps ErrCacheUnavailable.
func (c *Cache) Put(ctx context.Context, subject rating.Subject, snap rating.Snapshot) error {
	now := c.now()
	e := rating.CacheEntry{Subject: subject, Last: snap, StoredAt: now, SeenAt: now}
	c.mu.Lock()
	c.entries[subject] = e
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.PutSnapshot(ctx, toRecord(e)); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrCacheUnavailable, subject, err)
	}
	return nil
}

// Touch marks subject as observed at t without writing to the store. It is a
// no-op for unknown subjects and never moves SeenAt backwards.
func (c *Cache) Touch(subject rating.Subject, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[subject]
	if !ok || !t.After(e.SeenAt) {
		return
	}
	e.SeenAt = t
	c.entries[subject] = e
}

// Expire forgets subject so its next observation is a first observation.
func (c *Cache) Expire(ctx context.Context, subject rating.Subject) error {
	c.mu.Lock()
	delete(c.entries, subject)
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteSnapshot(ctx, subject.String()); err != nil {
		return fmt.Errorf("%w: expire %s: %v", ErrCacheUnavailable, subject, err)
	}
	return nil
}

// Sweep drops expired entries from memory and the store.
func (c *Cache) Sweep(ctx context.Context) int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	var stale []rating.Subject
	c.mu.Lock()
	for s, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, s)
			stale = append(stale, s)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		for _, s := range stale {
			if err := c.store.DeleteSnapshot(ctx, s.String()); err != nil {
				c.log.Warn("state cache sweep delete failed", logx.String("subject", s.String()), logx.Err(err))
			}
		}
	}
	if len(stale) > 0 {
		c.log.Debug("state cache swept", logx.Int("expired", len(stale)))
	}
	return len(stale)
}

// Entries returns the live entries sorted by subject.
func (c *Cache) Entries() []rating.CacheEntry {
	now := c.now()
	c.mu.RLock()
	out := make([]rating.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if !c.expired(e, now) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) expired(e rating.CacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.LastSeen()) >= c.ttl
}

func toRecord(e rating.CacheEntry) storage.SnapshotRecord {
	return storage.SnapshotRecord{
		Subject:     e.Subject.String(),
		Name:        e.Last.Name,
		Score:       e.Last.Value.Score,
		Votes:       e.Last.Value.Votes,
		Fingerprint: e.Last.Fingerprint,
		ObservedAt:  e.Last.ObservedAt,
		StoredAt:    e.StoredAt,
	}
}

func fromRecord(r storage.SnapshotRecord) rating.CacheEntry {
	s := rating.Subject(r.Subject)
	return rating.CacheEntry{
		Subject: s,
		Last: rating.Snapshot{
			Subject:     s,
			Name:        r.Name,
			Value:       rating.Rating{Score: r.Score, Votes: r.Votes},
			ObservedAt:  r.ObservedAt,
			Fingerprint: r.Fingerprint,
		},
		StoredAt: r.StoredAt,
	}
}
