package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"ratingbot/pkg/logx"
)

// fileStore keeps everything under one path prefix:
//   - <prefix>.snapshots.{snapshot.json,journal.jsonl}
//   - <prefix>.subscriptions.{snapshot.json,journal.jsonl}
//   - <prefix>.audit.jsonl
type fileStore struct {
	log logx.Logger

	mu    sync.Mutex
	snaps *journal
	subs  *journal
	audit *os.File
}

const fileCompactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snaps, err := openJournal(prefix+".snapshots", fileCompactEvery)
	if err != nil {
		return nil, err
	}
	subs, err := openJournal(prefix+".subscriptions", fileCompactEvery)
	if err != nil {
		_ = snaps.close()
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = snaps.close()
		_ = subs.close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix),
		logx.Int("snapshots", len(snaps.state)), logx.Int("subscriptions", len(subs.state)))
	return &fileStore{log: log, snaps: snaps, subs: subs, audit: af}, nil
}

func (s *fileStore) PutSnapshot(_ context.Context, rec SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps.put(rec.Subject, rec)
}

func (s *fileStore) DeleteSnapshot(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps.del(subject)
}

func (s *fileStore) LoadSnapshots(_ context.Context) ([]SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps.f == nil {
		return nil, ErrClosed
	}
	out := make([]SnapshotRecord, 0, len(s.snaps.state))
	for _, k := range s.snaps.keys() {
		var rec SnapshotRecord
		if err := json.Unmarshal(s.snaps.state[k], &rec); err != nil {
			s.log.Warn("skipping corrupt snapshot record", logx.String("subject", k), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fileStore) AddSubscription(_ context.Context, rec SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey(rec.ChatID, rec.Subject)
	if _, ok := s.subs.state[k]; ok {
		return nil
	}
	return s.subs.put(k, rec)
}

func (s *fileStore) RemoveSubscription(_ context.Context, chatID int64, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.del(subKey(chatID, subject))
}

func (s *fileStore) RemoveChat(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strconv.FormatInt(chatID, 10) + "|"
	for _, k := range s.subs.keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := s.subs.del(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) LoadSubscriptions(_ context.Context) ([]SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs.f == nil {
		return nil, ErrClosed
	}
	m := make(map[string]SubscriptionRecord, len(s.subs.state))
	for k, raw := range s.subs.state {
		var rec SubscriptionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.Warn("skipping corrupt subscription record", logx.String("key", k), logx.Err(err))
			continue
		}
		m[k] = rec
	}
	return sortedSubs(m), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.snaps.f != nil {
		errs = append(errs, s.snaps.compact(), s.snaps.close())
	}
	if s.subs.f != nil {
		errs = append(errs, s.subs.compact(), s.subs.close())
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}
