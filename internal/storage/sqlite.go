package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ratingbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(subject, name, score, votes, fingerprint, observed_at, stored_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(subject) DO UPDATE SET
		   name=excluded.name, score=excluded.score, votes=excluded.votes,
		   fingerprint=excluded.fingerprint, observed_at=excluded.observed_at, stored_at=excluded.stored_at`,
		rec.Subject, nullStr(rec.Name), rec.Score, rec.Votes, rec.Fingerprint,
		fmtTime(rec.ObservedAt), fmtTime(rec.StoredAt),
	)
	return err
}

func (s *sqliteStore) DeleteSnapshot(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE subject = ?`, subject)
	return err
}

func (s *sqliteStore) LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, COALESCE(name, ''), score, votes, fingerprint, observed_at, stored_at
		 FROM snapshots ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var (
			rec              SnapshotRecord
			observed, stored string
		)
		if err := rows.Scan(&rec.Subject, &rec.Name, &rec.Score, &rec.Votes, &rec.Fingerprint, &observed, &stored); err != nil {
			return nil, err
		}
		rec.ObservedAt = parseTime(observed)
		rec.StoredAt = parseTime(stored)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddSubscription(ctx context.Context, rec SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, subject, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id, subject) DO NOTHING`,
		rec.ChatID, rec.Subject, fmtTime(rec.CreatedAt),
	)
	return err
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, chatID int64, subject string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ? AND subject = ?`, chatID, subject)
	return err
}

func (s *sqliteStore) RemoveChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteStore) LoadSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, subject, created_at FROM subscriptions ORDER BY chat_id, subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		var (
			rec     SubscriptionRecord
			created string
		)
		if err := rows.Scan(&rec.ChatID, &rec.Subject, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, chat_id, actor, action, subject, detail) VALUES(?,?,?,?,?,?)`,
		fmtTime(e.At), e.ChatID, nullStr(e.Actor), e.Action, nullStr(e.Subject), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
