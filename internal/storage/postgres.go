package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ratingbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	// A single replica polling a handful of subjects needs very few connections.
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(poolCfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (subject, name, score, votes, fingerprint, observed_at, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject) DO UPDATE SET
			name = EXCLUDED.name,
			score = EXCLUDED.score,
			votes = EXCLUDED.votes,
			fingerprint = EXCLUDED.fingerprint,
			observed_at = EXCLUDED.observed_at,
			stored_at = EXCLUDED.stored_at`,
		rec.Subject, nullStr(rec.Name), rec.Score, rec.Votes, rec.Fingerprint, rec.ObservedAt, rec.StoredAt,
	)
	return err
}

func (s *postgresStore) DeleteSnapshot(ctx context.Context, subject string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE subject = $1`, subject)
	return err
}

func (s *postgresStore) LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject, COALESCE(name, ''), score, votes, fingerprint, observed_at, stored_at
		FROM snapshots ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SnapshotRecord, error) {
		var rec SnapshotRecord
		err := row.Scan(&rec.Subject, &rec.Name, &rec.Score, &rec.Votes, &rec.Fingerprint, &rec.ObservedAt, &rec.StoredAt)
		return rec, err
	})
}

func (s *postgresStore) AddSubscription(ctx context.Context, rec SubscriptionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (chat_id, subject, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, subject) DO NOTHING`,
		rec.ChatID, rec.Subject, rec.CreatedAt,
	)
	return err
}

func (s *postgresStore) RemoveSubscription(ctx context.Context, chatID int64, subject string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE chat_id = $1 AND subject = $2`, chatID, subject)
	return err
}

func (s *postgresStore) RemoveChat(ctx context.Context, chatID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE chat_id = $1`, chatID)
	return err
}

func (s *postgresStore) LoadSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT chat_id, subject, created_at FROM subscriptions ORDER BY chat_id, subject`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SubscriptionRecord, error) {
		var rec SubscriptionRecord
		err := row.Scan(&rec.ChatID, &rec.Subject, &rec.CreatedAt)
		return rec, err
	})
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit (at, chat_id, actor, action, subject, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.At, e.ChatID, nullStr(e.Actor), e.Action, nullStr(e.Subject), nullStr(e.Detail),
	)
	return err
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
