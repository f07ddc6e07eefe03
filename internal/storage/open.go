package storage

import (
	"context"
	"fmt"
	"strings"

	"ratingbot/pkg/logx"
)

// Store is the persistence API used by the state cache and the subscription
// registry. Implementations are safe for concurrent use.
type Store interface {
	PutSnapshot(ctx context.Context, rec SnapshotRecord) error
	DeleteSnapshot(ctx context.Context, subject string) error
	LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error)

	AddSubscription(ctx context.Context, rec SubscriptionRecord) error
	RemoveSubscription(ctx context.Context, chatID int64, subject string) error
	RemoveChat(ctx context.Context, chatID int64) error
	LoadSubscriptions(ctx context.Context) ([]SubscriptionRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func subKey(chatID int64, subject string) string {
	return fmt.Sprintf("%d|%s", chatID, subject)
}
