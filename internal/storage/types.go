package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
}

// SnapshotRecord is the persisted form of a subject's last known rating.
type SnapshotRecord struct {
	Subject     string    `json:"subject"`
	Name        string    `json:"name,omitempty"`
	Score       float64   `json:"score"`
	Votes       int       `json:"votes"`
	Fingerprint string    `json:"fingerprint"`
	ObservedAt  time.Time `json:"observed_at"`
	StoredAt    time.Time `json:"stored_at"`
}

type SubscriptionRecord struct {
	ChatID    int64     `json:"chat_id"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records a subscription change or an automatic chat removal.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ChatID  int64     `json:"chat_id"`
	Actor   string    `json:"actor,omitempty"`
	Action  string    `json:"action"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

const (
	AuditSubscribe   = "subscribe"
	AuditUnsubscribe = "unsubscribe"
	AuditChatRemoved = "chat_removed"
)
