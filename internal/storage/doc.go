// Package storage persists what the bot must remember across restarts: the
// last notified rating per subject, chat subscriptions, and an audit trail of
// subscription changes.
//
// Drivers: memory, file (JSON lines journal + snapshot), sqlite, postgres.
package storage
