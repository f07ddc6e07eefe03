package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// mustDuration is used by accessors on an already validated config.
func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func checkDurations(cfg *Config) error {
	fields := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"source.timeout", cfg.Source.Timeout},
		{"source.listing_ttl", cfg.Source.ListingTTL},
		{"source.breaker_cooldown", cfg.Source.BreakerCooldown},
		{"poll.subject_timeout", cfg.Poll.SubjectTimeout},
		{"poll.jitter", cfg.Poll.Jitter},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.sweep_interval", cfg.Cache.SweepInterval},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
