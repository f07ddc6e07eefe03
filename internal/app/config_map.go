package app

import (
	"fmt"

	"ratingbot/internal/config"
	"ratingbot/internal/notifier"
	"ratingbot/internal/poller"
	"ratingbot/internal/rating"
	"ratingbot/internal/source"
	"ratingbot/internal/storage"
	"ratingbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			ChatID:     cfg.Telegram.AdminChatID,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}
}

func sourceOptions(cfg *config.Config) source.Options {
	return source.Options{
		BaseURL:         cfg.Source.BaseURL,
		Token:           cfg.Source.Token,
		Language:        cfg.Source.Language,
		Country:         cfg.Source.Country,
		UserAgent:       cfg.Source.UserAgent,
		Timeout:         cfg.Source.TimeoutDuration(),
		RatePerSec:      cfg.Source.RatePerSec,
		ListingTTL:      cfg.Source.ListingTTLDuration(),
		BreakerFailures: cfg.Source.BreakerFailures,
		BreakerCooldown: cfg.Source.BreakerCooldownDuration(),
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: cfg.Notifier.SendTimeoutDuration(),
	}
}

// pollerConfig resolves configured subjects against the default postal code.
// Duplicates collapse to one subject.
func pollerConfig(cfg *config.Config) (poller.Config, error) {
	seen := map[rating.Subject]struct{}{}
	subjects := make([]rating.Subject, 0, len(cfg.Poll.Subjects))
	for _, raw := range cfg.Poll.Subjects {
		s, err := rating.ParseSubject(raw, cfg.Source.DefaultPostalCode)
		if err != nil {
			return poller.Config{}, fmt.Errorf("poll.subjects: %w", err)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		subjects = append(subjects, s)
	}
	return poller.Config{
		Schedule:       cfg.Poll.Schedule,
		Timezone:       cfg.Poll.Timezone,
		Workers:        cfg.Poll.Workers,
		Subjects:       subjects,
		SubjectTimeout: cfg.Poll.SubjectTimeoutDuration(),
		Jitter:         cfg.Poll.JitterDuration(),
		RunOnStart:     cfg.Poll.RunOnStart,
	}, nil
}
