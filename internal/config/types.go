// Package config loads and hot-reloads the bot configuration.
//
// Resolution order: config file (JSON or YAML, strict) → environment
// overlay → defaults → validation. Durations are Go duration strings.
package config

import "time"

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Source        SourceConfig        `json:"source"`
	Poll          PollConfig          `json:"poll"`
	Cache         CacheConfig         `json:"cache"`
	Notifier      NotifierConfig      `json:"notifier"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Storage       StorageConfig       `json:"storage"`
	Logging       LoggingConfig       `json:"logging"`
	Ops           OpsConfig           `json:"ops"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// AdminChatID receives operator log lines when logging.operator is enabled.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
}

// SourceConfig describes the restaurant listing API.
type SourceConfig struct {
	BaseURL           string `json:"base_url" validate:"required,url"`
	Token             string `json:"token,omitempty"`
	Timeout           string `json:"timeout"`
	RatePerSec        int    `json:"rate_per_sec" validate:"gte=1,lte=100"`
	ListingTTL        string `json:"listing_ttl"`
	Language          string `json:"language" validate:"required,len=2"`
	Country           string `json:"country" validate:"required,len=2"`
	DefaultPostalCode string `json:"default_postal_code" validate:"required,alphanum,min=3,max=10"`
	UserAgent         string `json:"user_agent,omitempty"`
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures int    `json:"breaker_failures" validate:"gte=1"`
	BreakerCooldown string `json:"breaker_cooldown"`
}

type PollConfig struct {
	// Schedule is a Go duration ("10m"), an "HH:MM" interval ("00:15"), or a cron expression.
	Schedule       string   `json:"schedule" validate:"required"`
	Timezone       string   `json:"timezone,omitempty"`
	Workers        int      `json:"workers" validate:"gte=1,lte=64"`
	Subjects       []string `json:"subjects,omitempty" validate:"dive,required"`
	SubjectTimeout string   `json:"subject_timeout"`
	// Jitter delays the first tick by up to this duration.
	Jitter string `json:"jitter,omitempty"`
	// RunOnStart polls once right after startup instead of waiting for the schedule.
	RunOnStart bool `json:"run_on_start"`
}

type CacheConfig struct {
	TTL           string `json:"ttl"`
	SweepInterval string `json:"sweep_interval"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec" validate:"gte=1,lte=30"`
	SendTimeout string `json:"send_timeout"`
}

type SubscriptionsConfig struct {
	MaxPerChat int `json:"max_per_chat" validate:"gte=1,lte=500"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "sqlite", "path": "./ratingbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"oneof=memory file sqlite postgres"`
	Path        string `json:"path,omitempty" validate:"required_if=Driver file,required_if=Driver sqlite"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"oneof=debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OpsConfig controls the local HTTP endpoint (health, status, pprof).
// A non-loopback Addr requires Token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Token   string `json:"token,omitempty"`
}

func (c TelegramConfig) PollTimeoutDuration() time.Duration {
	return mustDuration(c.PollTimeout, 10*time.Second)
}

func (c SourceConfig) TimeoutDuration() time.Duration { return mustDuration(c.Timeout, 15*time.Second) }
func (c SourceConfig) ListingTTLDuration() time.Duration {
	return mustDuration(c.ListingTTL, time.Minute)
}
func (c SourceConfig) BreakerCooldownDuration() time.Duration {
	return mustDuration(c.BreakerCooldown, time.Minute)
}

func (c PollConfig) SubjectTimeoutDuration() time.Duration {
	return mustDuration(c.SubjectTimeout, 30*time.Second)
}
func (c PollConfig) JitterDuration() time.Duration { return mustDuration(c.Jitter, 0) }

func (c CacheConfig) TTLDuration() time.Duration { return mustDuration(c.TTL, 24*time.Hour) }
func (c CacheConfig) SweepIntervalDuration() time.Duration {
	return mustDuration(c.SweepInterval, 10*time.Minute)
}

func (c NotifierConfig) SendTimeoutDuration() time.Duration {
	return mustDuration(c.SendTimeout, 10*time.Second)
}

func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	return mustDuration(c.BusyTimeout, 5*time.Second)
}
