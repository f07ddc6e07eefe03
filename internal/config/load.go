package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// ErrConfigMissing marks a required setting that is absent. It is fatal at startup.
var ErrConfigMissing = errors.New("required configuration missing")

const DefaultBaseURL = "https://cw-api.takeaway.com/api/v33"

// Error reports the stage at which loading failed.
type Error struct {
	Stage string // read, decode, env, validate
	Err   error
}

func (e *Error) Error() string { return "config " + e.Stage + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// envOverlay lists the environment variables that override file values.
type envOverlay struct {
	BotToken      string   `envconfig:"BOT_TOKEN"`
	AdminChatID   int64    `envconfig:"ADMIN_CHAT_ID"`
	APIBaseURL    string   `envconfig:"RATING_API_BASE_URL"`
	APIToken      string   `envconfig:"RATING_API_TOKEN"`
	StorageDriver string   `envconfig:"STORAGE_DRIVER"`
	StorageDSN    string   `envconfig:"STORAGE_DSN"`
	LogLevel      string   `envconfig:"LOG_LEVEL"`
	PollSchedule  string   `envconfig:"POLL_SCHEDULE"`
	PollSubjects  []string `envconfig:"POLL_SUBJECTS"`
}

// Load reads path (optional; "" skips the file), applies the environment and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return &cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Stage: "read", Err: err}
	}
	jb, err := toJSON(path, b)
	if err != nil {
		return nil, &Error{Stage: "decode", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &Error{Stage: "decode", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, &Error{Stage: "decode", Err: err}
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process("", &env); err != nil {
		return &Error{Stage: "env", Err: err}
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.BotToken)
	set(&cfg.Source.BaseURL, env.APIBaseURL)
	set(&cfg.Source.Token, env.APIToken)
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.DSN, env.StorageDSN)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Poll.Schedule, env.PollSchedule)
	if env.AdminChatID != 0 {
		cfg.Telegram.AdminChatID = env.AdminChatID
	}
	if len(env.PollSubjects) > 0 {
		cfg.Poll.Subjects = env.PollSubjects
	}
	return nil
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	def := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	defInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}

	def(&cfg.Telegram.PollTimeout, "10s")

	def(&cfg.Source.BaseURL, DefaultBaseURL)
	def(&cfg.Source.Timeout, "15s")
	def(&cfg.Source.ListingTTL, "1m")
	def(&cfg.Source.Language, "de")
	def(&cfg.Source.Country, "de")
	def(&cfg.Source.DefaultPostalCode, "64293")
	def(&cfg.Source.BreakerCooldown, "1m")
	defInt(&cfg.Source.RatePerSec, 2)
	defInt(&cfg.Source.BreakerFailures, 5)

	def(&cfg.Poll.Schedule, "10m")
	def(&cfg.Poll.SubjectTimeout, "30s")
	defInt(&cfg.Poll.Workers, 4)

	def(&cfg.Cache.TTL, "168h")
	def(&cfg.Cache.SweepInterval, "10m")

	def(&cfg.Notifier.SendTimeout, "10s")
	defInt(&cfg.Notifier.RatePerSec, 20)

	defInt(&cfg.Subscriptions.MaxPerChat, 20)

	def(&cfg.Storage.Driver, "file")
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	switch cfg.Storage.Driver {
	case "file":
		def(&cfg.Storage.Path, "./ratingbot_store")
	case "sqlite":
		def(&cfg.Storage.Path, "./ratingbot.db")
	}
	def(&cfg.Storage.BusyTimeout, "5s")

	def(&cfg.Logging.Level, "info")
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	def(&cfg.Logging.Operator.MinLevel, "warn")
	defInt(&cfg.Logging.Operator.RatePerSec, 1)

	def(&cfg.Ops.Addr, "127.0.0.1:6060")
}

var validate = validator.New()

// Validate checks a config that already has defaults applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &Error{Stage: "validate", Err: errors.New("config is nil")}
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return &Error{Stage: "validate", Err: fmt.Errorf("%w: telegram.token (BOT_TOKEN)", ErrConfigMissing)}
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			err = fmt.Errorf("%s: failed %q check (%d problems)", fe.Namespace(), fe.Tag(), len(verrs))
		}
		return &Error{Stage: "validate", Err: err}
	}
	if err := checkDurations(cfg); err != nil {
		return &Error{Stage: "validate", Err: err}
	}
	if cfg.Logging.Operator.Enabled && cfg.Telegram.AdminChatID == 0 {
		return &Error{Stage: "validate", Err: fmt.Errorf("%w: telegram.admin_chat_id (required by logging.operator)", ErrConfigMissing)}
	}
	return nil
}
