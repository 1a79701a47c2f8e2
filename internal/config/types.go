package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full chronod configuration. Files may be YAML or JSON; YAML
// is coerced to JSON so both formats share one strict decoder. All durations
// are Go duration strings (e.g. "30s", "1m"). Secrets (SMTP password, bot
// token) come from the environment, never from this file.
type Config struct {
	// Timezone is the IANA reference zone all window arithmetic and cron
	// wall-clock triggers use. Empty selects the built-in default.
	Timezone string `json:"timezone,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Transport TransportConfig `json:"transport"`
	Jobs      JobsConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StoreConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// TransportConfig selects and tunes the outbound channel.
type TransportConfig struct {
	// Kind is "mail" or "telegram".
	Kind       string          `json:"kind"`
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	Mail       *MailConfig     `json:"mail,omitempty"`
	Telegram   *TelegramConfig `json:"telegram,omitempty"`
}

type MailConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port,omitempty"`
	Username    string   `json:"username,omitempty"`
	From        string   `json:"from"`
	DialTimeout Duration `json:"dial_timeout,omitempty"`
}

type TelegramConfig struct {
	SendTimeout Duration `json:"send_timeout,omitempty"`
}

// JobsConfig tunes the two dispatch triggers. The reminder spec should tick
// at least as often as the reminder window is wide, or deadlines can slip
// through between scans.
type JobsConfig struct {
	ReminderSpec      string   `json:"reminder_spec,omitempty"`      // default "@every 1m"
	ReminderTimeout   Duration `json:"reminder_timeout,omitempty"`   // default "50s"
	DigestSpec        string   `json:"digest_spec,omitempty"`        // default "0 18 * * 0"
	DigestTimeout     Duration `json:"digest_timeout,omitempty"`     // default "10m"
	SendTimeout       Duration `json:"send_timeout,omitempty"`       // per candidate, default "15s"
	DigestConcurrency int      `json:"digest_concurrency,omitempty"` // default 4
}

// Defaults for omitted jobs fields.
const (
	DefaultReminderSpec    = "@every 1m"
	DefaultReminderTimeout = 50 * time.Second
	DefaultDigestSpec      = "0 18 * * 0" // reference-zone Sunday 18:00
	DefaultDigestTimeout   = 10 * time.Minute
	DefaultSendTimeout     = 15 * time.Second
)

func (c *Config) Validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(strings.TrimSpace(c.Timezone)); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", c.Timezone, err)
		}
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if _, err := c.Store.BusyTimeout.Value("store.busy_timeout"); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.Kind)) {
	case "mail":
		if c.Transport.Mail == nil {
			return errors.New("transport.mail section is required for kind=mail")
		}
		if _, err := c.Transport.Mail.DialTimeout.Value("transport.mail.dial_timeout"); err != nil {
			return err
		}
	case "telegram":
		if c.Transport.Telegram == nil {
			return errors.New("transport.telegram section is required for kind=telegram")
		}
		if _, err := c.Transport.Telegram.SendTimeout.Value("transport.telegram.send_timeout"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("transport.kind: unknown %q (want mail or telegram)", c.Transport.Kind)
	}
	if c.Transport.RatePerSec < 0 {
		return errors.New("transport.rate_per_sec must be >= 0")
	}

	for _, f := range []struct {
		field string
		d     Duration
	}{
		{"jobs.reminder_timeout", c.Jobs.ReminderTimeout},
		{"jobs.digest_timeout", c.Jobs.DigestTimeout},
		{"jobs.send_timeout", c.Jobs.SendTimeout},
	} {
		if _, err := f.d.Value(f.field); err != nil {
			return err
		}
	}
	if c.Jobs.DigestConcurrency < 0 {
		return errors.New("jobs.digest_concurrency must be >= 0")
	}
	return nil
}
