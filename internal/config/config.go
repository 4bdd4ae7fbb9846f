package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the root remindd configuration, loaded from a YAML file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	// Storage configures the durable task store. The store is mandatory:
	// remindd refuses to start without one (recovery needs it).
	Storage StorageConfig `yaml:"storage"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Intake      IntakeConfig      `yaml:"intake"`
	Notify      NotifyConfig      `yaml:"notify"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console,omitempty"`

	FileEnabled bool   `yaml:"file_enabled,omitempty"`
	FilePath    string `yaml:"file_path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	storage:
//	  driver: sqlite
//	  path: ./remindd.db
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the timer-chaining scheduler.
//
// MaxDelay caps a single armed timer; longer waits are chained. The default
// mirrors the classic 32-bit signed millisecond timer bound (~24.8 days) that
// chaining exists to overcome. Tests shrink it to exercise chaining quickly.
type SchedulerConfig struct {
	MaxDelay string `yaml:"max_delay,omitempty"`
}

type IntakeConfig struct {
	Addr         string `yaml:"addr"` // default "127.0.0.1:8480"
	ReadTimeout  string `yaml:"read_timeout,omitempty"`
	WriteTimeout string `yaml:"write_timeout,omitempty"`
	IdleTimeout  string `yaml:"idle_timeout,omitempty"`
}

// NotifyConfig controls the notification transport.
//
// Driver values:
//   - "telegram": deliver via Telegram bot API
//   - "log": log-only transport (development)
type NotifyConfig struct {
	Driver      string `yaml:"driver"`
	Token       string `yaml:"token,omitempty"` // telegram bot token (do not log)
	RatePerSec  int    `yaml:"rate_per_sec,omitempty"`
	SendTimeout string `yaml:"send_timeout,omitempty"`
}

// DirectoryConfig maps subject names to delivery targets.
//
// Recipients keys are subject names; values are Telegram chat IDs.
// DefaultChatID, when non-zero, receives notifications for subjects
// without an explicit entry (e.g. a shared HR channel).
type DirectoryConfig struct {
	Recipients    map[string]int64 `yaml:"recipients,omitempty"`
	DefaultChatID int64            `yaml:"default_chat_id,omitempty"`
}

// MaintenanceConfig controls background pruning of old rows.
type MaintenanceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Schedule          string `yaml:"schedule,omitempty"`           // cron spec, default "@daily"
	ExecutedRetention string `yaml:"executed_retention,omitempty"` // default "720h" (30d)
	AuditRetention    string `yaml:"audit_retention,omitempty"`    // default "2160h" (90d)
}

// Load reads and strictly decodes the config file.
// Unknown fields are rejected so typos fail loudly at startup.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required for sqlite")
	}

	switch strings.ToLower(strings.TrimSpace(c.Notify.Driver)) {
	case "", "log", "telegram":
	default:
		return fmt.Errorf("notify.driver: unknown driver %q", c.Notify.Driver)
	}
	if strings.EqualFold(c.Notify.Driver, "telegram") && strings.TrimSpace(c.Notify.Token) == "" {
		return fmt.Errorf("notify.token is required for telegram")
	}

	// Reject malformed durations early rather than at the component that uses them.
	durs := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.max_delay", c.Scheduler.MaxDelay},
		{"intake.read_timeout", c.Intake.ReadTimeout},
		{"intake.write_timeout", c.Intake.WriteTimeout},
		{"intake.idle_timeout", c.Intake.IdleTimeout},
		{"notify.send_timeout", c.Notify.SendTimeout},
		{"maintenance.executed_retention", c.Maintenance.ExecutedRetention},
		{"maintenance.audit_retention", c.Maintenance.AuditRetention},
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// ConsoleEnabled reports whether console logging is on (default true).
func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

// MaxDelayOrDefault resolves scheduler.max_delay.
func (c SchedulerConfig) MaxDelayOrDefault() time.Duration {
	d, err := ParseDurationField("scheduler.max_delay", c.MaxDelay)
	if err != nil || d <= 0 {
		return (1<<31 - 1) * time.Millisecond
	}
	return d
}
