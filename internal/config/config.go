// Package config handles TOML (or YAML) configuration for curfew.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/curfew/pkg/resource"
)

// Config is the root configuration structure.
type Config struct {
	AWS      AWSConfig      `toml:"aws" yaml:"aws"`
	Governor GovernorConfig `toml:"governor" yaml:"governor"`
	Slack    SlackConfig    `toml:"slack" yaml:"slack"`
	SQS      SQSConfig      `toml:"sqs" yaml:"sqs"`
	Store    StoreConfig    `toml:"store" yaml:"store"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Policy   PolicyConfig   `toml:"policy" yaml:"policy"`
	OTEL     OTELConfig     `toml:"otel" yaml:"otel"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `toml:"region" yaml:"region" validate:"required"`
	Profile string `toml:"profile" yaml:"profile"`
}

// GovernorConfig holds reconciliation settings.
type GovernorConfig struct {
	TagFilters  []resource.Tag  `toml:"tag_filters" yaml:"tag_filters" validate:"dive"`
	Whitelist   []resource.Tag  `toml:"whitelist" yaml:"whitelist" validate:"dive"`
	WorkHours   WorkHoursConfig `toml:"work_hours" yaml:"work_hours"`
	MaxWarnings int             `toml:"max_warnings" yaml:"max_warnings" validate:"min=1"`
	Production  bool            `toml:"production" yaml:"production"`

	TimeLimitStr        string        `toml:"time_limit" yaml:"time_limit"`
	TimeLimit           time.Duration `toml:"-" yaml:"-"`
	IntervalStr         string        `toml:"interval" yaml:"interval"`
	Interval            time.Duration `toml:"-" yaml:"-"`
	ProviderTimeoutStr  string        `toml:"provider_timeout" yaml:"provider_timeout"`
	ProviderTimeout     time.Duration `toml:"-" yaml:"-"`
	DirectoryTimeoutStr string        `toml:"directory_timeout" yaml:"directory_timeout"`
	DirectoryTimeout    time.Duration `toml:"-" yaml:"-"`
}

// WorkHoursConfig is the window in which owners are mentioned.
type WorkHoursConfig struct {
	Days     []string `toml:"days" yaml:"days" validate:"dive,oneof=sun mon tue wed thu fri sat"`
	Start    int      `toml:"start" yaml:"start" validate:"min=0,max=23"`
	End      int      `toml:"end" yaml:"end" validate:"min=1,max=24"`
	Timezone string   `toml:"timezone" yaml:"timezone"`
}

// SlackConfig holds chat settings.
type SlackConfig struct {
	Token         string `toml:"token" yaml:"token"`
	Channel       string `toml:"channel" yaml:"channel" validate:"required_with=Token"`
	SigningSecret string `toml:"signing_secret" yaml:"signing_secret"`
	APIURL        string `toml:"api_url" yaml:"api_url" validate:"url"`

	MaxRequestAgeStr string        `toml:"max_request_age" yaml:"max_request_age"`
	MaxRequestAge    time.Duration `toml:"-" yaml:"-"`
	SendSpacingStr   string        `toml:"send_spacing" yaml:"send_spacing"`
	SendSpacing      time.Duration `toml:"-" yaml:"-"`
}

// SQSConfig holds override queue settings. An empty QueueURL disables the consumer.
type SQSConfig struct {
	QueueURL          string `toml:"queue_url" yaml:"queue_url"`
	MaxMessages       int32  `toml:"max_messages" yaml:"max_messages" validate:"min=1,max=10"`
	VisibilityTimeout int32  `toml:"visibility_timeout" yaml:"visibility_timeout" validate:"min=0"`
	WaitTimeSeconds   int32  `toml:"wait_time_seconds" yaml:"wait_time_seconds" validate:"min=0,max=20"`
	// MaxReceives drops a message that cannot be parsed once it has been
	// received this many times. Zero leaves it to the queue's redrive policy.
	MaxReceives int `toml:"max_receives" yaml:"max_receives" validate:"min=0"`

	PollIntervalStr string        `toml:"poll_interval" yaml:"poll_interval"`
	PollInterval    time.Duration `toml:"-" yaml:"-"`
}

// StoreConfig selects and configures the ledger backend.
type StoreConfig struct {
	Backend       string `toml:"backend" yaml:"backend" validate:"oneof=memory bolt sqlite postgres mysql dynamodb"`
	Path          string `toml:"path" yaml:"path"`
	DSN           string `toml:"dsn" yaml:"dsn"`
	WarningsTable string `toml:"warnings_table" yaml:"warnings_table"`
	UsersTable    string `toml:"users_table" yaml:"users_table"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" validate:"required"`
}

// PolicyConfig holds the optional exemption policy.
type PolicyConfig struct {
	RegoFile string `toml:"rego_file" yaml:"rego_file"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate" validate:"min=0,max=1"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"oneof=console json"`
}

// Load reads and parses a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	// Defaults are always valid durations.
	_ = parseDurations(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-west-2"
	}

	g := &cfg.Governor
	if g.MaxWarnings == 0 {
		g.MaxWarnings = 3
	}
	setDefault(&g.TimeLimitStr, "10h")
	setDefault(&g.IntervalStr, "5m")
	setDefault(&g.ProviderTimeoutStr, "30s")
	setDefault(&g.DirectoryTimeoutStr, "5s")

	wh := &g.WorkHours
	if len(wh.Days) == 0 {
		wh.Days = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	for i, d := range wh.Days {
		wh.Days[i] = strings.ToLower(strings.TrimSpace(d))
	}
	if wh.Start == 0 && wh.End == 0 {
		wh.Start, wh.End = 9, 17
	}
	setDefault(&wh.Timezone, "America/Los_Angeles")

	setDefault(&cfg.Slack.APIURL, "https://slack.com/api")
	setDefault(&cfg.Slack.MaxRequestAgeStr, "5m")
	setDefault(&cfg.Slack.SendSpacingStr, "750ms")

	if cfg.SQS.MaxMessages == 0 {
		cfg.SQS.MaxMessages = 10
	}
	if cfg.SQS.VisibilityTimeout == 0 {
		cfg.SQS.VisibilityTimeout = 10
	}
	setDefault(&cfg.SQS.PollIntervalStr, "60s")

	setDefault(&cfg.Store.Backend, "bolt")
	setDefault(&cfg.Store.Path, "curfew.db")
	setDefault(&cfg.Store.WarningsTable, "warnings")
	setDefault(&cfg.Store.UsersTable, "users")

	setDefault(&cfg.Server.Addr, ":3000")

	setDefault(&cfg.OTEL.ServiceName, "curfew")

	setDefault(&cfg.Log.Level, "info")
	setDefault(&cfg.Log.Format, "console")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"governor.time_limit", cfg.Governor.TimeLimitStr, &cfg.Governor.TimeLimit},
		{"governor.interval", cfg.Governor.IntervalStr, &cfg.Governor.Interval},
		{"governor.provider_timeout", cfg.Governor.ProviderTimeoutStr, &cfg.Governor.ProviderTimeout},
		{"governor.directory_timeout", cfg.Governor.DirectoryTimeoutStr, &cfg.Governor.DirectoryTimeout},
		{"slack.max_request_age", cfg.Slack.MaxRequestAgeStr, &cfg.Slack.MaxRequestAge},
		{"slack.send_spacing", cfg.Slack.SendSpacingStr, &cfg.Slack.SendSpacing},
		{"sqs.poll_interval", cfg.SQS.PollIntervalStr, &cfg.SQS.PollInterval},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Governor.TimeLimit <= 0 {
		return fmt.Errorf("governor: time_limit must be positive (got %s)", c.Governor.TimeLimit)
	}
	if c.Governor.Interval <= 0 {
		return fmt.Errorf("governor: interval must be positive (got %s)", c.Governor.Interval)
	}
	if c.Governor.WorkHours.Start >= c.Governor.WorkHours.End {
		return fmt.Errorf("governor: work_hours.start must be before work_hours.end")
	}
	if _, err := time.LoadLocation(c.Governor.WorkHours.Timezone); err != nil {
		return fmt.Errorf("governor: work_hours.timezone: %w", err)
	}

	switch c.Store.Backend {
	case "bolt", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store: path required for %s backend", c.Store.Backend)
		}
	case "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn required for %s backend", c.Store.Backend)
		}
	}

	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
