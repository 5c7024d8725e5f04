package eventmodels

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so intervals can be written in config as
// "30s" or "2m" instead of nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("Duration.UnmarshalYAML: failed to decode value: %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("Duration.UnmarshalYAML: failed to parse duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

type DaemonConfigYAML struct {
	OpsAddr              string   `yaml:"ops_addr"`
	DatabasePath         string   `yaml:"database_path"`
	QueueCapacity        int      `yaml:"queue_capacity"`
	QueueOverflowPolicy  string   `yaml:"queue_overflow_policy"`
	TimeTickInterval     Duration `yaml:"time_tick_interval"`
	StopLossPollInterval Duration `yaml:"stop_loss_poll_interval"`
	PriceMaxAge          Duration `yaml:"price_max_age"`
	MetricsFlushInterval Duration `yaml:"metrics_flush_interval"`
}

type SessionConfigYAML struct {
	Boundary string `yaml:"boundary"`
	Timezone string `yaml:"timezone"`
}

// Location resolves the configured IANA timezone.
func (s *SessionConfigYAML) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("SessionConfigYAML.Location: failed to load timezone %q: %w", s.Timezone, err)
	}

	return loc, nil
}

// BoundaryClock parses the boundary as a wall clock hour and minute.
func (s *SessionConfigYAML) BoundaryClock() (hour int, minute int, err error) {
	parsed, err := time.Parse("15:04", s.Boundary)
	if err != nil {
		return 0, 0, fmt.Errorf("SessionConfigYAML.BoundaryClock: failed to parse boundary %q: %w", s.Boundary, err)
	}

	return parsed.Hour(), parsed.Minute(), nil
}

type BrokerConfigYAML struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
}

type AccountConfigYAML struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type DailyLossRuleYAML struct {
	Enabled bool    `yaml:"enabled"`
	Limit   float64 `yaml:"limit"`
}

type MaxPositionSizeRuleYAML struct {
	Enabled      bool `yaml:"enabled"`
	MaxContracts int  `yaml:"max_contracts"`
}

type NoStopLossRuleYAML struct {
	Enabled bool     `yaml:"enabled"`
	Grace   Duration `yaml:"grace"`
}

type RulesConfigYAML struct {
	DailyLoss       DailyLossRuleYAML       `yaml:"daily_loss"`
	MaxPositionSize MaxPositionSizeRuleYAML `yaml:"max_position_size"`
	NoStopLoss      NoStopLossRuleYAML      `yaml:"no_stop_loss"`
}

type NotifierConfigYAML struct {
	WebhookURL string   `yaml:"webhook_url"`
	Timeout    Duration `yaml:"timeout"`
}

type RiskDaemonConfigYAML struct {
	Daemon   DaemonConfigYAML    `yaml:"daemon"`
	Session  SessionConfigYAML   `yaml:"session"`
	Broker   BrokerConfigYAML    `yaml:"broker"`
	Accounts []AccountConfigYAML `yaml:"accounts"`
	Rules    RulesConfigYAML     `yaml:"rules"`
	Notifier NotifierConfigYAML  `yaml:"notifier"`
}

func (c *RiskDaemonConfigYAML) GetAccount(id string) (*AccountConfigYAML, error) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], nil
		}
	}

	return nil, fmt.Errorf("RiskDaemonConfigYAML.GetAccount: %w: %s", ErrAccountNotFound, id)
}

// Validate applies defaults and rejects configs the daemon cannot run with.
func (c *RiskDaemonConfigYAML) Validate() error {
	if c.Daemon.OpsAddr == "" {
		c.Daemon.OpsAddr = ":8090"
	}

	if c.Daemon.DatabasePath == "" {
		c.Daemon.DatabasePath = "risk-daemon.db"
	}

	if c.Daemon.QueueCapacity <= 0 {
		c.Daemon.QueueCapacity = 10000
	}

	if c.Daemon.QueueOverflowPolicy == "" {
		c.Daemon.QueueOverflowPolicy = string(OverflowPolicyBlock)
	}

	if _, err := ParseOverflowPolicy(c.Daemon.QueueOverflowPolicy); err != nil {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: %w", err)
	}

	if c.Daemon.TimeTickInterval <= 0 {
		c.Daemon.TimeTickInterval = Duration(5 * time.Second)
	}

	if c.Daemon.StopLossPollInterval <= 0 {
		c.Daemon.StopLossPollInterval = Duration(30 * time.Second)
	}

	if c.Daemon.PriceMaxAge <= 0 {
		c.Daemon.PriceMaxAge = Duration(60 * time.Second)
	}

	if c.Daemon.MetricsFlushInterval <= 0 {
		c.Daemon.MetricsFlushInterval = Duration(60 * time.Second)
	}

	if c.Session.Boundary == "" {
		c.Session.Boundary = "17:00"
	}

	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/New_York"
	}

	if _, _, err := c.Session.BoundaryClock(); err != nil {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: %w", err)
	}

	if _, err := c.Session.Location(); err != nil {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: %w", err)
	}

	if c.Broker.BaseURL == "" {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: broker base_url is not set")
	}

	if c.Broker.StreamURL == "" {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: broker stream_url is not set")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: no accounts configured")
	}

	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("RiskDaemonConfigYAML.Validate: account id is not set")
		}
	}

	if c.Rules.DailyLoss.Enabled && c.Rules.DailyLoss.Limit <= 0 {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: daily_loss.limit must be positive when enabled")
	}

	if c.Rules.MaxPositionSize.Enabled && c.Rules.MaxPositionSize.MaxContracts <= 0 {
		return fmt.Errorf("RiskDaemonConfigYAML.Validate: max_position_size.max_contracts must be positive when enabled")
	}

	if c.Rules.NoStopLoss.Enabled && c.Rules.NoStopLoss.Grace <= 0 {
		c.Rules.NoStopLoss.Grace = Duration(2 * time.Minute)
	}

	if c.Notifier.Timeout <= 0 {
		c.Notifier.Timeout = Duration(5 * time.Second)
	}

	return nil
}

// NewRiskDaemonConfigFromFile reads, parses and validates a YAML config.
func NewRiskDaemonConfigFromFile(path string) (*RiskDaemonConfigYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("NewRiskDaemonConfigFromFile: failed to read %s: %w", path, err)
	}

	var config RiskDaemonConfigYAML
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("NewRiskDaemonConfigFromFile: failed to unmarshal %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("NewRiskDaemonConfigFromFile: %w", err)
	}

	return &config, nil
}
