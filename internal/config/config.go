package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fleetmon/internal/backoff"
	"fleetmon/internal/models"
)

// Duration wraps time.Duration so YAML can carry values like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config represents configuration data for the fleet monitor.
type Config struct {
	ListenAddr        string            `yaml:"listen_addr"`
	DataDirectory     string            `yaml:"data_directory"`
	FreshnessWindow   Duration          `yaml:"freshness_window"`
	BroadcastInterval Duration          `yaml:"broadcast_interval"`
	Aggregation       AggregationConfig `yaml:"aggregation"`
	Probe             ProbeConfig       `yaml:"probe"`
	Remote            RemoteConfig      `yaml:"remote"`
	Remediation       RemediationConfig `yaml:"remediation"`
	Thresholds        Thresholds        `yaml:"thresholds"`
	Logging           LoggingConfig     `yaml:"logging"`
	Agent             AgentConfig       `yaml:"agent"`
	Targets           []models.Target   `yaml:"targets" validate:"dive"`
}

// AggregationConfig bounds one fleet-wide status pass.
type AggregationConfig struct {
	Timeout Duration `yaml:"timeout"`
	Workers int      `yaml:"workers" validate:"gte=1,lte=256"`
}

// ProbeConfig drives the reconnection prober.
type ProbeConfig struct {
	Interval     Duration `yaml:"interval"`
	BaseInterval Duration `yaml:"base_interval"`
	MaxExponent  int      `yaml:"max_exponent" validate:"gte=0,lte=16"`
	Command      string   `yaml:"command" validate:"required"`
	Expect       string   `yaml:"expect"`
	Timeout      Duration `yaml:"timeout"`
	Concurrency  int      `yaml:"concurrency" validate:"gte=1"`
}

// Policy converts the probe settings into the shared backoff policy.
func (p ProbeConfig) Policy() backoff.Policy {
	return backoff.Policy{BaseInterval: p.BaseInterval.Duration, MaxExponent: p.MaxExponent}
}

// RemoteConfig configures the SSH command channel.
type RemoteConfig struct {
	DialTimeout    Duration                     `yaml:"dial_timeout"`
	CommandTimeout Duration                     `yaml:"command_timeout"`
	KnownHostsFile string                       `yaml:"known_hosts_file"`
	DefaultPort    int                          `yaml:"default_port" validate:"gte=1,lte=65535"`
	Retry          RetryConfig                  `yaml:"retry"`
	Profiles       map[string]CredentialProfile `yaml:"profiles" validate:"dive"`
}

// RetryConfig configures the retry wrapper around remote commands.
type RetryConfig struct {
	BaseInterval Duration `yaml:"base_interval"`
	MaxExponent  int      `yaml:"max_exponent" validate:"gte=0,lte=16"`
	MaxRetries   int      `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// Policy converts the retry settings into the shared backoff policy.
func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{
		BaseInterval: r.BaseInterval.Duration,
		MaxExponent:  r.MaxExponent,
		MaxRetries:   r.MaxRetries,
	}
}

// CredentialProfile is one set of SSH credentials, selected per target.
type CredentialProfile struct {
	User       string `yaml:"user" validate:"required"`
	KeyFile    string `yaml:"key_file" validate:"required"`
	Passphrase string `yaml:"passphrase"`
}

// RemediationConfig controls automatic restarts.
type RemediationConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Cooldown       Duration `yaml:"cooldown"`
	SettleDelay    Duration `yaml:"settle_delay"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

// Thresholds mark resource usage percentages as warnings.
type Thresholds struct {
	CPU    float64 `yaml:"cpu" validate:"gt=0,lte=100"`
	Memory float64 `yaml:"memory" validate:"gt=0,lte=100"`
	Disk   float64 `yaml:"disk" validate:"gt=0,lte=100"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	File   string `yaml:"file"`
}

// AgentConfig configures the push agent subcommand.
type AgentConfig struct {
	ServerURL string      `yaml:"server_url"`
	TargetID  string      `yaml:"target_id"`
	Interval  Duration    `yaml:"interval"`
	Timeout   Duration    `yaml:"timeout"`
	DiskPath  string      `yaml:"disk_path"`
	Retry     RetryConfig `yaml:"retry"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	keyFile := filepath.Join(home, ".ssh", "id_rsa")

	return Config{
		ListenAddr:        ":8080",
		DataDirectory:     filepath.Join(".dist", "data"),
		FreshnessWindow:   Duration{30 * time.Second},
		BroadcastInterval: Duration{30 * time.Second},
		Aggregation: AggregationConfig{
			Timeout: Duration{60 * time.Second},
			Workers: 8,
		},
		Probe: ProbeConfig{
			Interval:     Duration{15 * time.Second},
			BaseInterval: Duration{15 * time.Second},
			MaxExponent:  4,
			Command:      "echo OK",
			Expect:       "OK",
			Timeout:      Duration{5 * time.Second},
			Concurrency:  4,
		},
		Remote: RemoteConfig{
			DialTimeout:    Duration{10 * time.Second},
			CommandTimeout: Duration{5 * time.Second},
			DefaultPort:    22,
			Retry: RetryConfig{
				BaseInterval: Duration{500 * time.Millisecond},
				MaxExponent:  2,
				MaxRetries:   1,
			},
			Profiles: map[string]CredentialProfile{
				string(models.OSWindows): {User: "administrator", KeyFile: keyFile},
				string(models.OSLinux):   {User: "root", KeyFile: keyFile},
			},
		},
		Remediation: RemediationConfig{
			Enabled:        true,
			Cooldown:       Duration{5 * time.Minute},
			SettleDelay:    Duration{3 * time.Second},
			CommandTimeout: Duration{50 * time.Second},
		},
		Thresholds: Thresholds{CPU: 90, Memory: 90, Disk: 90},
		Logging:    LoggingConfig{Level: "info", Format: "console"},
		Agent: AgentConfig{
			ServerURL: "http://localhost:8080",
			Interval:  Duration{10 * time.Second},
			Timeout:   Duration{10 * time.Second},
			Retry: RetryConfig{
				BaseInterval: Duration{2 * time.Second},
				MaxExponent:  3,
				MaxRetries:   3,
			},
		},
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return LoadFromBytes(nil)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(content)
}

// LoadFromBytes parses YAML on top of the defaults, applies environment
// overrides and validates the result.
func LoadFromBytes(content []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(content) > 0 {
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.FreshnessWindow.Duration <= 0 {
		c.FreshnessWindow = def.FreshnessWindow
	}
	if c.BroadcastInterval.Duration <= 0 {
		c.BroadcastInterval = def.BroadcastInterval
	}
	if c.Aggregation.Timeout.Duration <= 0 {
		c.Aggregation.Timeout = def.Aggregation.Timeout
	}
	if c.Probe.Interval.Duration <= 0 {
		c.Probe.Interval = def.Probe.Interval
	}
	if c.Probe.BaseInterval.Duration <= 0 {
		c.Probe.BaseInterval = def.Probe.BaseInterval
	}
	if c.Probe.Timeout.Duration <= 0 {
		c.Probe.Timeout = def.Probe.Timeout
	}
	if c.Remote.DialTimeout.Duration <= 0 {
		c.Remote.DialTimeout = def.Remote.DialTimeout
	}
	if c.Remote.CommandTimeout.Duration <= 0 {
		c.Remote.CommandTimeout = def.Remote.CommandTimeout
	}
	if c.Remote.Retry.BaseInterval.Duration <= 0 {
		c.Remote.Retry.BaseInterval = def.Remote.Retry.BaseInterval
	}
	if c.Remediation.CommandTimeout.Duration <= 0 {
		c.Remediation.CommandTimeout = def.Remediation.CommandTimeout
	}
	if c.Agent.Interval.Duration <= 0 {
		c.Agent.Interval = def.Agent.Interval
	}
	if c.Agent.Timeout.Duration <= 0 {
		c.Agent.Timeout = def.Agent.Timeout
	}
	if c.Agent.Retry.BaseInterval.Duration <= 0 {
		c.Agent.Retry.BaseInterval = def.Agent.Retry.BaseInterval
	}
	if c.DataDirectory == "" {
		c.DataDirectory = def.DataDirectory
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Profile == "" {
			t.Profile = string(t.OS)
		}
		if t.SortOrder == 0 {
			t.SortOrder = i + 1
		}
	}
}

// applyEnvOverrides applies environment variable overrides. They take
// precedence over the file.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("FLEETMON_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := os.Getenv("FLEETMON_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if key := os.Getenv("FLEETMON_SSH_KEY_FILE"); key != "" {
		for name, profile := range cfg.Remote.Profiles {
			profile.KeyFile = key
			cfg.Remote.Profiles[name] = profile
		}
	}
	if url := os.Getenv("FLEETMON_AGENT_SERVER_URL"); url != "" {
		cfg.Agent.ServerURL = url
	}
	if id := os.Getenv("FLEETMON_AGENT_TARGET_ID"); id != "" {
		cfg.Agent.TargetID = id
	}
	if raw := os.Getenv("FLEETMON_AUTO_RESTART"); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			cfg.Remediation.Enabled = enabled
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross references.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate target id %q", t.ID)
		}
		seen[t.ID] = struct{}{}

		if _, ok := c.Remote.Profiles[t.Profile]; !ok {
			return fmt.Errorf("target %s references unknown credential profile %q", t.ID, t.Profile)
		}
		items := make(map[string]struct{}, len(t.Items))
		for _, item := range t.Items {
			key := strings.ToLower(item.Name)
			if _, dup := items[key]; dup {
				return fmt.Errorf("target %s declares item %q twice", t.ID, item.Name)
			}
			items[key] = struct{}{}
		}
	}
	return nil
}
