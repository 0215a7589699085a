package tokenquota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers accepted in StoreConfig.Driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the top-level configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Window   WindowConfig   `yaml:"window"`
	Defaults LimitsConfig   `yaml:"defaults"`
	Gate     GateConfig     `yaml:"gate"`
	Provider ProviderConfig `yaml:"provider"`
}

// StoreConfig selects and configures the ledger store.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`  // sqlite path or postgres URL
	Addr        string        `yaml:"addr"` // redis address
	Prefix      string        `yaml:"prefix"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// WindowConfig controls where daily windows start.
type WindowConfig struct {
	// Location is an IANA zone name; empty means the process local zone.
	Location string `yaml:"location"`
}

// LimitsConfig holds the limits given to newly opened accounts.
type LimitsConfig struct {
	DailyLimit   int64 `yaml:"daily_limit"`
	MonthlyLimit int64 `yaml:"monthly_limit"`
}

// GateConfig tunes the admission orchestrator.
type GateConfig struct {
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`
	ConsumeAttempts int           `yaml:"consume_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// Provider kinds accepted in ProviderConfig.Kind.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ProviderConfig configures the model endpoint.
type ProviderConfig struct {
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"` // empty means the provider default
	APIKey  string `yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "tokenquota.db",
		},
		Defaults: LimitsConfig{
			DailyLimit:   10000,
			MonthlyLimit: 200000,
		},
		Gate: GateConfig{
			InvokeTimeout:   60 * time.Second,
			ConsumeAttempts: defaultConsumeAttempts,
			RetryBackoff:    defaultRetryBackoff,
		},
		Provider: ProviderConfig{
			Kind: ProviderOpenAI,
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokenquota: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokenquota: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("tokenquota: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.Addr == "" {
			return fmt.Errorf("tokenquota: config: store.addr is required for driver %q", c.Store.Driver)
		}
	case "":
		return fmt.Errorf("tokenquota: config: store.driver is required")
	default:
		return fmt.Errorf("tokenquota: config: invalid store.driver %q", c.Store.Driver)
	}

	if c.Store.LockTimeout < 0 {
		return fmt.Errorf("tokenquota: config: store.lock_timeout must not be negative")
	}

	if _, err := c.Window.TimeLocation(); err != nil {
		return fmt.Errorf("tokenquota: config: window.location: %w", err)
	}

	if c.Defaults.DailyLimit < 0 || c.Defaults.MonthlyLimit < 0 {
		return fmt.Errorf("tokenquota: config: defaults: limits must not be negative")
	}

	if c.Gate.ConsumeAttempts < 1 {
		return fmt.Errorf("tokenquota: config: gate.consume_attempts must be at least 1")
	}
	if c.Gate.InvokeTimeout < 0 || c.Gate.RetryBackoff < 0 {
		return fmt.Errorf("tokenquota: config: gate: durations must not be negative")
	}

	switch c.Provider.Kind {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("tokenquota: config: invalid provider.kind %q", c.Provider.Kind)
	}

	return nil
}

// TimeLocation resolves the configured zone.
func (w WindowConfig) TimeLocation() (*time.Location, error) {
	if w.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(w.Location)
}

// LedgerOptions returns the ledger options implied by the config.
func (c Config) LedgerOptions() ([]LedgerOption, error) {
	loc, err := c.Window.TimeLocation()
	if err != nil {
		return nil, err
	}
	return []LedgerOption{WithLocation(loc)}, nil
}

// GateOptions returns the gate options implied by the config.
func (c Config) GateOptions() []Option {
	return []Option{
		WithInvokeTimeout(c.Gate.InvokeTimeout),
		WithConsumeAttempts(c.Gate.ConsumeAttempts),
		WithRetryBackoff(c.Gate.RetryBackoff),
	}
}
