package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the routing layer.
type Config struct {
	Logger    LoggerConfig     `yaml:"logger"`
	Tracer    TracerConfig     `yaml:"tracer"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Budget    BudgetConfig     `yaml:"budget"`
	Cache     CacheConfig      `yaml:"cache"`
	Ledger    LedgerConfig     `yaml:"ledger"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// PoolConfig holds HTTP connection pool settings for provider adapters.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// PricingConfig holds per-1K-token USD rates as decimal strings so money
// never passes through binary floating point.
type PricingConfig struct {
	InputPer1K  string `yaml:"input_per_1k"`
	OutputPer1K string `yaml:"output_per_1k"`
}

// BreakerConfig holds per-adapter circuit breaker settings. Thresholds are
// adapter-specific because backends differ in cost and criticality.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the
	// circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// OpenDuration is how long the circuit stays open before allowing
	// a single half-open probe.
	OpenDuration time.Duration `yaml:"open_duration"`
}

// ProviderConfig enumerates exactly the recognized fields for one adapter.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai" | "anthropic" | "ollama"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"` // ${VAR} references are expanded
	Model       string        `yaml:"model"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	MaxRPS      float64       `yaml:"max_rps"` // 0 = unlimited
	Pool        PoolConfig    `yaml:"pool"`
	Pricing     PricingConfig `yaml:"pricing"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// TierConfig maps quality tiers to ordered provider-name lists.
type TierConfig struct {
	Cheap   []string `yaml:"cheap"`
	Mid     []string `yaml:"mid"`
	Premium []string `yaml:"premium"`
}

// ComplexityConfig holds the scorer's cut points. The exact thresholds are
// deliberately configuration, tuned empirically rather than hard-coded.
type ComplexityConfig struct {
	// SimpleMaxTokens is the largest prompt (estimated tokens) still
	// classified simple when no reasoning markers are present.
	SimpleMaxTokens int `yaml:"simple_max_tokens"`
	// ComplexMinTokens promotes any prompt at or above this size to complex.
	ComplexMinTokens int `yaml:"complex_min_tokens"`
	// Markers are substrings that indicate multi-step reasoning. One
	// marker promotes to at least medium, two or more to complex.
	Markers []string `yaml:"markers"`
}

// RoutingConfig holds router-level settings.
type RoutingConfig struct {
	Tiers       TierConfig       `yaml:"tiers"`
	Complexity  ComplexityConfig `yaml:"complexity"`
	DefaultRate PricingConfig    `yaml:"default_rate"` // unknown provider/model fallback
}

// BudgetConfig holds spend limits. Daily and Monthly are USD decimal
// strings; empty means unlimited.
type BudgetConfig struct {
	Daily           string        `yaml:"daily"`
	Monthly         string        `yaml:"monthly"`
	WarningAt       float64       `yaml:"warning_at"`
	CriticalAt      float64       `yaml:"critical_at"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// CacheConfig holds result cache settings. Path is the cold tier's SQLite
// file; empty disables the cold tier.
type CacheConfig struct {
	Path          string        `yaml:"path"`
	HotTTL        time.Duration `yaml:"hot_ttl"`
	ColdTTL       time.Duration `yaml:"cold_ttl"`
	HotMaxEntries int           `yaml:"hot_max_entries"`
}

// LedgerConfig holds cost ledger settings.
type LedgerConfig struct {
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// Defaults returns a Config with sensible defaults. Provider entries have
// no default; they must be configured explicitly.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Routing: RoutingConfig{
			Complexity: ComplexityConfig{
				SimpleMaxTokens:  80,
				ComplexMinTokens: 400,
				Markers: []string{
					"step by step",
					"step-by-step",
					"analyze",
					"analysis",
					"compare",
					"pros and cons",
					"multi-part",
					"explain why",
					"reasoning",
				},
			},
			DefaultRate: PricingConfig{
				InputPer1K:  "0.001",
				OutputPer1K: "0.002",
			},
		},
		Budget: BudgetConfig{
			WarningAt:       0.80,
			CriticalAt:      0.95,
			RefreshInterval: 10 * time.Second,
		},
		Cache: CacheConfig{
			Path:          "cache.db",
			HotTTL:        15 * time.Minute,
			ColdTTL:       24 * time.Hour,
			HotMaxEntries: 1024,
		},
		Ledger: LedgerConfig{
			Path:      "ledger.db",
			QueueSize: 1024,
		},
	}
}

// Load reads a YAML config file over Defaults, expands ${VAR} references
// in API keys, applies GW_* env overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.ExpandEnv(cfg.Providers[i].APIKey)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps GW_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("GW_BUDGET_DAILY"); v != "" {
		cfg.Budget.Daily = v
	}
	if v := os.Getenv("GW_BUDGET_MONTHLY"); v != "" {
		cfg.Budget.Monthly = v
	}
	if v := os.Getenv("GW_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("GW_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("GW_LEDGER_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ledger.QueueSize = n
		}
	}
}

// Validate checks the config for mistakes that would otherwise surface as
// confusing runtime failures.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", p.Name, p.Type)
		}
		if err := validateRate(p.Pricing, "provider "+p.Name); err != nil {
			return err
		}
	}

	for tier, names := range map[string][]string{
		"cheap": cfg.Routing.Tiers.Cheap, "mid": cfg.Routing.Tiers.Mid, "premium": cfg.Routing.Tiers.Premium,
	} {
		for _, name := range names {
			if !seen[name] {
				return fmt.Errorf("config: tier %s references unknown provider %q", tier, name)
			}
		}
	}

	if err := validateRate(cfg.Routing.DefaultRate, "default rate"); err != nil {
		return err
	}
	if err := validateBudgetAmount(cfg.Budget.Daily, "daily"); err != nil {
		return err
	}
	if err := validateBudgetAmount(cfg.Budget.Monthly, "monthly"); err != nil {
		return err
	}
	if cfg.Budget.WarningAt <= 0 || cfg.Budget.WarningAt > 1 {
		return fmt.Errorf("config: budget warning_at must be in (0, 1], got %v", cfg.Budget.WarningAt)
	}
	if cfg.Budget.CriticalAt < cfg.Budget.WarningAt || cfg.Budget.CriticalAt > 1 {
		return fmt.Errorf("config: budget critical_at must be in [warning_at, 1], got %v", cfg.Budget.CriticalAt)
	}
	if cfg.Cache.HotMaxEntries <= 0 {
		return fmt.Errorf("config: cache hot_max_entries must be positive")
	}
	if cfg.Ledger.QueueSize <= 0 {
		return fmt.Errorf("config: ledger queue_size must be positive")
	}
	if cfg.Routing.Complexity.SimpleMaxTokens >= cfg.Routing.Complexity.ComplexMinTokens {
		return fmt.Errorf("config: complexity simple_max_tokens must be below complex_min_tokens")
	}
	return nil
}

func validateRate(p PricingConfig, where string) error {
	for field, v := range map[string]string{"input_per_1k": p.InputPer1K, "output_per_1k": p.OutputPer1K} {
		if v == "" {
			continue // zero rate, e.g. a local model
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: %s %s: %w", where, field, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("config: %s %s is negative", where, field)
		}
	}
	return nil
}

func validateBudgetAmount(v, period string) error {
	if v == "" {
		return nil // unlimited
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("config: %s budget: %w", period, err)
	}
	if d.IsNegative() {
		return fmt.Errorf("config: %s budget is negative", period)
	}
	return nil
}

// Rate parses a PricingConfig into decimals. Empty fields parse as zero.
// Call after Validate; malformed values return an error regardless.
func (p PricingConfig) Rate() (input, output decimal.Decimal, err error) {
	if p.InputPer1K != "" {
		input, err = decimal.NewFromString(p.InputPer1K)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("input_per_1k: %w", err)
		}
	}
	if p.OutputPer1K != "" {
		output, err = decimal.NewFromString(p.OutputPer1K)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("output_per_1k: %w", err)
		}
	}
	return input, output, nil
}
