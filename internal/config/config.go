// Package config loads and validates all runtime configuration for arbstr.
//
// Configuration is read from a TOML file (arbstr.toml in the working
// directory, or the path given in ARBSTR_CONFIG) with environment-variable
// overrides for the scalar settings. Provider API keys support ${ENV_VAR}
// expansion so secrets can stay out of the file.
//
// The loaded Config is immutable after Load returns; request handling shares
// it by reference.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// StrategyCheapest is the only selection strategy currently implemented.
const StrategyCheapest = "cheapest"

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DBPath is the SQLite file holding the request log. Default: arbstr.db.
	DBPath string

	// Providers are the upstream candidates, in file order. File order is the
	// tie-breaker when two providers cost the same.
	Providers []Provider

	// Policies are the named constraint sets, in file order. File order decides
	// keyword-based policy resolution.
	Policies []Policy
}

// Provider describes one upstream OpenAI-compatible endpoint and its pricing.
// Rates are satoshis per 1000 tokens; BaseFee is a flat per-request charge.
type Provider struct {
	Name       string   `mapstructure:"name"`
	URL        string   `mapstructure:"url"`
	APIKey     string   `mapstructure:"api_key"`
	Models     []string `mapstructure:"models"`
	InputRate  int64    `mapstructure:"input_rate"`
	OutputRate int64    `mapstructure:"output_rate"`
	BaseFee    int64    `mapstructure:"base_fee"`
}

// Policy narrows which providers are eligible for a request.
type Policy struct {
	Name          string   `mapstructure:"name"`
	AllowedModels []string `mapstructure:"allowed_models"`
	// MaxSatsPer1kOutput caps output_rate + base_fee. 0 means no cap.
	MaxSatsPer1kOutput int64    `mapstructure:"max_sats_per_1k_output"`
	Keywords           []string `mapstructure:"keywords"`
	Strategy           string   `mapstructure:"strategy"`
}

// ServesModel reports whether the provider accepts the model. An empty model
// list accepts everything.
func (p *Provider) ServesModel(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// RoutingCost is the ranking key used at selection time. Token counts are
// unknown before the request, so the output rate dominates expected cost.
func (p *Provider) RoutingCost() int64 { return p.OutputRate + p.BaseFee }

// MaskedKey renders the API key for display: the first six characters plus
// "...***", or "[REDACTED]" when the key is too short to mask safely.
func (p *Provider) MaskedKey() string {
	if len(p.APIKey) < 10 {
		return "[REDACTED]"
	}
	return p.APIKey[:6] + "...***"
}

// AllowsModel reports whether the policy permits the model. An empty
// allowed_models list imposes no constraint.
func (pol *Policy) AllowsModel(model string) bool {
	if len(pol.AllowedModels) == 0 {
		return true
	}
	for _, m := range pol.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// MatchesPrompt reports whether any policy keyword occurs in the prompt
// (case-insensitive substring).
func (pol *Policy) MatchesPrompt(prompt string) bool {
	if prompt == "" {
		return false
	}
	lower := strings.ToLower(prompt)
	for _, kw := range pol.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ── Read-only accessors ──────────────────────────────────────────────────────

// Provider returns the provider with the given name, or nil.
func (c *Config) Provider(name string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// Policy returns the policy with the given name, or nil.
func (c *Config) Policy(name string) *Policy {
	for i := range c.Policies {
		if c.Policies[i].Name == name {
			return &c.Policies[i]
		}
	}
	return nil
}

// HasProvider reports whether name is a configured provider
// (case-insensitive).
func (c *Config) HasProvider(name string) bool {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return true
		}
	}
	return false
}

// HasModel reports whether any provider lists the model (case-insensitive).
func (c *Config) HasModel(model string) bool {
	for i := range c.Providers {
		for _, m := range c.Providers[i].Models {
			if strings.EqualFold(m, model) {
				return true
			}
		}
	}
	return false
}

// ModelSet returns the sorted union of all configured model names.
func (c *Config) ModelSet() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range c.Providers {
		for _, m := range c.Providers[i].Models {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ── Loading ──────────────────────────────────────────────────────────────────

// Load reads arbstr.toml (or $ARBSTR_CONFIG) plus environment overrides and
// validates the result.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path := os.Getenv("ARBSTR_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("arbstr")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "arbstr.db")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		DBPath:   v.GetString("DB_PATH"),
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers: %w", err)
	}
	if err := v.UnmarshalKey("policies", &cfg.Policies); err != nil {
		return nil, fmt.Errorf("config: policies: %w", err)
	}

	// Secrets stay out of the TOML file via ${ENV_VAR} references.
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.ExpandEnv(cfg.Providers[i].APIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one [[providers]] entry is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("config: provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.URL == "" {
			return fmt.Errorf("config: provider %q: url is required", p.Name)
		}
		if p.InputRate < 0 || p.OutputRate < 0 || p.BaseFee < 0 {
			return fmt.Errorf("config: provider %q: rates must be non-negative", p.Name)
		}
	}

	polSeen := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		pol := &c.Policies[i]
		if pol.Name == "" {
			return fmt.Errorf("config: policy %d: name is required", i)
		}
		if polSeen[pol.Name] {
			return fmt.Errorf("config: duplicate policy name %q", pol.Name)
		}
		polSeen[pol.Name] = true
		if pol.MaxSatsPer1kOutput < 0 {
			return fmt.Errorf("config: policy %q: max_sats_per_1k_output must be non-negative", pol.Name)
		}
		switch pol.Strategy {
		case "", StrategyCheapest:
		default:
			return fmt.Errorf("config: policy %q: unknown strategy %q", pol.Name, pol.Strategy)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
