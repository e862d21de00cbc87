// Package config is the on-disk configuration for the spectyra core and
// harness binaries.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the optimizer configuration surface.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Provider keys
//     come from the environment (OPENAI_API_KEY, ANTHROPIC_API_KEY).
//   - Field names are snake_case to match the rest of the config surface.
type Config struct {
	// OptimizationLevel is the requested compression level, 0 (widest) to 4
	// (most aggressive). Defaults to 2.
	OptimizationLevel *int `json:"optimization_level,omitempty"`

	// StabilityTLow / StabilityTHigh are the stability-band cut points the
	// per-turn recommendation is read against. Defaults 0.35 / 0.70.
	StabilityTLow  *float64 `json:"stability_t_low,omitempty"`
	StabilityTHigh *float64 `json:"stability_t_high,omitempty"`

	// SimilarityReuseThreshold is the cosine above which a new fragment
	// refreshes an existing semantic unit instead of appending. Default 0.90.
	SimilarityReuseThreshold *float64 `json:"similarity_reuse_threshold,omitempty"`

	// MaxOutputTokensOptimized caps optimized provider calls. Default 450.
	MaxOutputTokensOptimized *int `json:"max_output_tokens_optimized,omitempty"`

	// CodePatchModeDefault asks for unified-diff patches on the code path
	// when a request does not say otherwise.
	CodePatchModeDefault *bool `json:"code_patch_mode_default,omitempty"`

	// DefaultModelID is the "<provider>/<model>" wire id used when a request
	// does not name one.
	DefaultModelID string `json:"default_model_id,omitempty"`

	// EmbedBaseURL / NLIBaseURL point at the local sidecars. Empty base URLs
	// leave the corresponding capability to its remote default (embeddings)
	// or disabled (NLI).
	EmbedBaseURL string `json:"embed_base_url,omitempty"`
	NLIBaseURL   string `json:"nli_base_url,omitempty"`

	// LedgerDBPath is the sqlite file for the savings ledger.
	LedgerDBPath string `json:"ledger_db_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	defaultOptimizationLevel        = 2
	defaultStabilityTLow            = 0.35
	defaultStabilityTHigh           = 0.70
	defaultSimilarityReuseThreshold = 0.90
	defaultMaxOutputTokensOptimized = 450
	defaultModelID                  = "openai/gpt-4.1-mini"
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	if c.OptimizationLevel != nil {
		if *c.OptimizationLevel < 0 || *c.OptimizationLevel > 4 {
			return fmt.Errorf("invalid optimization_level %d (must be in [0,4])", *c.OptimizationLevel)
		}
	}
	if c.StabilityTLow != nil {
		if *c.StabilityTLow < 0 || *c.StabilityTLow > 1 {
			return fmt.Errorf("invalid stability_t_low %v (must be in [0,1])", *c.StabilityTLow)
		}
	}
	if c.StabilityTHigh != nil {
		if *c.StabilityTHigh < 0 || *c.StabilityTHigh > 1 {
			return fmt.Errorf("invalid stability_t_high %v (must be in [0,1])", *c.StabilityTHigh)
		}
	}
	if c.EffectiveStabilityTLow() >= c.EffectiveStabilityTHigh() {
		return fmt.Errorf("stability_t_low %v must be below stability_t_high %v", c.EffectiveStabilityTLow(), c.EffectiveStabilityTHigh())
	}
	if c.SimilarityReuseThreshold != nil {
		if *c.SimilarityReuseThreshold <= 0 || *c.SimilarityReuseThreshold > 1 {
			return fmt.Errorf("invalid similarity_reuse_threshold %v (must be in (0,1])", *c.SimilarityReuseThreshold)
		}
	}
	if c.MaxOutputTokensOptimized != nil {
		if *c.MaxOutputTokensOptimized <= 0 {
			return fmt.Errorf("invalid max_output_tokens_optimized %d (must be > 0)", *c.MaxOutputTokensOptimized)
		}
	}

	if raw := strings.TrimSpace(c.DefaultModelID); raw != "" {
		provider, model, ok := strings.Cut(raw, "/")
		if !ok || strings.TrimSpace(provider) == "" || strings.TrimSpace(model) == "" {
			return fmt.Errorf("invalid default_model_id %q (must be <provider>/<model>)", c.DefaultModelID)
		}
	}

	for _, ep := range []struct{ name, value string }{
		{"embed_base_url", c.EmbedBaseURL},
		{"nli_base_url", c.NLIBaseURL},
	} {
		raw := strings.TrimSpace(ep.value)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u == nil {
			return fmt.Errorf("invalid %s: %w", ep.name, err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid %s scheme %q", ep.name, u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return fmt.Errorf("invalid %s host", ep.name)
		}
	}

	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.spectyra/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "spectyra.config.json"
	}
	return filepath.Join(home, ".spectyra", "config.json")
}

// Load reads and validates a config file. A missing file is not an error:
// every knob has a default, so an absent config simply means defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) EffectiveOptimizationLevel() int {
	if c == nil || c.OptimizationLevel == nil {
		return defaultOptimizationLevel
	}
	v := *c.OptimizationLevel
	if v < 0 {
		return 0
	}
	if v > 4 {
		return 4
	}
	return v
}

func (c *Config) EffectiveStabilityTLow() float64 {
	if c == nil || c.StabilityTLow == nil {
		return defaultStabilityTLow
	}
	return *c.StabilityTLow
}

func (c *Config) EffectiveStabilityTHigh() float64 {
	if c == nil || c.StabilityTHigh == nil {
		return defaultStabilityTHigh
	}
	return *c.StabilityTHigh
}

func (c *Config) EffectiveSimilarityReuseThreshold() float64 {
	if c == nil || c.SimilarityReuseThreshold == nil {
		return defaultSimilarityReuseThreshold
	}
	return *c.SimilarityReuseThreshold
}

func (c *Config) EffectiveMaxOutputTokensOptimized() int {
	if c == nil || c.MaxOutputTokensOptimized == nil {
		return defaultMaxOutputTokensOptimized
	}
	v := *c.MaxOutputTokensOptimized
	if v <= 0 {
		return defaultMaxOutputTokensOptimized
	}
	return v
}

func (c *Config) EffectiveCodePatchModeDefault() bool {
	if c == nil || c.CodePatchModeDefault == nil {
		return false
	}
	return *c.CodePatchModeDefault
}

// EffectiveModelID returns the default model wire id split into its provider
// and model segments.
func (c *Config) EffectiveModelID() (provider, model string) {
	raw := defaultModelID
	if c != nil && strings.TrimSpace(c.DefaultModelID) != "" {
		raw = strings.TrimSpace(c.DefaultModelID)
	}
	provider, model, ok := strings.Cut(raw, "/")
	if !ok {
		provider, model, _ = strings.Cut(defaultModelID, "/")
		return provider, model
	}
	return strings.TrimSpace(provider), strings.TrimSpace(model)
}

// EffectiveLedgerDBPath returns the sqlite path for the savings ledger,
// defaulting to ~/.spectyra/ledger.db next to the default config file.
func (c *Config) EffectiveLedgerDBPath() string {
	if c != nil && strings.TrimSpace(c.LedgerDBPath) != "" {
		return strings.TrimSpace(c.LedgerDBPath)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "spectyra-ledger.db"
	}
	return filepath.Join(home, ".spectyra", "ledger.db")
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return "text"
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "json":
		return "json"
	default:
		return "text"
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return "info"
	}
	switch v := strings.TrimSpace(strings.ToLower(c.LogLevel)); v {
	case "debug", "warn", "error":
		return v
	default:
		return "info"
	}
}
