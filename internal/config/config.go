// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for plexir.
//
// Configuration lives in TOML at ~/.plexir/config.toml, with sensible
// defaults, environment variable overrides, and validation. Secrets are
// never stored in the file itself: each provider names the environment
// variable its API key is read from, and resolution happens here so the
// engine only ever sees resolved credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	plexirctx "github.com/plexir/plexir/internal/context"
	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/retry"
	"github.com/plexir/plexir/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete plexir configuration.
type Config struct {
	// SystemPrompt is sent as system instructions with every request.
	SystemPrompt string `toml:"system_prompt"`

	// SessionBudget is the spend ceiling in USD. Zero disables the gate.
	SessionBudget float64 `toml:"session_budget"`

	// MaxTokens caps the reply length requested from providers.
	MaxTokens int `toml:"max_tokens"`

	// Providers is the failover priority list, in order.
	Providers []ProviderConfig `toml:"provider"`

	// Context holds the history compression policy.
	Context ContextConfig `toml:"context"`

	// Retry holds the backoff policy.
	Retry RetryConfig `toml:"retry"`
}

// ProviderConfig is one [[provider]] block.
type ProviderConfig struct {
	// Name uniquely identifies the provider in the priority list.
	Name string `toml:"name"`

	// Kind selects the transport: "openai", "gemini", "groq", "ollama".
	Kind string `toml:"kind"`

	// Model is the model identifier sent on every request.
	Model string `toml:"model"`

	// BaseURL overrides the transport's default endpoint.
	BaseURL string `toml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `toml:"api_key_env,omitempty"`

	// ContextTokens overrides the provider's context budget (0 = kind default).
	ContextTokens int `toml:"context_tokens,omitempty"`

	// PriceIn / PriceOut override pricing, in USD per 1M tokens.
	PriceIn  float64 `toml:"price_in,omitempty"`
	PriceOut float64 `toml:"price_out,omitempty"`
}

// ContextConfig tunes history compression. Zero values mean defaults.
type ContextConfig struct {
	// SummarizeThreshold is the minimum unpinned message count before
	// summarization may fire.
	SummarizeThreshold int `toml:"summarize_threshold"`
	// SummarizeBatch caps how many messages one pass folds away.
	SummarizeBatch int `toml:"summarize_batch"`
	// KeepRecent is the unpinned tail a pass always leaves intact.
	KeepRecent int `toml:"keep_recent"`
	// DistillRecent is the recency window used after failover.
	DistillRecent int `toml:"distill_recent"`
}

// RetryConfig tunes the backoff policy. Zero values mean defaults.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
	JitterMS    int `toml:"jitter_ms"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration: a local ollama provider so a
// fresh install works without any API key.
func Default() *Config {
	return &Config{
		SessionBudget: 0,
		MaxTokens:     4096,
		Providers: []ProviderConfig{
			{
				Name:  "local",
				Kind:  string(provider.KindOllama),
				Model: "llama3.2",
			},
		},
		Context: ContextConfig{
			SummarizeThreshold: 40,
			SummarizeBatch:     20,
			KeepRecent:         10,
			DistillRecent:      12,
		},
		Retry: RetryConfig{
			MaxAttempts: 20,
			BaseDelayMS: 500,
			MaxDelayMS:  30000,
			JitterMS:    250,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the plexir configuration directory (~/.plexir).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".plexir"), nil
}

// ConfigPath returns the path of the TOML configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// SessionDBPath returns the path of the session database.
func SessionDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration from the default path. A missing file is
// not an error: defaults apply. Environment overrides apply last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from an explicit path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh install: defaults only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// A file that names its own providers replaces the default list.
		cfg.Providers = nil
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if len(cfg.Providers) == 0 {
			cfg.Providers = Default().Providers
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration atomically with owner-only permissions.
func Save(cfg *Config, path string) error {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies PLEXIR_* environment variables on top of the
// loaded file. Only scalar knobs are overridable; the provider list is
// file-only.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PLEXIR_SESSION_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.SessionBudget = f
		}
	}
	if v := os.Getenv("PLEXIR_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxTokens = n
		}
	}
	if v := os.Getenv("PLEXIR_SYSTEM_PROMPT"); v != "" {
		c.SystemPrompt = v
	}
	if v := os.Getenv("PLEXIR_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retry.MaxAttempts = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates all problems found in one pass.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.SessionBudget < 0 {
		errs = append(errs, ValidationError{"session_budget", "cannot be negative"})
	}
	if c.MaxTokens < 0 {
		errs = append(errs, ValidationError{"max_tokens", "cannot be negative"})
	}
	if len(c.Providers) == 0 {
		errs = append(errs, ValidationError{"provider", "at least one provider is required"})
	}

	seen := make(map[string]bool)
	for i, pc := range c.Providers {
		field := fmt.Sprintf("provider[%d]", i)
		if pc.Name == "" {
			errs = append(errs, ValidationError{field + ".name", "is required"})
		} else if seen[pc.Name] {
			errs = append(errs, ValidationError{field + ".name", fmt.Sprintf("duplicate name %q", pc.Name)})
		}
		seen[pc.Name] = true
		if !provider.Kind(pc.Kind).Valid() {
			errs = append(errs, ValidationError{field + ".kind", fmt.Sprintf("unknown kind %q", pc.Kind)})
		}
		if pc.Model == "" {
			errs = append(errs, ValidationError{field + ".model", "is required"})
		}
		if pc.ContextTokens < 0 {
			errs = append(errs, ValidationError{field + ".context_tokens", "cannot be negative"})
		}
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, ValidationError{"retry.max_attempts", "cannot be negative"})
	}
	if c.Context.KeepRecent > 0 && c.Context.SummarizeThreshold > 0 &&
		c.Context.KeepRecent >= c.Context.SummarizeThreshold {
		errs = append(errs, ValidationError{"context.keep_recent", "must be below context.summarize_threshold"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// CONVERSION
// =============================================================================

// BuildProviders resolves the configured priority list into provider
// values, reading each API key from its named environment variable.
// Providers whose key variable is named but empty are skipped with their
// names returned, so the caller can warn instead of failing outright.
func (c *Config) BuildProviders() (provs []*provider.Provider, skipped []string) {
	for _, pc := range c.Providers {
		key := ""
		if pc.APIKeyEnv != "" {
			key = os.Getenv(pc.APIKeyEnv)
			if key == "" {
				skipped = append(skipped, pc.Name)
				continue
			}
		}
		provs = append(provs, &provider.Provider{
			Name:          pc.Name,
			Kind:          provider.Kind(pc.Kind),
			Model:         pc.Model,
			BaseURL:       pc.BaseURL,
			APIKey:        key,
			ContextTokens: pc.ContextTokens,
			PriceIn:       pc.PriceIn,
			PriceOut:      pc.PriceOut,
		})
	}
	return provs, skipped
}

// RetryPolicy converts the retry section to the controller's config.
func (c *Config) RetryPolicy() retry.Config {
	cfg := retry.DefaultConfig()
	if c.Retry.MaxAttempts > 0 {
		cfg.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMS > 0 {
		cfg.BaseDelay = time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
	}
	if c.Retry.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
	}
	if c.Retry.JitterMS >= 0 {
		cfg.MaxJitter = time.Duration(c.Retry.JitterMS) * time.Millisecond
	}
	return cfg
}

// ContextPolicy converts the context section to the manager's policy.
func (c *Config) ContextPolicy() plexirctx.Policy {
	return plexirctx.Policy{
		SummarizeThreshold: c.Context.SummarizeThreshold,
		SummarizeBatch:     c.Context.SummarizeBatch,
		KeepRecent:         c.Context.KeepRecent,
		DistillRecent:      c.Context.DistillRecent,
	}
}
