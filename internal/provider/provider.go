// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the configured remote endpoints the engine can
// route to, their pricing and context budgets, and the transport contract
// each provider kind implements.
package provider

import (
	"fmt"
	"strings"
)

// =============================================================================
// PROVIDER KIND
// =============================================================================

// Kind is the closed set of supported provider kinds.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindGemini Kind = "gemini"
	KindGroq   Kind = "groq"
	KindOllama Kind = "ollama"
)

// Valid reports whether k names a known provider kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOpenAI, KindGemini, KindGroq, KindOllama:
		return true
	}
	return false
}

// =============================================================================
// PROVIDER
// =============================================================================

// Default context budgets per kind, used when a provider does not carry an
// explicit override. Conservative values: undershooting the real window only
// triggers earlier summarization, never a provider-side rejection.
const (
	defaultContextTokens = 131072
	ollamaContextTokens  = 8192
)

// Provider is one configured remote endpoint. Providers are ordered in a
// priority list owned by the router; the order is the sole failover policy
// input. A Provider value is never mutated mid-request - reconfiguration
// swaps the whole list.
type Provider struct {
	// Name uniquely identifies the provider in the priority list.
	Name string

	// Kind selects the transport implementation.
	Kind Kind

	// Model is the model identifier sent on every request.
	Model string

	// BaseURL overrides the transport's default endpoint (required for
	// ollama, optional elsewhere).
	BaseURL string

	// APIKey is the resolved credential. The engine never reads raw
	// configuration files; the config layer resolves secrets before
	// constructing providers.
	APIKey string

	// ContextTokens overrides the token budget for this provider.
	// Zero means the kind default applies.
	ContextTokens int

	// PriceIn and PriceOut are costs in USD per 1M tokens. Zero values
	// fall back to the built-in price table, then to the fallback rate.
	PriceIn  float64
	PriceOut float64
}

// Budget returns the context token budget for this provider.
func (p *Provider) Budget() int {
	if p.ContextTokens > 0 {
		return p.ContextTokens
	}
	if p.Kind == KindOllama {
		return ollamaContextTokens
	}
	return defaultContextTokens
}

// Validate checks the provider configuration.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
	}
	if p.Model == "" {
		return fmt.Errorf("provider %q: model is required", p.Name)
	}
	if p.ContextTokens < 0 {
		return fmt.Errorf("provider %q: context_tokens cannot be negative", p.Name)
	}
	return nil
}

// String returns a short description for logs. Credentials are never
// included.
func (p *Provider) String() string {
	return fmt.Sprintf("%s (%s/%s)", p.Name, p.Kind, p.Model)
}

// =============================================================================
// PRICING
// =============================================================================

// Fallback rates in USD per 1M tokens, applied when neither the provider
// config nor the price table knows the model.
const (
	FallbackPriceIn  = 0.50
	FallbackPriceOut = 1.50
)

// priceTable maps known model identifiers to (input, output) USD per 1M
// tokens. Matched on the lowercased model name.
var priceTable = map[string][2]float64{
	"gemini-2.0-flash":        {0.10, 0.40},
	"gemini-1.5-flash":        {0.075, 0.30},
	"gemini-1.5-pro":          {1.25, 5.00},
	"gpt-4o":                  {2.50, 10.00},
	"gpt-4o-mini":             {0.15, 0.60},
	"claude-3-5-sonnet":       {3.00, 15.00},
	"llama-3.3-70b-versatile": {0.59, 0.79},
}

// Rates returns the (input, output) prices in USD per 1M tokens for this
// provider's model. Config overrides win over the table; unknown models get
// the fallback rate. Local ollama models are free.
func (p *Provider) Rates() (in, out float64) {
	if p.Kind == KindOllama {
		return 0, 0
	}
	in, out = FallbackPriceIn, FallbackPriceOut
	if rates, ok := priceTable[strings.ToLower(p.Model)]; ok {
		in, out = rates[0], rates[1]
	}
	if p.PriceIn > 0 {
		in = p.PriceIn
	}
	if p.PriceOut > 0 {
		out = p.PriceOut
	}
	return in, out
}

// Cost returns the USD cost of a completed request against this provider.
func (p *Provider) Cost(inputTokens, outputTokens int) float64 {
	in, out := p.Rates()
	return float64(inputTokens)/1_000_000*in + float64(outputTokens)/1_000_000*out
}
