// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"golang.org/x/time/rate"

	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/provider/gemini"
	"github.com/plexir/plexir/internal/provider/openai"
)

// Client-side throttle per provider. Keeps bursts of retries and
// summarization calls from tripping rate limits we would then back off
// from anyway.
const (
	requestsPerSecond = 4
	requestBurst      = 4
)

// newTransport selects the wire implementation for a provider kind.
// openai, groq, and ollama all speak the OpenAI-compatible chat API;
// gemini has its own REST shape.
func newTransport(p *provider.Provider) provider.Transport {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst)
	if p.Kind == provider.KindGemini {
		return gemini.New(p, limiter)
	}
	return openai.New(p, limiter)
}
