// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens provides approximate token counting for budget decisions.
//
// No exact tokenizer is bundled; counts use a deterministic length-based
// approximation (~4 characters per token) that deliberately rounds up.
// Over-estimating only triggers earlier summarization; under-estimating
// risks a provider-side rejection, so every rounding here is upward.
package tokens

import (
	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
)

const (
	// charsPerToken is the approximation ratio for English-ish text.
	charsPerToken = 4

	// messageOverhead accounts for per-message framing (role markers,
	// separators) in every known chat wire format.
	messageOverhead = 4

	// replyPriming accounts for the fixed tokens providers prepend to
	// the assistant reply.
	replyPriming = 8
)

// EstimateText returns the approximate token count of a raw string.
func EstimateText(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage returns the approximate token count of one message,
// including framing overhead.
func EstimateMessage(m *model.Message) int {
	n := EstimateText(m.Content) + messageOverhead
	if m.ToolCall != nil {
		n += EstimateText(m.ToolCall.Name) + EstimateText(string(m.ToolCall.Args))
	}
	return n
}

// Estimate returns the approximate token count of a full request against
// the given provider: system instructions plus all messages plus reply
// priming. The result is non-negative and monotonically non-decreasing in
// message count and content length. The provider parameter keeps the door
// open for per-provider ratios; all current kinds share the default.
func Estimate(system string, msgs []*model.Message, p *provider.Provider) int {
	_ = p
	n := replyPriming
	if system != "" {
		n += EstimateText(system) + messageOverhead
	}
	for _, m := range msgs {
		n += EstimateMessage(m)
	}
	return n
}
