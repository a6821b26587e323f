// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/retry"
)

// =============================================================================
// SUMMARIZER INTERFACE
// =============================================================================

// Summarizer condenses a run of messages into a bounded synopsis. prior is
// the existing summary text (empty on the first pass); implementations fold
// it into the new synopsis so the summary is regenerated wholesale, never
// appended to.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, run []*model.Message) (string, error)
}

// =============================================================================
// LLM SUMMARIZER
// =============================================================================

// summarizerSystemPrompt steers the condensation request.
const summarizerSystemPrompt = `You are a conversation summarizer. Condense the conversation below into a compact background summary that preserves:
- Key decisions made and their reasons
- Important findings, facts, and file or code locations mentioned
- Tasks completed and tasks still open
- Any constraints or preferences the user stated

Write a dense factual summary in plain prose. Do not add commentary, headers, or information that is not in the conversation.`

// summaryMaxTokens bounds the synopsis length.
const summaryMaxTokens = 1024

// LLMSummarizer condenses history by asking the currently active provider.
// The call goes through the same retry controller as user-facing requests,
// so it retries and escalates under the same policy.
type LLMSummarizer struct {
	Provider   *provider.Provider
	Transport  provider.Transport
	Controller *retry.Controller
}

// Summarize sends the condensation request and returns the new synopsis.
func (s *LLMSummarizer) Summarize(ctx context.Context, prior string, run []*model.Message) (string, error) {
	if len(run) == 0 && prior == "" {
		return "", nil
	}

	req := &provider.Request{
		Model:     s.Provider.Model,
		System:    summarizerSystemPrompt,
		Messages:  []*model.Message{model.NewUserMessage(buildSummaryPrompt(prior, run))},
		MaxTokens: summaryMaxTokens,
	}

	resp, err := s.Controller.Execute(ctx, s.Transport, s.Provider.Name, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: empty synopsis", ErrSummarizationFailed)
	}
	return "BACKGROUND SUMMARY OF EARLIER CONVERSATION:\n" + strings.TrimSpace(resp.Content), nil
}

// buildSummaryPrompt renders the prior summary and the run as the user
// payload of the condensation request.
func buildSummaryPrompt(prior string, run []*model.Message) string {
	var b strings.Builder

	if prior != "" {
		b.WriteString("Existing summary of even earlier conversation:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}

	b.WriteString("Conversation to fold into the summary:\n\n")
	for _, msg := range run {
		b.WriteString(msg.Role.DisplayName())
		b.WriteString(": ")
		b.WriteString(msg.Content)
		if msg.ToolCall != nil {
			b.WriteString(fmt.Sprintf(" [called tool %s]", msg.ToolCall.Name))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nProduce the updated background summary.")
	return b.String()
}
