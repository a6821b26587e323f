// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/retry"
)

type recordingTransport struct {
	req  *provider.Request
	resp *provider.Response
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	r.req = req
	return r.resp, r.err
}

func newLLMSummarizer(tr *recordingTransport) *LLMSummarizer {
	return &LLMSummarizer{
		Provider:  &provider.Provider{Name: "p", Kind: provider.KindGroq, Model: "test-model"},
		Transport: tr,
		Controller: retry.NewController(retry.Config{
			MaxAttempts: 2, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond,
		}),
	}
}

func TestLLMSummarizerBuildsPrompt(t *testing.T) {
	tr := &recordingTransport{resp: &provider.Response{Content: "they discussed the config loader"}}
	s := newLLMSummarizer(tr)

	run := []*model.Message{
		model.NewUserMessage("where is the config loaded?"),
		model.NewAssistantMessage("in config.go"),
	}
	got, err := s.Summarize(context.Background(), "old synopsis", run)
	require.NoError(t, err)

	require.NotNil(t, tr.req)
	assert.Equal(t, summarizerSystemPrompt, tr.req.System)
	require.Len(t, tr.req.Messages, 1)
	payload := tr.req.Messages[0].Content
	assert.Contains(t, payload, "old synopsis")
	assert.Contains(t, payload, "You: where is the config loaded?")
	assert.Contains(t, payload, "Assistant: in config.go")

	assert.Contains(t, got, "BACKGROUND SUMMARY")
	assert.Contains(t, got, "they discussed the config loader")
}

func TestLLMSummarizerWrapsFailure(t *testing.T) {
	tr := &recordingTransport{err: &provider.Error{Provider: "p", Status: 500, Message: "down"}}
	s := newLLMSummarizer(tr)

	_, err := s.Summarize(context.Background(), "", []*model.Message{model.NewUserMessage("hi")})
	assert.ErrorIs(t, err, ErrSummarizationFailed)
}

func TestLLMSummarizerRejectsEmptySynopsis(t *testing.T) {
	tr := &recordingTransport{resp: &provider.Response{Content: "   "}}
	s := newLLMSummarizer(tr)

	_, err := s.Summarize(context.Background(), "", []*model.Message{model.NewUserMessage("hi")})
	assert.ErrorIs(t, err, ErrSummarizationFailed)
}
