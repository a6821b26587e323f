// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(&provider.Provider{
		Name:   "gemini-main",
		Kind:   provider.KindGemini,
		Model:  "gemini-2.0-flash",
		BaseURL: srv.URL,
		APIKey: "test-key",
	}, nil)
}

func TestSendMapsRolesAndUsage(t *testing.T) {
	var gotKey string
	var gotReq generateRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "bonjour"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 2}
		}`))
	})

	summary := model.NewSummaryMessage("BACKGROUND SUMMARY: earlier talk")
	resp, err := c.Send(context.Background(), &provider.Request{
		Model:  "gemini-2.0-flash",
		System: "reply in French",
		Messages: []*model.Message{
			summary,
			model.NewUserMessage("hello"),
			model.NewAssistantMessage("salut"),
			model.NewUserMessage("again"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	require.NotNil(t, gotReq.SystemInstruction)
	require.Len(t, gotReq.Contents, 4)
	// The system-role summary travels as a user turn.
	assert.Equal(t, "user", gotReq.Contents[0].Role)
	assert.Equal(t, "model", gotReq.Contents[2].Role)

	assert.Equal(t, "bonjour", resp.Content)
	assert.Equal(t, 9, resp.InputTokens)
	assert.Equal(t, 2, resp.OutputTokens)
}

func TestSendParsesFunctionCall(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [
				{"text": "checking"},
				{"functionCall": {"name": "list_dir", "args": {"path": "."}}}
			]}}]
		}`))
	})

	resp, err := c.Send(context.Background(), &provider.Request{Model: "gemini-2.0-flash"})
	require.NoError(t, err)
	assert.Equal(t, "checking", resp.Content)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "list_dir", resp.ToolCall.Name)
}

func TestSendParsesRetryDelay(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "quota exceeded", "details": [
			{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "58s"}
		]}}`))
	})

	_, err := c.Send(context.Background(), &provider.Request{Model: "gemini-2.0-flash"})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.True(t, pe.Transient())
	assert.Equal(t, "quota exceeded", pe.Message)
	assert.Equal(t, 58*time.Second, pe.RetryAfter)
}

func TestSendEmptyHistoryGetsPlaceholder(t *testing.T) {
	var gotReq generateRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "hi"}]}}]}`))
	})

	_, err := c.Send(context.Background(), &provider.Request{Model: "gemini-2.0-flash"})
	require.NoError(t, err)
	require.Len(t, gotReq.Contents, 1)
	assert.Equal(t, "user", gotReq.Contents[0].Role)
}
