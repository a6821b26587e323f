// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai implements the Transport for OpenAI-compatible chat
// completion APIs. The same wire shape serves the openai, groq, and ollama
// provider kinds; only the base URL and authentication differ.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
)

const (
	defaultOpenAIURL = "https://api.openai.com/v1"
	defaultGroqURL   = "https://api.groq.com/openai/v1"
	defaultOllamaURL = "http://127.0.0.1:11434/v1"

	requestTimeout = 120 * time.Second

	// maxResponseSize bounds response body reads.
	maxResponseSize = 10 * 1024 * 1024
)

// sharedHTTPClient pools connections across all OpenAI-compatible providers.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
	Timeout: requestTimeout,
}

// retryHintPattern matches the inline wait hint some providers embed in
// rate-limit error messages, e.g. "Please try again in 2.5s".
var retryHintPattern = regexp.MustCompile(`try again in ([0-9.]+m?s)`)

// =============================================================================
// CLIENT
// =============================================================================

// Client is the OpenAI-compatible transport for one configured provider.
type Client struct {
	prov    *provider.Provider
	baseURL string
	limiter *rate.Limiter
}

// New creates a transport for the given provider. The limiter throttles
// outbound requests client-side; nil disables throttling.
func New(p *provider.Provider, limiter *rate.Limiter) *Client {
	baseURL := p.BaseURL
	if baseURL == "" {
		switch p.Kind {
		case provider.KindGroq:
			baseURL = defaultGroqURL
		case provider.KindOllama:
			baseURL = defaultOllamaURL
		default:
			baseURL = defaultOpenAIURL
		}
	}
	return &Client{prov: p, baseURL: baseURL, limiter: limiter}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// SEND
// =============================================================================

// Send performs one chat completion request.
func (c *Client) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.prov.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.prov.APIKey)
	}

	start := time.Now()
	resp, err := sharedHTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, &provider.Error{
			Provider: c.prov.Name,
			Status:   resp.StatusCode,
			Message:  "response contained no choices",
		}
	}

	choice := chatResp.Choices[0]
	out := &provider.Response{
		ID:           chatResp.ID,
		Content:      choice.Message.Content,
		Model:        chatResp.Model,
		Provider:     c.prov.Name,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		out.ToolCall = &model.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		}
	}
	return out, nil
}

// mapRequest flattens the engine's message list into the wire shape.
// Tool results are carried as user turns since the engine does not speak
// the full tool-call protocol.
func (c *Client) mapRequest(req *provider.Request) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		content := m.Content
		if m.Role == model.RoleTool {
			role = "user"
			content = "Tool result: " + content
		}
		messages = append(messages, chatMessage{Role: role, Content: content})
	}
	return chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// errorFrom converts an HTTP error response into a classified *provider.Error,
// preserving any explicit retry hint.
func (c *Client) errorFrom(resp *http.Response, body []byte) error {
	message := string(body)
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	return &provider.Error{
		Provider:   c.prov.Name,
		Status:     resp.StatusCode,
		Message:    message,
		RetryAfter: retryHint(resp.Header, message),
	}
}

// retryHint extracts the provider's suggested wait duration from the
// Retry-After header or from the inline hint in the error message.
func retryHint(header http.Header, message string) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if m := retryHintPattern.FindStringSubmatch(message); len(m) == 2 {
		if d, err := time.ParseDuration(m[1]); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
