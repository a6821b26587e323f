// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini implements the Transport for Google's Gemini REST API
// (generateContent endpoint).
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	requestTimeout  = 120 * time.Second
	maxResponseSize = 10 * 1024 * 1024
)

var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
	Timeout: requestTimeout,
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the Gemini transport for one configured provider.
type Client struct {
	prov    *provider.Provider
	baseURL string
	limiter *rate.Limiter
}

// New creates a transport for the given provider.
func New(p *provider.Provider, limiter *rate.Limiter) *Client {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{prov: p, baseURL: strings.TrimSuffix(baseURL, "/"), limiter: limiter}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// =============================================================================
// SEND
// =============================================================================

// Send performs one generateContent request.
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

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.prov.APIKey)

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
		return nil, c.errorFrom(resp.StatusCode, respBody)
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(genResp.Candidates) == 0 {
		return nil, &provider.Error{
			Provider: c.prov.Name,
			Status:   resp.StatusCode,
			Message:  "response contained no candidates",
		}
	}

	out := &provider.Response{
		Model:        req.Model,
		Provider:     c.prov.Name,
		InputTokens:  genResp.UsageMetadata.PromptTokenCount,
		OutputTokens: genResp.UsageMetadata.CandidatesTokenCount,
		Latency:      time.Since(start),
	}
	var text strings.Builder
	for _, p := range genResp.Candidates[0].Content.Parts {
		if p.FunctionCall != nil && out.ToolCall == nil {
			out.ToolCall = &model.ToolCall{
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			}
			continue
		}
		text.WriteString(p.Text)
	}
	out.Content = text.String()
	return out, nil
}

// mapRequest converts the engine's message list to Gemini's contents shape.
// Gemini uses "model" for assistant turns and has no tool role on this path.
func (c *Client) mapRequest(req *provider.Request) generateRequest {
	out := generateRequest{}
	if req.System != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	for _, m := range req.Messages {
		role := "user"
		text := m.Content
		switch m.Role {
		case model.RoleAssistant:
			role = "model"
		case model.RoleSystem:
			// Mid-history system messages (the rolling summary) travel
			// as user turns; Gemini only accepts user/model here.
			role = "user"
		case model.RoleTool:
			text = "Tool result: " + text
		}
		if text == "" {
			continue
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: text}}})
	}
	if len(out.Contents) == 0 {
		out.Contents = []content{{Role: "user", Parts: []part{{Text: "Hello"}}}}
	}
	return out
}

// errorFrom converts an error response into a classified *provider.Error.
// Gemini supplies its retry hint as a RetryInfo detail with a duration
// string like "58s".
func (c *Client) errorFrom(status int, body []byte) error {
	message := string(body)
	var retryAfter time.Duration

	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		message = ae.Error.Message
		for _, d := range ae.Error.Details {
			if d.RetryDelay == "" {
				continue
			}
			if dur, err := time.ParseDuration(d.RetryDelay); err == nil && dur > 0 {
				retryAfter = dur
				break
			}
		}
	}

	return &provider.Error{
		Provider:   c.prov.Name,
		Status:     status,
		Message:    message,
		RetryAfter: retryAfter,
	}
}
