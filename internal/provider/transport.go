// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/plexir/plexir/internal/model"
)

// =============================================================================
// TRANSPORT CONTRACT
// =============================================================================

// Request is the minimal request shape a transport needs: the model, the
// prepared message list, and generation parameters. The engine guarantees
// the message list fits the target provider's budget before a transport
// ever sees it.
type Request struct {
	ID          string
	Model       string
	System      string
	Messages    []*model.Message
	MaxTokens   int
	Temperature float64
}

// Response is the minimal response shape needed to drive accounting and
// failover decisions.
type Response struct {
	ID           string
	Content      string
	ToolCall     *model.ToolCall
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Transport sends one request to one remote provider. Implementations
// return *Error for provider-side failures so the retry controller can
// classify them; any other error is treated as transient network failure.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// =============================================================================
// PROVIDER ERROR
// =============================================================================

// Error is a structured provider-side failure. Status carries the HTTP
// status class; RetryAfter is the provider's explicit wait hint when one
// was supplied (Retry-After header, Gemini retryDelay detail), zero
// otherwise.
type Error struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Transient reports whether the failure is worth retrying on the same
// provider: rate limits and server-side errors. Everything else (auth,
// quota, malformed request) escalates to the next provider immediately.
func (e *Error) Transient() bool {
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	return e.Status >= 500 && e.Status < 600
}

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
