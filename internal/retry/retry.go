// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry implements the per-provider retry controller.
//
// Every provider failure is classified as either transient (rate limit,
// server error: retried locally with backoff) or fatal (auth, quota,
// malformed request: escalated immediately). Exceeding the attempt cap
// also escalates. The controller knows nothing about other providers;
// failover is the router's job.
package retry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/plexir/plexir/internal/provider"
)

// =============================================================================
// ESCALATION
// =============================================================================

// EscalateError signals that the current provider is done for this pass:
// either its transient failures exceeded the attempt cap or it failed
// fatally. The router responds by advancing to the next provider.
type EscalateError struct {
	Provider string
	Attempts int
	Fatal    bool
	Last     error
}

// Error implements the error interface.
func (e *EscalateError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("%s: fatal error: %v", e.Provider, e.Last)
	}
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Provider, e.Attempts, e.Last)
}

// Unwrap exposes the underlying provider error.
func (e *EscalateError) Unwrap() error {
	return e.Last
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Config holds the backoff policy.
type Config struct {
	// MaxAttempts is the total number of sends before escalating.
	MaxAttempts int

	// BaseDelay is the first backoff step; each retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// MaxJitter is the upper bound of the random jitter added to each
	// backoff delay to avoid thundering herds.
	MaxJitter time.Duration
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 20,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Controller retries one request against one provider. It is stateless
// across calls; the attempt counter is scoped to a single Execute.
type Controller struct {
	cfg Config
}

// NewController creates a retry controller with the given policy.
// Zero-valued fields fall back to defaults.
func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = def.MaxJitter
	}
	return &Controller{cfg: cfg}
}

// MaxAttempts returns the configured attempt cap.
func (c *Controller) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// Delay returns the wait before retry number attempt (0-based), honoring
// the provider's explicit hint when err carries one. The delay is returned
// rather than slept so callers can cancel the wait.
func (c *Controller) Delay(attempt int, err error) time.Duration {
	if pe, ok := provider.AsError(err); ok && pe.RetryAfter > 0 {
		if pe.RetryAfter > c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
		return pe.RetryAfter
	}

	delay := c.cfg.BaseDelay << uint(attempt)
	if delay <= 0 || delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	if c.cfg.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.MaxJitter)))
	}
	return delay
}

// Transient reports whether err is worth retrying on the same provider.
// Provider errors classify by status; anything else (network failure,
// truncated response) is treated as transient. Context cancellation is
// never retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	if pe, ok := provider.AsError(err); ok {
		return pe.Transient()
	}
	return true
}

// Execute sends req through t, retrying transient failures per the policy.
// Returns the response, the context error if cancelled mid-wait, or an
// *EscalateError when the provider should be failed over.
func (c *Controller) Execute(ctx context.Context, t provider.Transport, name string, req *provider.Request) (*provider.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.Delay(attempt-1, lastErr)
			log.Printf("RETRY: provider=%s attempt=%d/%d wait=%v err=%v",
				name, attempt, c.cfg.MaxAttempts, delay, lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := t.Send(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Transient(err) {
			return nil, &EscalateError{Provider: name, Attempts: attempt + 1, Fatal: true, Last: err}
		}
		lastErr = err
	}

	return nil, &EscalateError{Provider: name, Attempts: c.cfg.MaxAttempts, Last: lastErr}
}
