// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router implements ordered provider failover.
//
// Providers form a priority list. Each turn walks the list once, starting
// from the active provider: the primary normally, or a backup that a prior
// failover made sticky. When a provider escalates (retries exhausted or a
// fatal error) the walk advances to the next entry; it never wraps past the
// end. A turn that succeeds on a backup makes that backup sticky for
// subsequent turns. A turn that exhausts the whole list clears stickiness,
// so the next turn starts the walk from the primary again.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/retry"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNoProviders is returned when the router has an empty priority list.
var ErrNoProviders = errors.New("no providers configured")

// ExhaustedError is returned when every provider in the pass escalated.
// It aggregates the per-provider escalation errors in list order.
type ExhaustedError struct {
	Errors []error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("all providers exhausted: %s", strings.Join(parts, "; "))
}

// Unwrap exposes the per-provider errors to errors.Is / errors.As.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors
}

// =============================================================================
// ROUTER
// =============================================================================

// Endpoint pairs a configured provider with its transport.
type Endpoint struct {
	Provider  *provider.Provider
	Transport provider.Transport
}

// PrepareFunc builds the request for one candidate provider. failover is
// false for the first candidate of the pass and true for every later one,
// letting the caller swap the full history for a distilled one mid-pass.
type PrepareFunc func(p *provider.Provider, failover bool) (*provider.Request, error)

// Router walks the provider priority list. Safe for concurrent use,
// though the engine serializes turns above it.
type Router struct {
	mu        sync.Mutex
	endpoints []Endpoint
	ctrl      *retry.Controller
	sticky    int            // active list index; 0 is the primary
	failures  map[string]int // consecutive escalations per provider
}

// New creates a router over the given priority list.
func New(endpoints []Endpoint, ctrl *retry.Controller) *Router {
	if ctrl == nil {
		ctrl = retry.NewController(retry.DefaultConfig())
	}
	return &Router{endpoints: endpoints, ctrl: ctrl, failures: make(map[string]int)}
}

// Active returns the provider the next pass will start from.
func (r *Router) Active() *provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.endpoints) == 0 {
		return nil
	}
	return r.endpoints[r.sticky].Provider
}

// Providers returns the priority list in order. The slice is a copy; the
// provider values are shared and must not be mutated.
func (r *Router) Providers() []*provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*provider.Provider, len(r.endpoints))
	for i, ep := range r.endpoints {
		out[i] = ep.Provider
	}
	return out
}

// Reload swaps the priority list and resets stickiness and failure counts.
func (r *Router) Reload(endpoints []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = endpoints
	r.sticky = 0
	r.failures = make(map[string]int)
}

// Failures returns the consecutive escalation count per provider name.
func (r *Router) Failures() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.failures))
	for name, n := range r.failures {
		out[name] = n
	}
	return out
}

func (r *Router) noteFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name]++
}

func (r *Router) noteSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, name)
}

// pass snapshots the candidates for one walk: the active provider and
// everything after it in priority order.
func (r *Router) pass() (start int, eps []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sticky, append([]Endpoint(nil), r.endpoints...)
}

func (r *Router) setSticky(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < len(r.endpoints) {
		r.sticky = idx
	}
}

// Route runs one pass over the priority list. prepare is called once per
// candidate; each prepared request goes through the retry controller. The
// first success wins and its provider becomes the active one. Cancellation
// aborts the pass immediately.
func (r *Router) Route(ctx context.Context, prepare PrepareFunc) (*provider.Response, *provider.Provider, error) {
	start, eps := r.pass()
	if len(eps) == 0 {
		return nil, nil, ErrNoProviders
	}

	var failures []error
	for i := start; i < len(eps); i++ {
		ep := eps[i]

		req, err := prepare(ep.Provider, i != start)
		if err != nil {
			// Preparation failures (context overflow) are not a
			// provider problem; stop the pass.
			return nil, ep.Provider, err
		}

		resp, err := r.ctrl.Execute(ctx, ep.Transport, ep.Provider.Name, req)
		if err == nil {
			if i != start {
				log.Printf("ROUTER: failover succeeded, %s is now active", ep.Provider)
			}
			r.noteSuccess(ep.Provider.Name)
			r.setSticky(i)
			return resp, ep.Provider, nil
		}
		if ctx.Err() != nil {
			return nil, ep.Provider, ctx.Err()
		}

		log.Printf("ROUTER: %s escalated: %v", ep.Provider, err)
		r.noteFailure(ep.Provider.Name)
		failures = append(failures, err)
	}

	// Next turn starts over from the primary.
	r.setSticky(0)
	return nil, nil, &ExhaustedError{Errors: failures}
}
