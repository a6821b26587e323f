// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine composes the orchestration pipeline: one user turn flows
// through budget gating, history preparation, provider routing with retry
// and failover, and usage accounting.
//
// Turns are strictly serialized: a turn must complete, fail, or be
// cancelled before the next is accepted, so history is never mutated
// concurrently with an in-flight provider call. Session persistence is
// fire-and-forget; its failure is logged, never surfaced as a turn
// failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	plexirctx "github.com/plexir/plexir/internal/context"
	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/retry"
	"github.com/plexir/plexir/internal/router"
	"github.com/plexir/plexir/internal/session"
	"github.com/plexir/plexir/internal/telemetry"
	"github.com/plexir/plexir/internal/tokens"
)

// ErrTurnInFlight rejects a turn submitted while another is still running.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// =============================================================================
// ENGINE
// =============================================================================

// Options configures a new engine.
type Options struct {
	// Providers is the failover priority list, primary first.
	Providers []*provider.Provider

	// SystemPrompt is sent as system instructions with every request.
	SystemPrompt string

	// MaxTokens caps reply length. Zero means provider default.
	MaxTokens int

	// Budget is the session spend ceiling in USD. Zero disables the gate.
	Budget float64

	// Retry is the backoff policy shared by user turns and summarization.
	Retry retry.Config

	// Policy tunes history compression.
	Policy plexirctx.Policy

	// Store persists sessions. Nil disables persistence.
	Store *session.Store

	// Transport overrides the wire transport factory. Nil means the
	// real HTTP transports.
	Transport func(p *provider.Provider) provider.Transport
}

// Engine is the orchestration facade handed to the interactive surface.
type Engine struct {
	turnMu sync.Mutex

	ctrl    *retry.Controller
	rtr     *router.Router
	history *plexirctx.Manager
	ledger  *telemetry.Ledger
	store   *session.Store

	maxTokens int

	mu          sync.Mutex // guards sessionName and transports
	sessionName string
	transports  map[string]provider.Transport
	factory     func(p *provider.Provider) provider.Transport

	saves sync.WaitGroup
}

// New creates an engine over the given provider priority list.
func New(opts Options) (*Engine, error) {
	if len(opts.Providers) == 0 {
		return nil, router.ErrNoProviders
	}
	for _, p := range opts.Providers {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		ctrl:       retry.NewController(opts.Retry),
		history:    plexirctx.NewManager(opts.Policy),
		ledger:     telemetry.NewLedger(),
		store:      opts.Store,
		maxTokens:  opts.MaxTokens,
		transports: make(map[string]provider.Transport),
		factory:    opts.Transport,
	}
	if e.factory == nil {
		e.factory = newTransport
	}
	e.history.SetSystem(opts.SystemPrompt)
	e.ledger.SetCeiling(opts.Budget)
	e.rtr = router.New(e.buildEndpoints(opts.Providers), e.ctrl)
	return e, nil
}

func (e *Engine) buildEndpoints(provs []*provider.Provider) []router.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transports = make(map[string]provider.Transport, len(provs))

	eps := make([]router.Endpoint, len(provs))
	for i, p := range provs {
		t := e.factory(p)
		e.transports[p.Name] = t
		eps[i] = router.Endpoint{Provider: p, Transport: t}
	}
	return eps
}

func (e *Engine) transportFor(p *provider.Provider) provider.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[p.Name]
}

// =============================================================================
// TURN PIPELINE
// =============================================================================

// SubmitTurn runs one conversation turn: gate the budget, append the user
// message, prepare a budget-compliant list, route it across providers, and
// commit the response and its usage. A failed or cancelled turn rolls the
// user message back and records nothing.
func (e *Engine) SubmitTurn(ctx context.Context, text string) (*provider.Response, error) {
	if !e.turnMu.TryLock() {
		return nil, ErrTurnInFlight
	}
	defer e.turnMu.Unlock()

	if err := e.ledger.CheckBudget(); err != nil {
		return nil, err
	}

	userMsg := e.history.Append(model.NewUserMessage(text))
	system := e.history.System()

	var sentEstimate int
	resp, prov, err := e.rtr.Route(ctx, func(p *provider.Provider, failover bool) (*provider.Request, error) {
		var (
			msgs []*model.Message
			perr error
		)
		if failover {
			// A backup provider gets a distilled, recency-biased list;
			// no summarization round-trip on the failover path.
			msgs, perr = e.history.Distill(p, system)
		} else {
			msgs, perr = e.history.Prepare(ctx, p, &plexirctx.LLMSummarizer{
				Provider:   p,
				Transport:  e.transportFor(p),
				Controller: e.ctrl,
			})
		}
		if perr != nil {
			return nil, perr
		}
		sentEstimate = tokens.Estimate(system, msgs, p)
		return &provider.Request{
			ID:        uuid.NewString(),
			Model:     p.Model,
			System:    system,
			Messages:  msgs,
			MaxTokens: e.maxTokens,
		}, nil
	})
	if err != nil {
		e.history.Remove(userMsg.ID)
		return nil, err
	}

	reply := model.NewAssistantMessage(resp.Content)
	reply.ToolCall = resp.ToolCall
	e.history.Append(reply)

	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		in = sentEstimate
	}
	if out == 0 {
		out = tokens.EstimateText(resp.Content)
	}
	e.ledger.Record(prov, in, out)

	e.autosave()
	return resp, nil
}

// =============================================================================
// PINNING
// =============================================================================

// Pin exempts the message at seq from summarization and distillation.
func (e *Engine) Pin(seq int) error {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	return e.history.Pin(seq)
}

// Unpin restores the message's eligibility for summarization.
func (e *Engine) Unpin(seq int) error {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	return e.history.Unpin(seq)
}

// History returns a copy of the conversation so far.
func (e *Engine) History() []*model.Message {
	return e.history.Snapshot()
}

// =============================================================================
// CONFIGURATION SURFACE
// =============================================================================

// ReloadProviders atomically swaps the provider priority list and clears
// sticky routing, so the next turn starts from the new primary.
func (e *Engine) ReloadProviders(provs []*provider.Provider) error {
	if len(provs) == 0 {
		return router.ErrNoProviders
	}
	for _, p := range provs {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	e.rtr.Reload(e.buildEndpoints(provs))
	log.Printf("ENGINE: provider list reloaded, primary is %s", provs[0])
	return nil
}

// Providers returns the active priority list.
func (e *Engine) Providers() []*provider.Provider {
	return e.rtr.Providers()
}

// ActiveProvider returns the provider the next turn will start from.
func (e *Engine) ActiveProvider() *provider.Provider {
	return e.rtr.Active()
}

// SetBudget updates the session spend ceiling. Zero disables the gate.
func (e *Engine) SetBudget(usd float64) {
	e.ledger.SetCeiling(usd)
}

// Usage returns a snapshot of the session's accumulated usage.
func (e *Engine) Usage() telemetry.UsageSnapshot {
	return e.ledger.Snapshot()
}

// =============================================================================
// SESSIONS
// =============================================================================

// SaveSession persists the current history and usage under name, and makes
// name the current session for subsequent autosaves.
func (e *Engine) SaveSession(name string) error {
	if e.store == nil {
		return errors.New("session persistence is disabled")
	}
	if err := e.store.Save(e.snapshot(name)); err != nil {
		return err
	}
	e.setSessionName(name)
	return nil
}

// LoadSession replaces the live history and usage with the named snapshot.
func (e *Engine) LoadSession(name string) error {
	if e.store == nil {
		return errors.New("session persistence is disabled")
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	sess, err := e.store.Load(name)
	if err != nil {
		return err
	}
	e.history.Restore(sess.Messages)
	if sess.System != "" {
		e.history.SetSystem(sess.System)
	}
	e.ledger.Restore(sess.Usage)
	e.setSessionName(name)
	return nil
}

// Sessions lists saved sessions, most recent first.
func (e *Engine) Sessions() ([]session.Info, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.List()
}

// DeleteSession removes the named snapshot.
func (e *Engine) DeleteSession(name string) error {
	if e.store == nil {
		return fmt.Errorf("session %q: %w", name, session.ErrNotFound)
	}
	if err := e.store.Delete(name); err != nil {
		return err
	}
	e.mu.Lock()
	if e.sessionName == name {
		e.sessionName = ""
	}
	e.mu.Unlock()
	return nil
}

// Clear drops the conversation and zeroes the usage counters. The current
// session binding is released; saved snapshots are untouched.
func (e *Engine) Clear() {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	e.history.Clear()
	e.ledger.Reset()
	e.setSessionName("")
}

// Close waits for in-flight autosaves to finish.
func (e *Engine) Close() {
	e.saves.Wait()
}

func (e *Engine) setSessionName(name string) {
	e.mu.Lock()
	e.sessionName = name
	e.mu.Unlock()
}

func (e *Engine) snapshot(name string) *session.Session {
	return &session.Session{
		Name:     name,
		System:   e.history.System(),
		Messages: e.history.Snapshot(),
		Usage:    e.ledger.Snapshot(),
	}
}

// autosave persists the current session in the background. Failures are
// logged, never propagated: persistence must not block or fail a turn.
func (e *Engine) autosave() {
	e.mu.Lock()
	name := e.sessionName
	e.mu.Unlock()
	if name == "" || e.store == nil {
		return
	}

	snap := e.snapshot(name)
	e.saves.Add(1)
	go func() {
		defer e.saves.Done()
		if err := e.store.Save(snap); err != nil {
			log.Printf("ENGINE: autosave of %q failed: %v", name, err)
		}
	}()
}
