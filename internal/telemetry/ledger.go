// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry tracks token usage and estimated spend for the active
// session, and gates turns against an optional budget ceiling.
package telemetry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/plexir/plexir/internal/provider"
)

// ErrBudgetExceeded is returned by the pre-flight gate when the session's
// estimated spend has reached the configured ceiling. No provider is
// contacted once the gate trips.
var ErrBudgetExceeded = errors.New("session budget exceeded")

// =============================================================================
// USAGE SNAPSHOT
// =============================================================================

// UsageSnapshot is a point-in-time copy of the ledger.
type UsageSnapshot struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Requests     int     `json:"requests"`
	Cost         float64 `json:"cost"`
	Ceiling      float64 `json:"ceiling,omitempty"`
}

// String renders the snapshot for the /usage surface.
func (s UsageSnapshot) String() string {
	base := fmt.Sprintf("%d requests, %d in / %d out tokens, $%.4f",
		s.Requests, s.InputTokens, s.OutputTokens, s.Cost)
	if s.Ceiling > 0 {
		return fmt.Sprintf("%s of $%.2f budget", base, s.Ceiling)
	}
	return base
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger accumulates usage for one session. Increments are append-only and
// happen once per completed request; a cancelled or failed request records
// nothing. Zeroed on session clear, persisted with session save/load.
type Ledger struct {
	mu      sync.Mutex
	input   int
	output  int
	reqs    int
	cost    float64
	ceiling float64
}

// NewLedger creates an empty ledger with no ceiling.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record adds one completed request's usage, priced against p.
func (l *Ledger) Record(p *provider.Provider, inputTokens, outputTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.input += inputTokens
	l.output += outputTokens
	l.reqs++
	l.cost += p.Cost(inputTokens, outputTokens)
}

// SetCeiling sets the budget ceiling in USD. Zero disables the gate.
func (l *Ledger) SetCeiling(usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ceiling = usd
}

// CheckBudget is the pre-flight gate: ErrBudgetExceeded when a nonzero
// ceiling is configured and the estimated spend has reached it.
func (l *Ledger) CheckBudget() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ceiling > 0 && l.cost >= l.ceiling {
		return fmt.Errorf("spent $%.4f of $%.2f: %w", l.cost, l.ceiling, ErrBudgetExceeded)
	}
	return nil
}

// Snapshot returns a copy of the current counters.
func (l *Ledger) Snapshot() UsageSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return UsageSnapshot{
		InputTokens:  l.input,
		OutputTokens: l.output,
		Requests:     l.reqs,
		Cost:         l.cost,
		Ceiling:      l.ceiling,
	}
}

// Restore replaces the counters from a persisted snapshot (session load).
// The ceiling is live configuration, not session state, and is preserved.
func (l *Ledger) Restore(s UsageSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.input = s.InputTokens
	l.output = s.OutputTokens
	l.reqs = s.Requests
	l.cost = s.Cost
}

// Reset zeroes the counters, keeping the ceiling.
func (l *Ledger) Reset() {
	l.Restore(UsageSnapshot{})
}
