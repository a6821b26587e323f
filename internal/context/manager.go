// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/provider"
	"github.com/plexir/plexir/internal/tokens"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrContextOverflow means pinned content alone cannot fit the target
	// provider's budget, even after summarization. Never silently truncated.
	ErrContextOverflow = errors.New("pinned content exceeds the provider's context budget")

	// ErrNotFound is returned by Pin/Unpin for an unknown sequence index.
	ErrNotFound = errors.New("message not found")

	// ErrSummarizationFailed marks a failed condensation call. Prepare does
	// not surface it; the unreduced list is sent and the real send error
	// reaches the caller instead.
	ErrSummarizationFailed = errors.New("summarization request failed")
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the compression tuning knobs. All values are counts of
// unpinned messages.
type Policy struct {
	// SummarizeThreshold is the minimum number of unpinned messages
	// before summarization may fire. Conversations below it are never
	// summarized, even over budget.
	SummarizeThreshold int

	// SummarizeBatch caps how many messages one pass folds into the
	// summary.
	SummarizeBatch int

	// KeepRecent is the tail of unpinned messages a pass always leaves
	// intact.
	KeepRecent int

	// DistillRecent is the starting window of recent unpinned messages
	// kept when distilling for a backup provider. Shrunk further if the
	// reduced list still exceeds the distillation target.
	DistillRecent int
}

// DefaultPolicy returns the default compression policy.
func DefaultPolicy() Policy {
	return Policy{
		SummarizeThreshold: 40,
		SummarizeBatch:     20,
		KeepRecent:         10,
		DistillRecent:      12,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.SummarizeThreshold <= 0 {
		p.SummarizeThreshold = def.SummarizeThreshold
	}
	if p.SummarizeBatch <= 0 {
		p.SummarizeBatch = def.SummarizeBatch
	}
	if p.KeepRecent < 0 {
		p.KeepRecent = def.KeepRecent
	}
	if p.DistillRecent <= 0 {
		p.DistillRecent = def.DistillRecent
	}
	return p
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns one session's conversation history.
type Manager struct {
	mu      sync.Mutex
	policy  Policy
	system  string
	msgs    []*model.Message
	nextSeq int
}

// NewManager creates a history manager with the given policy.
func NewManager(policy Policy) *Manager {
	return &Manager{policy: policy.normalized()}
}

// SetSystem sets the system instructions sent with every request.
func (m *Manager) SetSystem(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = s
}

// System returns the current system instructions.
func (m *Manager) System() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// Append adds msg to history, assigning the next sequence index, and
// returns it.
func (m *Manager) Append(msg *model.Message) *model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Seq = m.nextSeq
	m.nextSeq++
	m.msgs = append(m.msgs, msg)
	return msg
}

// Remove deletes the message with the given ID. Used to roll back a user
// message when its turn fails or is cancelled before any response commits.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.msgs {
		if msg.ID == id {
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			return
		}
	}
}

// Len returns the number of messages in history.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// Snapshot returns a deep copy of the history in order.
func (m *Manager) Snapshot() []*model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.msgs)
}

// Restore replaces the history wholesale (session load).
func (m *Manager) Restore(msgs []*model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = cloneAll(msgs)
	m.nextSeq = 0
	for _, msg := range m.msgs {
		if msg.Seq >= m.nextSeq {
			m.nextSeq = msg.Seq + 1
		}
	}
}

// Clear drops all history and system instructions.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = nil
	m.nextSeq = 0
}

// Pin marks the message at the given sequence index as exempt from
// summarization and distillation. Idempotent. The summary message itself
// cannot be pinned.
func (m *Manager) Pin(seq int) error {
	return m.setPinned(seq, true)
}

// Unpin clears the pinned flag, restoring the message's eligibility for
// summarization. Idempotent.
func (m *Manager) Unpin(seq int) error {
	return m.setPinned(seq, false)
}

func (m *Manager) setPinned(seq int, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		if msg.Seq != seq {
			continue
		}
		if msg.Summary {
			return fmt.Errorf("message %d is the rolling summary: %w", seq, ErrNotFound)
		}
		msg.Pinned = pinned
		return nil
	}
	return fmt.Errorf("message %d: %w", seq, ErrNotFound)
}

func cloneAll(msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	return out
}

// =============================================================================
// PREPARE (budget enforcement)
// =============================================================================

// Prepare returns a message list guaranteed, modulo estimator error, to fit
// p's token budget. Under budget the full history is returned unchanged.
// Over budget the oldest unpinned run is folded into the rolling summary,
// one batch per pass, via s; conversations shorter than the threshold are
// never summarized. If pinned content still cannot fit, ErrContextOverflow
// is returned. A failed summarization call is logged and the unreduced
// list returned, so the send fails with its own natural error instead.
func (m *Manager) Prepare(ctx context.Context, p *provider.Provider, s Summarizer) ([]*model.Message, error) {
	budget := p.Budget()

	for {
		m.mu.Lock()
		est := tokens.Estimate(m.system, m.msgs, p)
		if est <= budget {
			out := cloneAll(m.msgs)
			m.mu.Unlock()
			return out, nil
		}
		run, prior := m.summarizableRunLocked()
		m.mu.Unlock()

		if len(run) == 0 {
			return nil, fmt.Errorf("%d estimated tokens against a budget of %d: %w", est, budget, ErrContextOverflow)
		}

		synopsis, err := s.Summarize(ctx, prior, run)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("CONTEXT: %v: %v", ErrSummarizationFailed, err)
			return m.Snapshot(), nil
		}

		m.applySummary(run, synopsis)
	}
}

// summarizableRunLocked selects the contiguous run of oldest unpinned,
// non-summary messages for the next pass, plus the current summary text.
// Empty when the conversation is below the threshold or the recent tail
// would be consumed.
func (m *Manager) summarizableRunLocked() (run []*model.Message, prior string) {
	var unpinned []*model.Message
	for _, msg := range m.msgs {
		if msg.Summary {
			prior = msg.Content
			continue
		}
		if !msg.Pinned {
			unpinned = append(unpinned, msg)
		}
	}
	if len(unpinned) < m.policy.SummarizeThreshold {
		return nil, prior
	}

	n := len(unpinned) - m.policy.KeepRecent
	if n > m.policy.SummarizeBatch {
		n = m.policy.SummarizeBatch
	}
	if n <= 0 {
		return nil, prior
	}
	return unpinned[:n], prior
}

// applySummary removes the summarized run and the old summary message, and
// inserts the regenerated summary at the position of the oldest removed
// message. Pinned messages never move; the summary stays the oldest
// non-pinned entry.
func (m *Manager) applySummary(run []*model.Message, synopsis string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make(map[string]bool, len(run))
	for _, msg := range run {
		removed[msg.ID] = true
	}

	insertAt := -1
	insertSeq := 0
	kept := m.msgs[:0]
	for _, msg := range m.msgs {
		if msg.Summary || removed[msg.ID] {
			if insertAt < 0 {
				insertAt = len(kept)
				insertSeq = msg.Seq
			}
			continue
		}
		kept = append(kept, msg)
	}
	if insertAt < 0 {
		insertAt = 0
	}

	summary := model.NewSummaryMessage(synopsis)
	summary.Seq = insertSeq

	m.msgs = append(kept, nil)
	copy(m.msgs[insertAt+1:], m.msgs[insertAt:])
	m.msgs[insertAt] = summary

	log.Printf("CONTEXT: summarized %d messages into %d chars", len(run), len(synopsis))
}

// =============================================================================
// DISTILL (failover path)
// =============================================================================

// distillFraction bounds the distilled list well under the backup
// provider's budget, leaving generous room for the reply.
const distillFraction = 2

// Distill builds the reduced list handed to a backup provider after
// failover: all pinned messages, the rolling summary if present, and only
// the most recent unpinned messages, shrunk until the estimate sits under
// half of p's budget. History is not mutated. If pinned content alone
// still overflows, ErrContextOverflow is returned.
func (m *Manager) Distill(p *provider.Provider, system string) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := p.Budget() / distillFraction

	for keep := m.policy.DistillRecent; keep >= 0; keep-- {
		list := m.distilledLocked(keep)
		if tokens.Estimate(system, list, p) <= target {
			return cloneAll(list), nil
		}
	}

	base := m.distilledLocked(0)
	est := tokens.Estimate(system, base, p)
	if est <= p.Budget() {
		// Pinned plus summary fits the raw budget even though it misses
		// the distillation target; send it rather than fail the turn.
		return cloneAll(base), nil
	}
	return nil, fmt.Errorf("%d estimated tokens against a budget of %d: %w", est, p.Budget(), ErrContextOverflow)
}

// distilledLocked composes pinned messages, the summary, and the last keep
// unpinned messages, preserving history order.
func (m *Manager) distilledLocked(keep int) []*model.Message {
	unpinned := 0
	for _, msg := range m.msgs {
		if !msg.Pinned && !msg.Summary {
			unpinned++
		}
	}
	drop := unpinned - keep

	out := make([]*model.Message, 0, len(m.msgs))
	for _, msg := range m.msgs {
		if msg.Pinned || msg.Summary {
			out = append(out, msg)
			continue
		}
		if drop > 0 {
			drop--
			continue
		}
		out = append(out, msg)
	}
	return out
}
