// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package context owns the ordered conversation history and keeps every
// prepared request inside the target provider's token budget.
//
// Three mechanisms cooperate:
//
//   - Rolling summarization folds the oldest unpinned messages into a
//     single synthetic summary message, regenerated wholesale on each
//     pass. Short conversations are never summarized.
//   - Pinning exempts individual messages from summarization and
//     distillation. Pinned content is never dropped silently; if it
//     cannot fit, the turn fails with ErrContextOverflow.
//   - Distillation builds a reduced, recency-biased list for a backup
//     provider after failover, without mutating stored history.
//
// The manager mutates history only between provider calls; the engine's
// turn lock guarantees no two turns touch the same history concurrently.
package context
