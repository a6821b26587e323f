// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversation messages.
//
// A Message is immutable once appended to history, except for the Pinned
// flag and wholesale replacement during rolling summarization. Messages
// carry a monotonically increasing sequence index assigned by the history
// owner; no other component retains message references across turns.
package model
