// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// =============================================================================
// TOOL CALL PAYLOAD
// =============================================================================

// ToolCall is the opaque tool-call payload attached to an assistant message.
// The engine never parses or executes it; it is carried through history and
// handed back to the surrounding application.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content  string    `json:"content"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Pinned messages are exempt from summarization and distillation.
	Pinned bool `json:"pinned,omitempty"`

	// Summary marks the synthetic rolling summary maintained by the
	// context manager. At most one summary message exists per history;
	// it is regenerated wholesale, never appended to, and never pinned.
	Summary bool `json:"summary,omitempty"`
}

// NewMessage creates a new message with a generated ID.
// The sequence index is assigned by the history owner on append.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        "msg_" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) *Message {
	return NewMessage(RoleAssistant, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewSummaryMessage creates the synthetic rolling summary message.
func NewSummaryMessage(content string) *Message {
	m := NewMessage(RoleSystem, content)
	m.Summary = true
	return m
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// Clone returns a copy of the message. The tool-call payload is copied so
// callers cannot mutate history through a returned snapshot.
func (m *Message) Clone() *Message {
	c := *m
	if m.ToolCall != nil {
		tc := *m.ToolCall
		tc.Args = append(json.RawMessage(nil), m.ToolCall.Args...)
		c.ToolCall = &tc
	}
	return &c
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content and no tool call.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.ToolCall == nil
}
