// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plexir/plexir/internal/model"
)

func TestEstimateTextRoundsUp(t *testing.T) {
	assert.Equal(t, 0, EstimateText(""))
	assert.Equal(t, 1, EstimateText("a"))
	assert.Equal(t, 1, EstimateText("abcd"))
	assert.Equal(t, 2, EstimateText("abcde"))
	assert.Equal(t, 25, EstimateText(strings.Repeat("x", 100)))
}

func TestEstimateMessageIncludesFramingAndToolCall(t *testing.T) {
	plain := model.NewUserMessage("abcd")
	assert.Equal(t, 1+messageOverhead, EstimateMessage(plain))

	withTool := model.NewAssistantMessage("")
	withTool.ToolCall = &model.ToolCall{Name: "read", Args: []byte(`{"path":"x"}`)}
	assert.Greater(t, EstimateMessage(withTool), EstimateMessage(model.NewAssistantMessage("")))
}

func TestEstimateMonotonicInLengthAndCount(t *testing.T) {
	short := []*model.Message{model.NewUserMessage("hi")}
	long := []*model.Message{model.NewUserMessage(strings.Repeat("hi", 200))}
	more := append([]*model.Message{}, short[0], model.NewUserMessage("hi again"))

	assert.LessOrEqual(t, Estimate("", short, nil), Estimate("", long, nil))
	assert.Less(t, Estimate("", short, nil), Estimate("", more, nil))
	assert.Less(t, Estimate("", short, nil), Estimate("system text", short, nil))
}

func TestEstimateIncludesReplyPriming(t *testing.T) {
	assert.Equal(t, replyPriming, Estimate("", nil, nil))
}
