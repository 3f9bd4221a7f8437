package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
)

func TestMockModel_CannedResponses(t *testing.T) {
	m := NewMockModel("test-model")
	m.AddResponse("hello", "hi there")

	resp, err := m.Invoke(context.Background(), Request{
		Messages: []core.Message{core.NewUserMessage("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)

	// Unknown prompts still produce a deterministic fallback.
	resp, err = m.Invoke(context.Background(), Request{
		Messages: []core.Message{core.NewUserMessage("unknown")},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "unknown")
}

func TestMockModel_ScriptTakesPrecedence(t *testing.T) {
	m := NewMockModel("test-model")
	m.AddResponse("hello", "canned")
	m.Enqueue(Response{ToolCalls: []core.ToolCallRequest{{ID: "c1", Name: "add"}}})
	m.Enqueue(Response{Content: "done"})

	req := Request{Messages: []core.Message{core.NewUserMessage("hello")}}

	first, err := m.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 1)
	assert.Equal(t, "tool_calls", first.FinishReason)

	second, err := m.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done", second.Content)
	assert.Equal(t, "stop", second.FinishReason)

	// Script exhausted; canned answers resume.
	third, err := m.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "canned", third.Content)
}

func TestMockModel_RespectsContext(t *testing.T) {
	m := NewMockModel("test-model")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Invoke(ctx, Request{Messages: []core.Message{core.NewUserMessage("x")}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockModel_Info(t *testing.T) {
	m := NewMockModel("test-model")
	info := m.Info()
	assert.Equal(t, "test-model", info.Name)
	assert.Equal(t, "mock", info.Provider)
	assert.True(t, info.SupportsTools)
}
