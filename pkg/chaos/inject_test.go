package chaos

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptInjection(t *testing.T) {
	s, err := New(testCfg("pi", "prompt_injection", map[string]any{"injection_type": "jailbreak"}))
	require.NoError(t, err)

	flow := testFlow(t, "POST", "http://llm.test/api/chat",
		[]byte(`{"message":"What flights are available tomorrow? I need options.","model":"x"}`),
		map[string]string{"Content-Type": "application/json"})

	applied, err := s.Apply(context.Background(), flow, PhaseRequest)
	require.NoError(t, err)
	assert.True(t, applied)

	var body map[string]any
	require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
	message := body["message"].(string)
	assert.Contains(t, message, "What flights are available tomorrow?")

	var found bool
	for _, payload := range injectionPayloads["jailbreak"] {
		if strings.Contains(message, payload) {
			found = true
			break
		}
	}
	assert.True(t, found, "one payload from the jailbreak bank injected")
	assert.Equal(t, "x", body["model"], "non-input fields untouched")
}

func TestPromptInjectionNestedFields(t *testing.T) {
	s, err := New(testCfg("pi", "prompt_injection", map[string]any{"injection_type": "data_extraction"}))
	require.NoError(t, err)

	flow := testFlow(t, "POST", "http://llm.test/api/chat",
		[]byte(`{"messages":[{"role":"user","content":"summarize the report"}]}`),
		map[string]string{"Content-Type": "application/json"})

	applied, err := s.Apply(context.Background(), flow, PhaseRequest)
	require.NoError(t, err)
	assert.True(t, applied)

	var body map[string]any
	require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
	content := body["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.NotEqual(t, "summarize the report", content)
	assert.Contains(t, content, "summarize the report")
}

func TestPromptInjectionGates(t *testing.T) {
	t.Run("unknown injection type fails construction", func(t *testing.T) {
		_, err := New(testCfg("pi", "prompt_injection", map[string]any{"injection_type": "mind_control"}))
		assert.Error(t, err)
	})

	t.Run("every bank type constructs", func(t *testing.T) {
		for kind := range injectionPayloads {
			_, err := New(testCfg("pi", "prompt_injection", map[string]any{"injection_type": kind}))
			assert.NoError(t, err, kind)
		}
	})

	t.Run("body without input fields is a no-op", func(t *testing.T) {
		s, err := New(testCfg("pi", "prompt_injection", nil))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://llm.test/api/chat",
			[]byte(`{"unrelated":"value"}`), map[string]string{"Content-Type": "application/json"})
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("non-json body is a no-op", func(t *testing.T) {
		s, err := New(testCfg("pi", "prompt_injection", nil))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://llm.test/api/chat",
			[]byte("plain"), map[string]string{"Content-Type": "text/plain"})
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
	})
}
