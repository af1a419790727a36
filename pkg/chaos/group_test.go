package chaos

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchaos/chaosproxy/pkg/models"
)

func TestGroupChaosRequiresRole(t *testing.T) {
	_, err := New(testCfg("g", "group_chaos", nil))
	assert.Error(t, err)

	_, err = New(testCfg("g", "group_chaos", map[string]any{
		"target_role": "QAEngineer",
		"action":      "teleport",
	}))
	assert.Error(t, err, "unknown action rejected")
}

func TestGroupChaosActions(t *testing.T) {
	roleHeaders := map[string]string{"X-Agent-Role": "QAEngineer"}

	t.Run("latency", func(t *testing.T) {
		s, err := New(testCfg("g", "group_chaos", map[string]any{
			"target_role": "QAEngineer",
			"action":      "latency",
			"delay":       0.02,
		}))
		require.NoError(t, err)

		flow := testFlow(t, "POST", "http://agents.test/task", nil, roleHeaders)
		start := time.Now()
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("error synthesizes response", func(t *testing.T) {
		s, err := New(testCfg("g", "group_chaos", map[string]any{
			"target_role": "QAEngineer",
			"action":      "error",
			"error_code":  502,
		}))
		require.NoError(t, err)

		flow := testFlow(t, "POST", "http://agents.test/task", nil, roleHeaders)
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
		require.NotNil(t, flow.Response)
		assert.True(t, flow.Synthesized)
		assert.Equal(t, 502, flow.Response.StatusCode)
		assert.Equal(t, "Chaos Injection: Group-based error", string(flow.Response.Body))
	})

	t.Run("error overwrites existing response", func(t *testing.T) {
		s, err := New(testCfg("g", "group_chaos", map[string]any{
			"target_role": "QAEngineer",
			"action":      "error",
		}))
		require.NoError(t, err)

		flow := testFlow(t, "POST", "http://agents.test/task", nil, roleHeaders)
		flow.Response = models.NewResponse(200, http.Header{}, []byte("fine"))
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.False(t, flow.Synthesized)
		assert.Equal(t, 500, flow.Response.StatusCode)
	})

	t.Run("disable", func(t *testing.T) {
		s, err := New(testCfg("g", "group_chaos", map[string]any{
			"target_role": "QAEngineer",
			"action":      "disable",
		}))
		require.NoError(t, err)

		flow := testFlow(t, "POST", "http://agents.test/task", nil, roleHeaders)
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
		require.NotNil(t, flow.Response)
		assert.Equal(t, 503, flow.Response.StatusCode)
		assert.Equal(t, "60", flow.Response.Header.Get("Retry-After"))
	})

	t.Run("other role untouched", func(t *testing.T) {
		s, err := New(testCfg("g", "group_chaos", map[string]any{
			"target_role": "QAEngineer",
			"action":      "disable",
		}))
		require.NoError(t, err)

		flow := testFlow(t, "POST", "http://agents.test/task", nil,
			map[string]string{"X-Agent-Role": "Developer"})
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Nil(t, flow.Response)
	})
}

func TestGroupFailure(t *testing.T) {
	s, err := New(testCfg("down", "group_failure", map[string]any{"target_role": "QAEngineer"}))
	require.NoError(t, err)

	t.Run("matching role gets 503", func(t *testing.T) {
		flow := testFlow(t, "POST", "http://agents.test/task", nil,
			map[string]string{"Agent-Role": "QAEngineer"})
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
		require.NotNil(t, flow.Response)
		assert.Equal(t, 503, flow.Response.StatusCode)
		assert.Equal(t, "300", flow.Response.Header.Get("Retry-After"))
		assert.Equal(t, "Group failure: QAEngineer", flow.Response.Header.Get("X-Chaos-Reason"))
		assert.Equal(t, "Service Unavailable: Group failure - QAEngineer", string(flow.Response.Body))
	})

	t.Run("metadata role is not enough", func(t *testing.T) {
		// Group failure reads the role headers only.
		flow := testFlow(t, "POST", "http://agents.test/task", nil, nil)
		flow.SetMeta("agent_role", "QAEngineer")
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
	})
}
