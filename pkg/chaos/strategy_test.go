package chaos

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
)

func testFlow(t *testing.T, method, rawURL string, body []byte, headers map[string]string) *models.Flow {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &models.Flow{
		Request: &models.Request{Method: method, URL: u, Header: h, Body: body},
	}
}

func testCfg(name, kind string, params map[string]any) config.LegacyStrategy {
	if params == nil {
		params = map[string]any{}
	}
	return config.LegacyStrategy{
		Name:        name,
		Type:        kind,
		Enabled:     true,
		Probability: 1.0,
		Params:      params,
	}
}

func passthrough(ctx context.Context, flow *models.Flow) (bool, error) {
	return true, nil
}

func TestShouldTrigger(t *testing.T) {
	t.Run("no patterns matches everything", func(t *testing.T) {
		b, err := newBase(testCfg("all", "latency", nil), PhaseRequest, passthrough)
		require.NoError(t, err)
		assert.True(t, b.ShouldTrigger(testFlow(t, "GET", "http://anything.test/x", nil, nil)))
	})

	t.Run("url pattern gates", func(t *testing.T) {
		b, err := newBase(testCfg("scoped", "latency", map[string]any{"url_pattern": `.*api\.test.*`}), PhaseRequest, passthrough)
		require.NoError(t, err)
		assert.True(t, b.ShouldTrigger(testFlow(t, "GET", "http://api.test/x", nil, nil)))
		assert.False(t, b.ShouldTrigger(testFlow(t, "GET", "http://other.test/x", nil, nil)))
	})

	t.Run("role pattern matches role header", func(t *testing.T) {
		b, err := newBase(testCfg("roled", "latency", map[string]any{"target_role": "worker"}), PhaseRequest, passthrough)
		require.NoError(t, err)
		assert.True(t, b.ShouldTrigger(testFlow(t, "GET", "http://x.test/", nil,
			map[string]string{"X-Agent-Role": "worker"})))
		assert.False(t, b.ShouldTrigger(testFlow(t, "GET", "http://x.test/", nil, nil)))
	})

	t.Run("invalid url pattern fails construction", func(t *testing.T) {
		_, err := newBase(testCfg("bad", "latency", map[string]any{"url_pattern": "["}), PhaseRequest, passthrough)
		assert.Error(t, err)
	})
}

func TestApplyGating(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled never fires", func(t *testing.T) {
		cfg := testCfg("off", "latency", nil)
		cfg.Enabled = false
		b, err := newBase(cfg, PhaseRequest, passthrough)
		require.NoError(t, err)
		applied, err := b.Apply(ctx, testFlow(t, "GET", "http://x.test/", nil, nil), PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("wrong phase skips without running the body", func(t *testing.T) {
		ran := 0
		inject := func(ctx context.Context, flow *models.Flow) (bool, error) {
			ran++
			return true, nil
		}
		b, err := newBase(testCfg("req-only", "latency", nil), PhaseRequest, inject)
		require.NoError(t, err)
		applied, err := b.Apply(ctx, testFlow(t, "GET", "http://x.test/", nil, nil), PhaseResponse)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Zero(t, ran, "phase mismatch is a skip, the body must not run")
	})

	t.Run("probability zero never fires", func(t *testing.T) {
		cfg := testCfg("never", "latency", nil)
		cfg.Probability = 0.0
		b, err := newBase(cfg, PhaseRequest, passthrough)
		require.NoError(t, err)
		for range 20 {
			applied, err := b.Apply(ctx, testFlow(t, "GET", "http://x.test/", nil, nil), PhaseRequest)
			require.NoError(t, err)
			assert.False(t, applied)
		}
	})

	t.Run("probability one always fires and dedups applied names", func(t *testing.T) {
		b, err := newBase(testCfg("always", "latency", nil), PhaseRequest, passthrough)
		require.NoError(t, err)
		flow := testFlow(t, "GET", "http://x.test/", nil, nil)
		for range 3 {
			applied, err := b.Apply(ctx, flow, PhaseRequest)
			require.NoError(t, err)
			assert.True(t, applied)
		}
		assert.Equal(t, []string{"always"}, flow.Applied())
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	b, err := newBase(testCfg("fragile", "latency", nil), PhaseRequest,
		func(ctx context.Context, flow *models.Flow) (bool, error) {
			return false, boom
		})
	require.NoError(t, err)
	flow := testFlow(t, "GET", "http://x.test/", nil, nil)

	for i := 0; i < breakerFailMax; i++ {
		_, err := b.Apply(ctx, flow, PhaseRequest)
		assert.ErrorIs(t, err, boom, "failure %d propagates", i)
	}

	// Circuit is open now: calls are skipped, not errored.
	applied, err := b.Apply(ctx, flow, PhaseRequest)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, flow.Applied())
}

func TestFactory(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := New(testCfg("x", "no_such_strategy", nil))
		assert.Error(t, err)
	})

	t.Run("all built-in tags construct", func(t *testing.T) {
		kinds := map[string]map[string]any{
			"latency":          nil,
			"error":            nil,
			"data_corruption":  nil,
			"semantic":         nil,
			"mcp_fuzzing":      nil,
			"hallucination":    nil,
			"context_overflow": {"token_count": 10},
			"prompt_injection": nil,
			"phantom_document": nil,
			"rag_poisoning":    nil,
			"group_chaos":      {"target_role": "worker"},
			"group_failure":    {"target_role": "worker"},
			"swarm_disruption": nil,
			"simple_log":       nil,
		}
		for kind, params := range kinds {
			t.Run(kind, func(t *testing.T) {
				s, err := New(testCfg("s-"+kind, kind, params))
				require.NoError(t, err)
				assert.Equal(t, "s-"+kind, s.Name())
				assert.True(t, s.Enabled())
			})
		}
	})

	t.Run("register extension point", func(t *testing.T) {
		Register("custom_noop", func(cfg config.LegacyStrategy) (Strategy, error) {
			b, err := newBase(cfg, phaseAny, passthrough)
			if err != nil {
				return nil, err
			}
			return struct{ *base }{b}, nil
		})
		s, err := New(testCfg("mine", "custom_noop", nil))
		require.NoError(t, err)
		applied, err := s.Apply(context.Background(), testFlow(t, "GET", "http://x.test/", nil, nil), PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
	})
}

func TestFromPlanSkipsUnbuildableScenarios(t *testing.T) {
	enabled := true
	plan := &config.Plan{
		Scenarios: []config.Scenario{
			{Name: "good", Type: "latency", Enabled: &enabled},
			{Name: "bad", Type: "group_chaos", Enabled: &enabled}, // missing target_role
			{Name: "unknown", Type: "martian", Enabled: &enabled},
		},
	}
	strategies := FromPlan(plan)
	require.Len(t, strategies, 1)
	assert.Equal(t, "good", strategies[0].Name())
}

func TestAgentRoleExtraction(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		meta    map[string]string
		want    string
	}{
		{"metadata wins", map[string]string{"X-Agent-Role": "header-role"}, map[string]string{"agent_role": "meta-role"}, "meta-role"},
		{"x-agent-role header", map[string]string{"X-Agent-Role": "qa"}, nil, "qa"},
		{"agent-role header", map[string]string{"Agent-Role": "dev"}, nil, "dev"},
		{"user agent fallback", map[string]string{"User-Agent": "swarm/1.0 role=planner extra"}, nil, "planner"},
		{"no role", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := testFlow(t, "GET", "http://x.test/", nil, tt.headers)
			for k, v := range tt.meta {
				flow.SetMeta(k, v)
			}
			assert.Equal(t, tt.want, agentRole(flow))
		})
	}
}
