package chaos

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchaos/chaosproxy/pkg/models"
)

func TestLatencyStrategy(t *testing.T) {
	s, err := New(testCfg("slow", "latency", map[string]any{"delay": 0.02}))
	require.NoError(t, err)
	flow := testFlow(t, "GET", "http://api.test/x", nil, nil)

	start := time.Now()
	applied, err := s.Apply(context.Background(), flow, PhaseRequest)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, []string{"slow"}, flow.Applied())

	t.Run("response phase is a no-op", func(t *testing.T) {
		applied, err := s.Apply(context.Background(), flow, PhaseResponse)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("cancellation interrupts the sleep", func(t *testing.T) {
		slow, err := New(testCfg("very-slow", "latency", map[string]any{"delay": 30}))
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = slow.Apply(ctx, flow, PhaseRequest)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestErrorStrategy(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantReason string
	}{
		{"default 500", 500, "Internal Server Error"},
		{"unavailable", 503, "Service Unavailable"},
		{"rate limited", 429, "Too Many Requests"},
		{"custom code", 418, "Chaos Injection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(testCfg("err", "error", map[string]any{"error_code": tt.code}))
			require.NoError(t, err)

			flow := testFlow(t, "GET", "http://api.test/x", nil, nil)
			flow.Response = models.NewResponse(200, http.Header{}, []byte("upstream body"))

			applied, err := s.Apply(context.Background(), flow, PhaseResponse)
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, tt.code, flow.Response.StatusCode)
			assert.Equal(t, "application/json", flow.Response.ContentType())
			assert.Equal(t, tt.wantReason, errorReason(tt.code))

			var body map[string]any
			require.NoError(t, json.Unmarshal(flow.Response.Body, &body))
			assert.Equal(t, "Chaos injection: Simulated server error", body["error"])
			assert.Equal(t, float64(tt.code), body["code"])
			assert.Equal(t, "chaos_engineering", body["type"])
		})
	}
}
