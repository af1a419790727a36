package chaos

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchaos/chaosproxy/pkg/models"
)

func jsonResponse(body string) *models.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return models.NewResponse(200, h, []byte(body))
}

func TestDataCorruptionJSON(t *testing.T) {
	s, err := New(testCfg("corrupt", "data_corruption", nil))
	require.NoError(t, err)

	flow := testFlow(t, "GET", "http://api.test/flights", nil, nil)
	flow.Response = jsonResponse(`{"price": 99.99}`)

	applied, err := s.Apply(context.Background(), flow, PhaseResponse)
	require.NoError(t, err)
	assert.True(t, applied)

	var body map[string]any
	require.NoError(t, json.Unmarshal(flow.Response.Body, &body))
	assert.Equal(t, defaultCorruptionText, body["price"], "single terminal scalar gets replaced")
}

func TestDataCorruptionNested(t *testing.T) {
	s, err := New(testCfg("corrupt", "data_corruption", map[string]any{"corruption_text": "XXX"}))
	require.NoError(t, err)

	flow := testFlow(t, "GET", "http://api.test/flights", nil, nil)
	flow.Response = jsonResponse(`{"results":[{"id":"AA1"}]}`)

	applied, err := s.Apply(context.Background(), flow, PhaseResponse)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Contains(t, string(flow.Response.Body), "XXX")
}

func TestDataCorruptionNDJSON(t *testing.T) {
	s, err := New(testCfg("corrupt", "data_corruption", nil))
	require.NoError(t, err)

	lines := `{"seq":1}` + "\n" + `{"seq":2}` + "\n" + `{"seq":3}`
	flow := testFlow(t, "GET", "http://api.test/stream", nil, nil)
	flow.Response = jsonResponse(lines)

	applied, err := s.Apply(context.Background(), flow, PhaseResponse)
	require.NoError(t, err)
	assert.True(t, applied)

	out := strings.Split(string(flow.Response.Body), "\n")
	require.Len(t, out, 3, "line boundaries preserved")
	corrupted := 0
	for _, line := range out {
		if strings.Contains(line, defaultCorruptionText) {
			corrupted++
		}
	}
	assert.Equal(t, 1, corrupted, "exactly one line corrupted")
}

func TestDataCorruptionSkips(t *testing.T) {
	s, err := New(testCfg("corrupt", "data_corruption", nil))
	require.NoError(t, err)

	t.Run("non-json content type", func(t *testing.T) {
		flow := testFlow(t, "GET", "http://api.test/x", nil, nil)
		h := http.Header{}
		h.Set("Content-Type", "text/html")
		flow.Response = models.NewResponse(200, h, []byte("<html></html>"))
		applied, err := s.Apply(context.Background(), flow, PhaseResponse)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("unparseable body", func(t *testing.T) {
		flow := testFlow(t, "GET", "http://api.test/x", nil, nil)
		flow.Response = jsonResponse("not json at all")
		applied, err := s.Apply(context.Background(), flow, PhaseResponse)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("no response", func(t *testing.T) {
		flow := testFlow(t, "GET", "http://api.test/x", nil, nil)
		applied, err := s.Apply(context.Background(), flow, PhaseResponse)
		require.NoError(t, err)
		assert.False(t, applied)
	})
}
