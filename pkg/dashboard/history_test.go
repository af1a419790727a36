package dashboard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"timestamp":"2026-08-25T10:00:00Z","method":"POST","url":"https://api.openai.com/v1/chat/completions","status_code":200,"chaos_applied":null,"tool_name":"llm_request","fuzzed":false,"agent_role":"Planner","traffic_type":"LLM_API","traffic_subtype":""}
{"timestamp":"2026-08-25T10:00:01Z","method":"GET","url":"http://tools.local/search_flights?q=SFO","status_code":503,"chaos_applied":"slow-start,break-things","tool_name":"search_flights","fuzzed":false,"agent_role":"","traffic_type":"TOOL_CALL","traffic_subtype":""}
{"timestamp":"2026-08-25T10:00:02Z","method":"POST","url":"http://agents.local/worker-2/inbox","status_code":200,"chaos_applied":null,"tool_name":null,"fuzzed":true,"agent_role":"supervisor","traffic_type":"AGENT_TO_AGENT","traffic_subtype":"WORKER_COMMUNICATION"}
`

func writeRun(t *testing.T, runsDir, runID, log string) {
	t.Helper()
	dir := filepath.Join(runsDir, runID, "logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy.log"), []byte(log), 0o644))
}

func TestHistory_ListRuns(t *testing.T) {
	runsDir := t.TempDir()
	writeRun(t, runsDir, "20260825_100000", sampleLog)
	writeRun(t, runsDir, "20260824_090000", sampleLog)
	// A directory without a log is not a run.
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, "scratch"), 0o755))

	h := NewHistory(runsDir)
	runs, err := h.ListRuns()
	require.NoError(t, err)

	require.Len(t, runs, 2)
	assert.Equal(t, "20260825_100000", runs[0].ID, "newest run listed first")
	assert.Equal(t, 3, runs[0].Requests)
	assert.Equal(t, "2026-08-25T10:00:00Z", runs[0].Started)
}

func TestHistory_ListRunsMissingDir(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "nope"))
	runs, err := h.ListRuns()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHistory_Summary(t *testing.T) {
	runsDir := t.TempDir()
	writeRun(t, runsDir, "run1", sampleLog)

	h := NewHistory(runsDir)
	s, err := h.Summary("run1")
	require.NoError(t, err)

	assert.Equal(t, 3, s.Requests)
	assert.Equal(t, 1, s.ChaosInjected)
	assert.Equal(t, 1, s.Fuzzed)
	assert.Equal(t, map[string]int{"slow-start": 1, "break-things": 1}, s.ByStrategy)
	assert.Equal(t, map[string]int{"2xx": 2, "5xx": 1}, s.ByStatusClass)
	assert.Equal(t, map[string]int{"LLM_API": 1, "TOOL_CALL": 1, "AGENT_TO_AGENT": 1}, s.ByTrafficType)
	assert.Equal(t, map[string]int{"llm_request": 1, "search_flights": 1}, s.ByTool)
	assert.Equal(t, "2026-08-25T10:00:00Z", s.FirstTimestamp)
	assert.Equal(t, "2026-08-25T10:00:02Z", s.LastTimestamp)
	assert.Nil(t, s.AgentMetrics)
}

func TestHistory_SummaryMergesAgentMetrics(t *testing.T) {
	runsDir := t.TempDir()
	writeRun(t, runsDir, "run1", sampleLog)
	metrics := `{"total_tokens": 1234, "ttft_avg_seconds": 0.42}`
	require.NoError(t, os.WriteFile(
		filepath.Join(runsDir, "run1", "logs", "agent_metrics.json"), []byte(metrics), 0o644))

	h := NewHistory(runsDir)
	s, err := h.Summary("run1")
	require.NoError(t, err)

	require.NotNil(t, s.AgentMetrics)
	assert.Equal(t, float64(1234), s.AgentMetrics["total_tokens"])
}

func TestHistory_SummaryUnknownRun(t *testing.T) {
	h := NewHistory(t.TempDir())
	_, err := h.Summary("missing")
	assert.Error(t, err)
}

func TestHistory_Events(t *testing.T) {
	runsDir := t.TempDir()
	// A malformed line is skipped, not fatal.
	writeRun(t, runsDir, "run1", sampleLog+"not json\n")

	h := NewHistory(runsDir)
	events, err := h.Events("run1")
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, "POST", events[0]["method"])
	assert.Equal(t, float64(503), events[1]["status_code"])
	assert.Nil(t, events[2]["tool_name"])
}

func TestHistory_RejectsPathTraversal(t *testing.T) {
	h := NewHistory(t.TempDir())

	for _, runID := range []string{"", "..", "../etc", "a/b", ".hidden"} {
		t.Run(runID, func(t *testing.T) {
			_, err := h.Summary(runID)
			assert.Error(t, err)
		})
	}
}
