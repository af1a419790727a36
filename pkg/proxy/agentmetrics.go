package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// agentMetrics accumulates per-run LLM aggregates for the
// agent_metrics.json file the dashboard merges into run summaries.
type agentMetrics struct {
	mu sync.Mutex

	llmRequests      int64
	promptTokens     int64
	completionTokens int64
	ttftTotal        time.Duration
	ttftSamples      int64
}

func (m *agentMetrics) recordRequest(promptTokens, completionTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmRequests++
	m.promptTokens += promptTokens
	m.completionTokens += completionTokens
}

func (m *agentMetrics) recordTTFT(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttftTotal += d
	m.ttftSamples++
}

func (m *agentMetrics) snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]any{
		"llm_requests":      m.llmRequests,
		"prompt_tokens":     m.promptTokens,
		"completion_tokens": m.completionTokens,
		"total_tokens":      m.promptTokens + m.completionTokens,
	}
	if m.ttftSamples > 0 {
		out["ttft_avg_seconds"] = m.ttftTotal.Seconds() / float64(m.ttftSamples)
		out["ttft_samples"] = m.ttftSamples
	}
	return out
}

// WriteAgentMetrics renders the run's LLM aggregates to path. Called at
// shutdown alongside the run's proxy.log.
func (p *Pipeline) WriteAgentMetrics(path string) error {
	data, err := json.MarshalIndent(p.metrics.snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
