package dashboard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxEventsPerRun caps the denormalized event listing for one run.
const maxEventsPerRun = 10000

// logRecord mirrors one structured proxy log line on disk.
type logRecord struct {
	Timestamp      string  `json:"timestamp"`
	Method         string  `json:"method"`
	URL            string  `json:"url"`
	StatusCode     int     `json:"status_code"`
	ChaosApplied   *string `json:"chaos_applied"`
	ToolName       *string `json:"tool_name"`
	Fuzzed         bool    `json:"fuzzed"`
	AgentRole      string  `json:"agent_role"`
	TrafficType    string  `json:"traffic_type"`
	TrafficSubtype string  `json:"traffic_subtype"`
}

// RunInfo is one entry in the run listing.
type RunInfo struct {
	ID       string `json:"id"`
	Requests int    `json:"requests"`
	Started  string `json:"started,omitempty"`
}

// RunSummary aggregates a run's proxy log.
type RunSummary struct {
	ID             string         `json:"id"`
	Requests       int            `json:"requests"`
	ChaosInjected  int            `json:"chaos_injected"`
	Fuzzed         int            `json:"fuzzed"`
	ByStrategy     map[string]int `json:"by_strategy"`
	ByStatusClass  map[string]int `json:"by_status_class"`
	ByTrafficType  map[string]int `json:"by_traffic_type"`
	ByTool         map[string]int `json:"by_tool"`
	AgentMetrics   map[string]any `json:"agent_metrics,omitempty"`
	FirstTimestamp string         `json:"first_timestamp,omitempty"`
	LastTimestamp  string         `json:"last_timestamp,omitempty"`
}

// History reads run directories written by the proxy:
// runs/<id>/logs/{proxy.log, agent_metrics.json}.
type History struct {
	runsDir string
}

// NewHistory serves run history from runsDir.
func NewHistory(runsDir string) *History {
	return &History{runsDir: runsDir}
}

// ListRuns enumerates run directories, newest first.
func (h *History) ListRuns() ([]RunInfo, error) {
	entries, err := os.ReadDir(h.runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunInfo{}, nil
		}
		return nil, err
	}

	runs := make([]RunInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		records, err := h.readLog(e.Name())
		if err != nil {
			continue
		}
		info := RunInfo{ID: e.Name(), Requests: len(records)}
		if len(records) > 0 {
			info.Started = records[0].Timestamp
		}
		runs = append(runs, info)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	return runs, nil
}

// Summary aggregates one run's log, merging agent_metrics.json when present.
func (h *History) Summary(runID string) (*RunSummary, error) {
	records, err := h.readLog(runID)
	if err != nil {
		return nil, err
	}

	s := &RunSummary{
		ID:            runID,
		Requests:      len(records),
		ByStrategy:    map[string]int{},
		ByStatusClass: map[string]int{},
		ByTrafficType: map[string]int{},
		ByTool:        map[string]int{},
	}
	for i, r := range records {
		if i == 0 {
			s.FirstTimestamp = r.Timestamp
		}
		s.LastTimestamp = r.Timestamp

		if r.ChaosApplied != nil && *r.ChaosApplied != "" {
			s.ChaosInjected++
			for _, name := range strings.Split(*r.ChaosApplied, ",") {
				s.ByStrategy[name]++
			}
		}
		if r.Fuzzed {
			s.Fuzzed++
		}
		s.ByStatusClass[statusClass(r.StatusCode)]++
		if r.TrafficType != "" {
			s.ByTrafficType[r.TrafficType]++
		}
		if r.ToolName != nil && *r.ToolName != "" {
			s.ByTool[*r.ToolName]++
		}
	}

	if raw, err := os.ReadFile(filepath.Join(h.runsDir, runID, "logs", "agent_metrics.json")); err == nil {
		var metrics map[string]any
		if err := json.Unmarshal(raw, &metrics); err == nil {
			s.AgentMetrics = metrics
		}
	}
	return s, nil
}

// Events returns a run's log lines as denormalized event documents.
func (h *History) Events(runID string) ([]map[string]any, error) {
	path, err := h.logPath(runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events := make([]map[string]any, 0, 256)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() && len(events) < maxEventsPerRun {
		var evt map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}

func (h *History) readLog(runID string) ([]logRecord, error) {
	path, err := h.logPath(runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []logRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var r logRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// logPath validates the run id against path traversal.
func (h *History) logPath(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || strings.HasPrefix(runID, ".") {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(h.runsDir, runID, "logs", "proxy.log"), nil
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
