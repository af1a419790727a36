package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxPendingLogs bounds the write queue. Excess lines are dropped so a
// slow disk can never stall the request path.
const maxPendingLogs = 100

// LogLine is one entry in the structured proxy log. ChaosApplied and
// ToolName marshal as null when absent, matching the log consumers.
type LogLine struct {
	Timestamp      string  `json:"timestamp"`
	Method         string  `json:"method"`
	URL            string  `json:"url"`
	StatusCode     int     `json:"status_code"`
	ChaosApplied   *string `json:"chaos_applied"`
	ToolName       *string `json:"tool_name"`
	Fuzzed         bool    `json:"fuzzed"`
	AgentRole      string  `json:"agent_role,omitempty"`
	TrafficType    string  `json:"traffic_type"`
	TrafficSubtype string  `json:"traffic_subtype,omitempty"`
}

// LogWriter appends JSON lines to the proxy log from a single background
// goroutine. Enqueue never blocks: when the queue is full the line is
// dropped and counted.
type LogWriter struct {
	w      io.Writer
	closer io.Closer

	lines    chan LogLine
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// NewLogWriter opens (appending) the structured log at path and starts
// the writer goroutine.
func NewLogWriter(path string) (*LogWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lw := newLogWriterTo(f)
	lw.closer = f
	slog.Info("Structured log writer started", "path", path)
	return lw, nil
}

func newLogWriterTo(w io.Writer) *LogWriter {
	lw := &LogWriter{
		w:      w,
		lines:  make(chan LogLine, maxPendingLogs),
		stopCh: make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.run()
	return lw
}

// Enqueue submits a line for writing. Returns false when the line was
// dropped under backpressure.
func (lw *LogWriter) Enqueue(line LogLine) bool {
	select {
	case lw.lines <- line:
		return true
	default:
	}

	lw.mu.Lock()
	lw.dropped++
	warn := lw.dropped%maxPendingLogs == 1
	total := lw.dropped
	lw.mu.Unlock()
	if warn {
		slog.Warn("Structured log backpressure, dropping entries", "dropped_total", total)
	}
	return false
}

// Dropped reports how many lines were discarded under backpressure.
func (lw *LogWriter) Dropped() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped
}

func (lw *LogWriter) run() {
	defer lw.wg.Done()
	for {
		select {
		case line := <-lw.lines:
			lw.write(line)
		case <-lw.stopCh:
			// Drain whatever is queued before exiting.
			for {
				select {
				case line := <-lw.lines:
					lw.write(line)
				default:
					return
				}
			}
		}
	}
}

func (lw *LogWriter) write(line LogLine) {
	payload, err := json.Marshal(line)
	if err != nil {
		slog.Error("Failed to serialize log line", "error", err)
		return
	}
	if _, err := lw.w.Write(append(payload, '\n')); err != nil {
		slog.Error("Failed to write log line", "error", err)
	}
}

// Close stops the writer, flushes queued lines, and closes the log file.
func (lw *LogWriter) Close() error {
	lw.stopOnce.Do(func() { close(lw.stopCh) })
	lw.wg.Wait()
	if lw.closer != nil {
		return lw.closer.Close()
	}
	return nil
}
