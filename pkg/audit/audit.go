// Package audit writes the append-only audit trail for configuration
// changes, strategy state flips, and authentication decisions.
//
// Lines are plain text, grep-friendly, one event per line:
//
//	[AUDIT] 2026-01-12T09:30:12Z | User=token:3f9a | Action=AUTH | Resource=/v1/chat | Outcome=denied | Details={"scope":"READ"}
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPath is used when CHAOS_AUDIT_LOG is unset.
const DefaultPath = "logs/audit.log"

// Action is the audited event kind.
type Action string

const (
	ActionConfigChange Action = "CONFIG_CHANGE"
	ActionStateChange  Action = "STATE_CHANGE"
	ActionAuth         Action = "AUTH"
)

// Logger appends audit lines to a single file. Safe for concurrent use.
// A nil *Logger is valid and discards everything, so call sites never
// need to branch on whether auditing is configured.
type Logger struct {
	mu   sync.Mutex
	w    io.WriteCloser
	path string
}

// Open creates the audit log at path, creating parent directories as
// needed. The file is opened in append mode so restarts extend history.
func Open(path string) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Logger{w: f, path: path}, nil
}

// OpenFromEnv opens the audit log at CHAOS_AUDIT_LOG or the default path.
func OpenFromEnv() (*Logger, error) {
	return Open(os.Getenv("CHAOS_AUDIT_LOG"))
}

// Path returns the audit file location.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record appends one audit line. user identifies the principal
// ("system" for proxy-initiated events), resource names what was acted
// on, outcome is a short status string. details is optional and is
// rendered as compact JSON with deterministic key order.
func (l *Logger) Record(user string, action Action, resource, outcome string, details map[string]any) {
	if l == nil {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"
	line := fmt.Sprintf("[AUDIT] %s | User=%s | Action=%s | Resource=%s | Outcome=%s", ts, user, action, resource, outcome)
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			line += " | Details=" + string(b)
		}
	}
	line += "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write([]byte(line)); err != nil {
		// Auditing never takes down the proxy.
		slog.Error("Failed to write audit line", "path", l.path, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
