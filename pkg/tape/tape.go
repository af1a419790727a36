package tape

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fernet/fernet-go"

	"github.com/agentchaos/chaosproxy/pkg/models"
)

// Version is the on-disk tape format version.
const Version = "1.0"

// hexBytes serializes binary content as a hex string so response bodies
// survive the JSON tape format byte-for-byte.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = nil
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// ResponseSnapshot captures everything needed to reconstruct a response
// during playback.
type ResponseSnapshot struct {
	StatusCode      int               `json:"status_code"`
	Reason          string            `json:"reason"`
	Headers         map[string]string `json:"headers"`
	Content         hexBytes          `json:"content"`
	ContentEncoding string            `json:"content_encoding,omitempty"`
}

// ChaosContext preserves what the pipeline decided while recording, so a
// replayed exchange reports the same classification and injections.
type ChaosContext struct {
	AppliedStrategies []string `json:"applied_strategies"`
	ChaosApplied      bool     `json:"chaos_applied"`
	TrafficType       string   `json:"traffic_type,omitempty"`
	TrafficSubtype    string   `json:"traffic_subtype,omitempty"`
	AgentRole         string   `json:"agent_role,omitempty"`
}

// Entry is one recorded request/response pair.
type Entry struct {
	Fingerprint Fingerprint      `json:"fingerprint"`
	Response    ResponseSnapshot `json:"response"`
	ChaosContext ChaosContext    `json:"chaos_context"`
	Timestamp   string           `json:"timestamp"`
	Sequence    int              `json:"sequence"`
	Redacted    bool             `json:"redacted"`
	// RequestBodyRedacted keeps the redacted request body text for
	// diagnosing replay mismatches. Binary bodies are omitted.
	RequestBodyRedacted string `json:"request_body_redacted,omitempty"`
}

// ToResponse reconstructs a buffered response from the snapshot.
func (e *Entry) ToResponse() *models.Response {
	header := make(http.Header, len(e.Response.Headers)+1)
	for k, v := range e.Response.Headers {
		header.Set(k, v)
	}
	if e.Response.ContentEncoding != "" {
		header.Set("Content-Encoding", e.Response.ContentEncoding)
	}
	return models.NewResponse(e.Response.StatusCode, header, []byte(e.Response.Content))
}

// Tape is a complete recording session.
type Tape struct {
	Version  string         `json:"version"`
	Metadata map[string]any `json:"metadata"`
	Entries  []Entry        `json:"entries"`
}

// Save serializes the tape, encrypts it, and writes it atomically.
func (t *Tape) Save(path string, key *fernet.Key) error {
	payload, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tape: %w", err)
	}
	encrypted, err := encrypt(payload, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt tape: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create tape directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0o600); err != nil {
		return fmt.Errorf("failed to write tape: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize tape: %w", err)
	}
	slog.Info("Tape saved", "path", path, "entries", len(t.Entries))
	return nil
}

// Load reads, decrypts, and parses a tape file.
func Load(path string, key *fernet.Key) (*Tape, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tape %s: %w", path, err)
	}
	payload, err := decrypt(raw, key)
	if err != nil {
		return nil, err
	}
	var t Tape
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tape %s: %w", path, err)
	}
	if t.Version == "" {
		t.Version = Version
	}
	slog.Info("Tape loaded", "path", path, "entries", len(t.Entries))
	return &t, nil
}
