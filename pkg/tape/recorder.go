package tape

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/redact"
)

// textLikeMarkers are the content-type fragments whose bodies get PII
// redaction before they land on disk. Binary bodies are stored as-is.
var textLikeMarkers = []string{
	"application/json", "text/", "application/xml", "application/x-www-form-urlencoded",
}

// Recorder accumulates request/response pairs and saves them as an
// encrypted tape. Safe for concurrent use by the proxy's handlers.
type Recorder struct {
	mu       sync.Mutex
	path     string
	key      *fernet.Key
	norm     *Normalizer
	redactor *redact.Redactor
	tape     *Tape
	sequence int
}

// NewRecorder creates a recorder writing to path. An empty path derives
// a timestamped default under tapes/.
func NewRecorder(path string, key *fernet.Key, norm *Normalizer, redactor *redact.Redactor) *Recorder {
	if path == "" {
		path = filepath.Join("tapes", fmt.Sprintf("recording_%s.tape", time.Now().Format("20060102_150405")))
	}
	r := &Recorder{
		path:     path,
		key:      key,
		norm:     norm,
		redactor: redactor,
		tape: &Tape{
			Version: Version,
			Metadata: map[string]any{
				"created_at":       time.Now().Format(time.RFC3339),
				"recorder_version": Version,
			},
		},
	}
	slog.Info("Tape recorder initialized", "path", path)
	return r
}

// Path returns the tape file location.
func (r *Recorder) Path() string {
	return r.path
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tape.Entries)
}

// Record appends one exchange to the tape. The fingerprint is computed
// from the raw request; the stored snapshot and request body text are
// redacted first.
func (r *Recorder) Record(method, rawURL string, body []byte, headers http.Header, resp *models.Response, chaosCtx ChaosContext) error {
	if resp == nil {
		return nil
	}
	fp, err := r.norm.Fingerprint(method, rawURL, body, headers)
	if err != nil {
		return err
	}

	snapshot := ResponseSnapshot{
		StatusCode:      resp.StatusCode,
		Reason:          reasonPhrase(resp.StatusCode),
		Headers:         flattenHeaders(r.redactor.RedactHeaders(resp.Header)),
		Content:         r.redactBody(resp.Body, resp.Header),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
	}

	entry := Entry{
		Fingerprint:         fp,
		Response:            snapshot,
		ChaosContext:        chaosCtx,
		Timestamp:           time.Now().Format(time.RFC3339),
		Redacted:            true,
		RequestBodyRedacted: textIfPossible(r.redactBody(body, headers)),
	}

	r.mu.Lock()
	entry.Sequence = r.sequence
	r.sequence++
	r.tape.Entries = append(r.tape.Entries, entry)
	r.mu.Unlock()

	slog.Debug("Recorded tape entry",
		"sequence", entry.Sequence,
		"method", fp.Method,
		"status", resp.StatusCode,
		"chaos", chaosCtx.ChaosApplied)
	return nil
}

// Save encrypts and writes the tape, returning its path.
func (r *Recorder) Save() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.tape.Save(r.path, r.key); err != nil {
		return "", err
	}
	return r.path, nil
}

// redactBody masks PII in text-like bodies; anything else passes through.
func (r *Recorder) redactBody(body []byte, headers http.Header) []byte {
	if len(body) == 0 {
		return nil
	}
	ct := strings.ToLower(headers.Get("Content-Type"))
	textLike := false
	for _, marker := range textLikeMarkers {
		if strings.Contains(ct, marker) {
			textLike = true
			break
		}
	}
	if !textLike {
		return body
	}
	return []byte(r.redactor.Redact(string(body)))
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}

func textIfPossible(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return string(body)
}

func reasonPhrase(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "OK"
}
