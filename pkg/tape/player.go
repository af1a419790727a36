package tape

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/fernet/fernet-go"

	"github.com/agentchaos/chaosproxy/pkg/redact"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// Player serves recorded responses in playback mode. The tape is indexed
// by fingerprint at load time; a later entry with the same fingerprint
// wins, matching recorder overwrite semantics.
type Player struct {
	path     string
	tape     *Tape
	norm     *Normalizer
	redactor *redact.Redactor
	index    map[Fingerprint]*Entry
}

// NewPlayer loads and indexes a tape for replay.
func NewPlayer(path string, key *fernet.Key, norm *Normalizer, redactor *redact.Redactor) (*Player, error) {
	t, err := Load(path, key)
	if err != nil {
		return nil, err
	}
	index := make(map[Fingerprint]*Entry, len(t.Entries))
	for i := range t.Entries {
		index[t.Entries[i].Fingerprint] = &t.Entries[i]
	}
	slog.Info("Tape player initialized",
		"path", path,
		"entries", len(t.Entries),
		"unique_fingerprints", len(index))
	return &Player{
		path:     path,
		tape:     t,
		norm:     norm,
		redactor: redactor,
		index:    index,
	}, nil
}

// Len returns the number of entries on the loaded tape.
func (p *Player) Len() int {
	return len(p.tape.Entries)
}

// FindMatch looks up the recorded entry for a live request. Exact
// fingerprint matches win; otherwise the first entry with the same
// normalized method and URL is served and the mismatch is reported as
// TAPE_MISMATCH with a body diff at debug level. Returns nil when no
// method+URL pair exists on the tape.
func (p *Player) FindMatch(ctx context.Context, method, rawURL string, body []byte, headers http.Header) (*Entry, error) {
	norm, err := p.norm.Normalize(method, rawURL, body, headers)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint{
		Method:      norm.Method,
		URL:         norm.URL,
		BodyHash:    hashBody(norm.Body),
		HeadersHash: hashHeaders(norm.Headers),
	}

	if entry, ok := p.index[fp]; ok {
		slog.Debug("Tape exact match",
			"method", fp.Method,
			"url", p.redactor.RedactURL(fp.URL),
			"sequence", entry.Sequence)
		return entry, nil
	}

	for i := range p.tape.Entries {
		entry := &p.tape.Entries[i]
		if entry.Fingerprint.Method != fp.Method || entry.Fingerprint.URL != fp.URL {
			continue
		}
		telemetry.RecordErrorCode(ctx, telemetry.CodeTapeMismatch, "")
		slog.Warn("Tape fingerprint mismatch, serving partial match",
			"method", fp.Method,
			"url", p.redactor.RedactURL(fp.URL),
			"sequence", entry.Sequence)
		if slog.Default().Enabled(ctx, slog.LevelDebug) {
			liveBody := string(p.redactBody(norm.Body, headers))
			slog.Debug("Tape mismatch detail",
				"recorded_body_hash", entry.Fingerprint.BodyHash,
				"live_body_hash", fp.BodyHash,
				"diff", jsonDiff(entry.RequestBodyRedacted, liveBody))
		}
		return entry, nil
	}

	telemetry.RecordErrorCode(ctx, telemetry.CodeTapeMismatch, "")
	slog.Warn("No tape entry matches request",
		"method", fp.Method,
		"url", p.redactor.RedactURL(fp.URL))
	return nil, nil
}

func (p *Player) redactBody(body []byte, headers http.Header) []byte {
	if len(body) == 0 {
		return nil
	}
	return []byte(p.redactor.Redact(string(body)))
}
