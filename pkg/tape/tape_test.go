package tape

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/redact"
)

const testKeyRaw = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func testNormalizer(t *testing.T, rc config.ReplayConfig) *Normalizer {
	t.Helper()
	return NewNormalizer(rc, false)
}

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

func TestParseKey(t *testing.T) {
	t.Run("raw 32-byte key", func(t *testing.T) {
		key, err := ParseKey(testKeyRaw)
		require.NoError(t, err)
		assert.NotNil(t, key)
	})

	t.Run("encoded 44-char key", func(t *testing.T) {
		raw, err := ParseKey(testKeyRaw)
		require.NoError(t, err)
		encoded := raw.Encode()
		require.Len(t, encoded, 44)

		key, err := ParseKey(encoded)
		require.NoError(t, err)
		assert.NotNil(t, key)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := ParseKey("")
		assert.ErrorIs(t, err, ErrKeyRequired)
	})

	t.Run("wrong length key", func(t *testing.T) {
		_, err := ParseKey("too-short")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestFingerprintDeterminism(t *testing.T) {
	norm := testNormalizer(t, config.ReplayConfig{IgnoreParams: []string{"session_id"}})

	t.Run("query order and ignored params do not matter", func(t *testing.T) {
		a, err := norm.Fingerprint("get", "http://api.test/search?b=2&a=1&session_id=xyz", nil, http.Header{})
		require.NoError(t, err)
		b, err := norm.Fingerprint("GET", "http://api.test/search?a=1&b=2", nil, http.Header{})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, "GET", a.Method)
		assert.NotContains(t, a.URL, "session_id")
	})

	t.Run("JSON key order does not matter", func(t *testing.T) {
		a, err := norm.Fingerprint("POST", "http://api.test/book", []byte(`{"flight":"AA1","seat":"12C"}`), jsonHeaders())
		require.NoError(t, err)
		b, err := norm.Fingerprint("POST", "http://api.test/book", []byte(`{"seat":"12C","flight":"AA1"}`), jsonHeaders())
		require.NoError(t, err)
		assert.Equal(t, a.BodyHash, b.BodyHash)
	})

	t.Run("default ignore paths mask volatile fields", func(t *testing.T) {
		a, err := norm.Fingerprint("POST", "http://api.test/book", []byte(`{"flight":"AA1","timestamp":"2026-01-01T00:00:00Z"}`), jsonHeaders())
		require.NoError(t, err)
		b, err := norm.Fingerprint("POST", "http://api.test/book", []byte(`{"flight":"AA1","timestamp":"2026-02-02T09:30:00Z"}`), jsonHeaders())
		require.NoError(t, err)
		assert.Equal(t, a.BodyHash, b.BodyHash)
	})

	t.Run("different bodies differ", func(t *testing.T) {
		a, err := norm.Fingerprint("POST", "http://api.test/book", []byte(`{"flight":"AA1"}`), jsonHeaders())
		require.NoError(t, err)
		b, err := norm.Fingerprint("POST", "http://api.test/book", []byte(`{"flight":"UA9"}`), jsonHeaders())
		require.NoError(t, err)
		assert.NotEqual(t, a.BodyHash, b.BodyHash)
	})
}

func TestNormalizerStrictMode(t *testing.T) {
	strict := NewNormalizer(config.ReplayConfig{IgnorePaths: []string{"$.[invalid"}}, true)
	_, err := strict.Fingerprint("POST", "http://api.test/x", []byte(`{"a":1}`), jsonHeaders())
	assert.ErrorIs(t, err, ErrInvalidIgnorePath)

	lenient := NewNormalizer(config.ReplayConfig{IgnorePaths: []string{"$.[invalid"}}, false)
	_, err = lenient.Fingerprint("POST", "http://api.test/x", []byte(`{"a":1}`), jsonHeaders())
	assert.NoError(t, err, "non-strict mode falls back instead of failing")
}

func TestRecordAndReplay(t *testing.T) {
	key, err := ParseKey(testKeyRaw)
	require.NoError(t, err)
	norm := testNormalizer(t, config.ReplayConfig{})
	redactor := redact.New(true)
	path := filepath.Join(t.TempDir(), "session.tape")

	recorder := NewRecorder(path, key, norm, redactor)
	resp := models.NewResponse(200, jsonHeaders(), []byte(`{"flights":["AA1"]}`))
	require.NoError(t, recorder.Record(
		"POST", "http://api.test/search_flights",
		[]byte(`{"destination":"SFO"}`), jsonHeaders(),
		resp,
		ChaosContext{
			AppliedStrategies: []string{"slow-search"},
			ChaosApplied:      true,
			TrafficType:       "TOOL_CALL",
			AgentRole:         "worker",
		},
	))
	assert.Equal(t, 1, recorder.Len())

	saved, err := recorder.Save()
	require.NoError(t, err)
	assert.Equal(t, path, saved)

	player, err := NewPlayer(path, key, norm, redactor)
	require.NoError(t, err)
	require.Equal(t, 1, player.Len())

	t.Run("exact match", func(t *testing.T) {
		entry, err := player.FindMatch(context.Background(),
			"POST", "http://api.test/search_flights",
			[]byte(`{"destination":"SFO"}`), jsonHeaders())
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 200, entry.Response.StatusCode)
		assert.Equal(t, `{"flights":["AA1"]}`, string(entry.Response.Content))
		assert.True(t, entry.ChaosContext.ChaosApplied)
		assert.Equal(t, []string{"slow-search"}, entry.ChaosContext.AppliedStrategies)
		assert.Equal(t, "worker", entry.ChaosContext.AgentRole)
	})

	t.Run("partial match on body mismatch", func(t *testing.T) {
		entry, err := player.FindMatch(context.Background(),
			"POST", "http://api.test/search_flights",
			[]byte(`{"destination":"JFK"}`), jsonHeaders())
		require.NoError(t, err)
		require.NotNil(t, entry, "same method and URL serves the recorded snapshot")
		assert.Equal(t, 0, entry.Sequence)
	})

	t.Run("miss on unknown URL", func(t *testing.T) {
		entry, err := player.FindMatch(context.Background(),
			"POST", "http://api.test/unknown", nil, jsonHeaders())
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("wrong key fails to load", func(t *testing.T) {
		other, err := ParseKey(strings.Repeat("x", 32))
		require.NoError(t, err)
		_, err = NewPlayer(path, other, norm, redactor)
		assert.ErrorIs(t, err, ErrDecryptFailed)
	})
}

func TestRecorderRedaction(t *testing.T) {
	key, err := ParseKey(testKeyRaw)
	require.NoError(t, err)
	norm := testNormalizer(t, config.ReplayConfig{})
	recorder := NewRecorder(filepath.Join(t.TempDir(), "r.tape"), key, norm, redact.New(true))

	reqHeaders := jsonHeaders()
	reqHeaders.Set("Authorization", "Bearer secret-token-12345")
	resp := models.NewResponse(200, jsonHeaders(), []byte(`{"note":"contact user@example.com"}`))

	require.NoError(t, recorder.Record(
		"POST", "http://api.test/book",
		[]byte(`{"card":"4111-1111-1111-1111"}`), reqHeaders,
		resp, ChaosContext{},
	))

	entry := recorder.tape.Entries[0]
	assert.True(t, entry.Redacted)
	assert.Contains(t, entry.RequestBodyRedacted, redact.PlaceholderCreditCard)
	assert.NotContains(t, entry.RequestBodyRedacted, "4111")
	assert.Contains(t, string(entry.Response.Content), redact.PlaceholderEmail)
}

func TestEntryToResponse(t *testing.T) {
	entry := &Entry{
		Response: ResponseSnapshot{
			StatusCode:      503,
			Headers:         map[string]string{"Content-Type": "application/json", "Retry-After": "60"},
			Content:         hexBytes(`{"error":"down"}`),
			ContentEncoding: "gzip",
		},
	}
	resp := entry.ToResponse()
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, `{"error":"down"}`, string(resp.Body))
}

func TestJSONDiff(t *testing.T) {
	tests := []struct {
		name     string
		recorded string
		live     string
		want     string
	}{
		{"identical", `{"a":1}`, `{"a":1}`, "no_diff"},
		{"value change", `{"a":1}`, `{"a":2}`, "$.a: 1 != 2"},
		{"missing in live", `{"a":1,"b":2}`, `{"a":1}`, "$.b: missing_in_live"},
		{"missing in recorded", `{"a":1}`, `{"a":1,"b":2}`, "$.b: missing_in_recorded"},
		{"list length", `{"a":[1,2]}`, `{"a":[1]}`, "$.a: length 2 != 1"},
		{"empty side", "", `{"a":1}`, "missing_body"},
		{"non-json", "not json", "also not", "non_json_or_unparseable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jsonDiff(tt.recorded, tt.live))
		})
	}
}
