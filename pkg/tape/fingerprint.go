// Package tape implements encrypted record and replay of HTTP exchanges:
// deterministic request fingerprinting, response snapshots, and the
// recorder/player pair the proxy uses in record and playback modes.
package tape

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/agentchaos/chaosproxy/pkg/config"
)

// ignoredValue replaces masked fields before hashing so volatile data
// never influences the fingerprint.
const ignoredValue = "<IGNORED>"

// Fingerprint identifies a request for replay matching. It is built from
// normalized components so recording and playback hash identically.
type Fingerprint struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	BodyHash    string `json:"body_hash,omitempty"`
	HeadersHash string `json:"headers_hash,omitempty"`
}

// Normalized holds the canonical form of a request used for hashing.
type Normalized struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// Normalizer canonicalizes requests for fingerprinting. Query parameters
// named in ignoreParams are dropped, JSON body fields matching
// ignorePaths are masked, and only allowlisted headers survive.
//
// In strict mode an ignore path that fails to parse is an error; in
// non-strict mode it degrades to simple dot-path masking.
type Normalizer struct {
	ignoreParams map[string]struct{}
	ignorePaths  []string
	strict       bool
}

// NewNormalizer builds a normalizer from a plan's replay config. Empty
// ignore paths fall back to the default volatile-field list.
func NewNormalizer(rc config.ReplayConfig, strict bool) *Normalizer {
	paths := rc.IgnorePaths
	if len(paths) == 0 {
		paths = config.DefaultReplayIgnorePaths
	}
	params := make(map[string]struct{}, len(rc.IgnoreParams))
	for _, p := range rc.IgnoreParams {
		params[strings.ToLower(p)] = struct{}{}
	}
	return &Normalizer{
		ignoreParams: params,
		ignorePaths:  paths,
		strict:       strict,
	}
}

// Normalize canonicalizes one request: method uppercased, query sorted
// with ignored parameters removed, JSON bodies masked and re-serialized
// with sorted keys, headers reduced to the allowlist with header-scoped
// ignore paths applied.
func (n *Normalizer) Normalize(method, rawURL string, body []byte, headers http.Header) (*Normalized, error) {
	out := &Normalized{
		Method:  strings.ToUpper(method),
		Headers: map[string]string{},
	}

	out.URL = n.normalizeURL(rawURL)

	if ct := headers.Get("Content-Type"); ct != "" {
		out.Headers["content-type"] = ct
	}

	out.Body = body
	if len(body) > 0 && strings.Contains(strings.ToLower(out.Headers["content-type"]), "json") {
		if canonical, ok, err := n.normalizeJSONBody(body); err != nil {
			return nil, err
		} else if ok {
			out.Body = canonical
		}
	}

	masked, err := n.maskPaths(toAnyMap(out.Headers), scopeHeaders)
	if err != nil {
		return nil, err
	}
	out.Headers = toStringMap(masked)

	return out, nil
}

// Fingerprint normalizes a request and hashes the result.
func (n *Normalizer) Fingerprint(method, rawURL string, body []byte, headers http.Header) (Fingerprint, error) {
	norm, err := n.Normalize(method, rawURL, body, headers)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Method:      norm.Method,
		URL:         norm.URL,
		BodyHash:    hashBody(norm.Body),
		HeadersHash: hashHeaders(norm.Headers),
	}, nil
}

func (n *Normalizer) normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	pairs := queryPairs(u.RawQuery)
	filtered := pairs[:0]
	for _, p := range pairs {
		if _, drop := n.ignoreParams[strings.ToLower(p[0])]; drop {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i][0] != filtered[j][0] {
			return filtered[i][0] < filtered[j][0]
		}
		return filtered[i][1] < filtered[j][1]
	})
	parts := make([]string, 0, len(filtered))
	for _, p := range filtered {
		parts = append(parts, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}

// normalizeJSONBody masks ignore paths and re-serializes with sorted
// keys. A body that fails to parse is left untouched (ok=false).
func (n *Normalizer) normalizeJSONBody(body []byte) ([]byte, bool, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false, nil
	}
	masked, err := n.maskPaths(data, scopeBody)
	if err != nil {
		return nil, false, err
	}
	canonical, err := json.Marshal(masked)
	if err != nil {
		return nil, false, nil
	}
	return canonical, true, nil
}

type maskScope int

const (
	scopeBody maskScope = iota
	scopeHeaders
)

// maskPaths rewrites every ignore path match to ignoredValue. Paths are
// scoped: "$.headers.*" paths apply only to headers, everything else to
// the body ("$.body." prefixes are stripped).
func (n *Normalizer) maskPaths(data any, scope maskScope) (any, error) {
	for _, path := range n.ignorePaths {
		var effective string
		switch scope {
		case scopeHeaders:
			if !strings.HasPrefix(path, "$.headers.") {
				continue
			}
			effective = "$." + strings.TrimPrefix(path, "$.headers.")
		default:
			if strings.HasPrefix(path, "$.headers.") {
				continue
			}
			effective = "$." + strings.TrimPrefix(strings.TrimPrefix(path, "$.body."), "$.")
		}

		expr, err := jp.ParseString(effective)
		if err != nil {
			if n.strict {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidIgnorePath, path, err)
			}
			maskSimplePath(data, effective)
			continue
		}
		if len(expr.Get(data)) == 0 {
			continue
		}
		if err := expr.Set(data, ignoredValue); err != nil && n.strict {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidIgnorePath, path, err)
		}
	}
	return data, nil
}

// maskSimplePath is the non-strict fallback for paths the JSONPath engine
// rejects. It handles plain dot paths only; wildcard and index segments
// are skipped.
func maskSimplePath(data any, path string) {
	parts := strings.Split(strings.TrimPrefix(path, "$."), ".")
	for _, p := range parts {
		if p == "" || p == "*" || strings.ContainsAny(p, "[]") {
			return
		}
	}
	current := data
	for _, key := range parts[:len(parts)-1] {
		m, ok := current.(map[string]any)
		if !ok {
			return
		}
		current = m[key]
	}
	if m, ok := current.(map[string]any); ok {
		last := parts[len(parts)-1]
		if _, exists := m[last]; exists {
			m[last] = ignoredValue
		}
	}
}

func hashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// hashHeaders hashes the JSON encoding of sorted header pairs so the
// result is independent of map iteration order.
func hashHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	pairs := make([][2]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, [2]string{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// queryPairs splits a raw query into ordered key/value pairs, keeping
// blank values. Unescapable segments are kept verbatim.
func queryPairs(rawQuery string) [][2]string {
	if rawQuery == "" {
		return nil
	}
	var pairs [][2]string
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStringMap(data any) map[string]string {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
