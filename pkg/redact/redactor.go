// Package redact masks PII and credentials in text, URLs, headers, and
// JSON-ish maps before anything reaches logs, tapes, or telemetry.
package redact

import (
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// Placeholder strings substituted for matched secrets. Stable across
// releases: downstream tooling greps for them.
const (
	PlaceholderEmail        = "[REDACTED_EMAIL]"
	PlaceholderCreditCard   = "[REDACTED_CC]"
	PlaceholderSSN          = "[REDACTED_SSN]"
	PlaceholderPhone        = "[REDACTED_PHONE]"
	PlaceholderOpenAIKey    = "[REDACTED_OPENAI_KEY]"
	PlaceholderAnthropicKey = "[REDACTED_ANTHROPIC_KEY]"
	PlaceholderAPIKey       = "[REDACTED_API_KEY]"
	PlaceholderBearerToken  = "[REDACTED_BEARER_TOKEN]"
	PlaceholderJWT          = "[REDACTED_JWT]"
	PlaceholderPassword     = "[REDACTED_PASSWORD]"
	PlaceholderValue        = "[REDACTED]"
)

// pattern is one compiled redaction rule. Rules run in bank order; the
// first rules are the most specific so broad ones never shadow them.
type pattern struct {
	name string
	re   *regexp.Regexp
	// replace rewrites one match. Kept as a func because several rules
	// preserve part of the match (key names, the Bearer prefix).
	replace func(match string) string
}

func literal(s string) func(string) string {
	return func(string) string { return s }
}

// keyValueReplace keeps the credential key name and masks only the value:
// "api_key=sk123…" becomes "api_key=[REDACTED_API_KEY]".
func keyValueReplace(placeholder string) func(string) string {
	return func(match string) string {
		if i := strings.IndexAny(match, ":="); i >= 0 {
			return strings.TrimRight(match[:i], " \t") + "=" + placeholder
		}
		return placeholder
	}
}

func buildPatterns() []*pattern {
	return []*pattern{
		// Anthropic keys must run before OpenAI keys: both start with "sk-".
		{
			name:    "api_key_anthropic",
			re:      regexp.MustCompile(`(?i)\bsk-ant-[a-zA-Z0-9\-_]{10,}\b`),
			replace: literal(PlaceholderAnthropicKey),
		},
		{
			name: "api_key_openai",
			re:   regexp.MustCompile(`(?i)\bsk-[a-zA-Z0-9\-_]{10,}\b`),
			// RE2 has no negative lookahead; skip sk-ant- matches here so
			// short Anthropic-shaped keys are not mislabeled.
			replace: func(match string) string {
				if strings.HasPrefix(strings.ToLower(match), "sk-ant-") {
					return match
				}
				return PlaceholderOpenAIKey
			},
		},
		{
			name:    "bearer_token",
			re:      regexp.MustCompile(`(?i)\bBearer\s+[a-zA-Z0-9_\-.]+\b`),
			replace: literal("Bearer " + PlaceholderBearerToken),
		},
		{
			name:    "jwt_token",
			re:      regexp.MustCompile(`\beyJ[A-Za-z0-9-_=]+\.eyJ[A-Za-z0-9-_=]+\.?[A-Za-z0-9-_.+/=]*\b`),
			replace: literal(PlaceholderJWT),
		},
		{
			name:    "api_key_generic",
			re:      regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|access[_-]?token|secret[_-]?key)\s*[:=]\s*[a-zA-Z0-9_\-]{20,}\b`),
			replace: keyValueReplace(PlaceholderAPIKey),
		},
		{
			name:    "password",
			re:      regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*[^\s"'<>]+`),
			replace: keyValueReplace(PlaceholderPassword),
		},
		{
			name:    "credit_card",
			re:      regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b|\b\d{13,19}\b`),
			replace: literal(PlaceholderCreditCard),
		},
		{
			name:    "ssn",
			re:      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`),
			replace: literal(PlaceholderSSN),
		},
		{
			name:    "phone",
			re:      regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`),
			replace: literal(PlaceholderPhone),
		},
		{
			name:    "email",
			re:      regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			replace: literal(PlaceholderEmail),
		},
	}
}

// sensitiveParams are query parameter names masked wholesale in URLs.
var sensitiveParams = []string{
	"api_key", "apikey", "token", "access_token", "secret",
	"password", "passwd", "pwd", "auth", "authorization",
}

// sensitiveHeaders are header names masked wholesale.
var sensitiveHeaders = []string{
	"authorization", "x-api-key", "x-auth-token", "cookie",
	"set-cookie", "x-chaos-token", "api-key", "access-token",
}

// sensitiveKeys are JSON field names masked wholesale in maps.
var sensitiveKeys = []string{
	"password", "passwd", "pwd", "token", "api_key", "apikey",
	"secret", "access_token", "authorization", "auth", "ssn",
	"credit_card", "cc_number", "email",
}

// Redactor applies the pattern bank. Stateless after construction and
// safe for concurrent use.
type Redactor struct {
	enabled  bool
	patterns []*pattern
}

// New compiles the pattern bank. Redaction can be disabled for local
// debugging only; a disabled redactor passes everything through.
func New(enabled bool) *Redactor {
	if !enabled {
		slog.Warn("PII redaction is DISABLED - sensitive data may be logged")
	}
	return &Redactor{enabled: enabled, patterns: buildPatterns()}
}

// NewFromEnv honors PII_REDACTION_ENABLED (default true; only the exact
// string "false" disables).
func NewFromEnv() *Redactor {
	return New(!strings.EqualFold(os.Getenv("PII_REDACTION_ENABLED"), "false"))
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Redact masks every known PII pattern in text. Idempotent: placeholders
// never re-match.
func (r *Redactor) Redact(text string) string {
	if !r.enabled || text == "" {
		return text
	}
	for _, p := range r.patterns {
		text = p.re.ReplaceAllStringFunc(text, p.replace)
	}
	return text
}

// RedactURL masks sensitive query parameters wholesale, runs text
// redaction over remaining values and the path, and returns the rebuilt
// URL. Unparseable input falls back to plain text redaction.
func (r *Redactor) RedactURL(raw string) string {
	if !r.enabled || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		slog.Warn("Failed to parse URL for redaction, redacting as text", "error", err)
		return r.Redact(raw)
	}

	if u.RawQuery != "" {
		params, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			u.RawQuery = url.QueryEscape(PlaceholderValue)
		} else {
			out := url.Values{}
			for key, values := range params {
				if containsAny(strings.ToLower(key), sensitiveParams) {
					out[key] = []string{PlaceholderValue}
					continue
				}
				for _, v := range values {
					out.Add(key, r.Redact(v))
				}
			}
			u.RawQuery = out.Encode()
		}
	}
	u.Path = r.Redact(u.Path)
	return u.String()
}

// RedactHeaders returns a copy of h with sensitive header values masked
// wholesale and all other values run through text redaction.
func (r *Redactor) RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for key, values := range h {
		if !r.enabled {
			out[key] = append([]string(nil), values...)
			continue
		}
		if containsAny(strings.ToLower(key), sensitiveHeaders) {
			out[key] = []string{PlaceholderValue}
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = r.Redact(v)
		}
		out[key] = masked
	}
	return out
}

// RedactMap recursively masks a decoded JSON object. Keys matching the
// sensitive list are masked wholesale; string leaves are text-redacted.
func (r *Redactor) RedactMap(data map[string]any) map[string]any {
	if !r.enabled || data == nil {
		return data
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		if containsAny(strings.ToLower(key), sensitiveKeys) {
			out[key] = PlaceholderValue
			continue
		}
		out[key] = r.redactValue(value)
	}
	return out
}

func (r *Redactor) redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.redactValue(item)
		}
		return out
	case string:
		return r.Redact(v)
	default:
		return value
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
