// Package authz gates chaos interception behind scope-based credentials.
//
// Three credential kinds are accepted, checked in order: scope-based API
// keys, the legacy admin token, and JWTs (HS256/RS256). When nothing is
// configured, authentication is disabled with a loud warning and every
// request passes.
package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentchaos/chaosproxy/pkg/redact"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// Scope is a coarse permission level carried by a credential.
type Scope string

const (
	ScopeRead  Scope = "READ"
	ScopeAdmin Scope = "ADMIN"
)

// Context is the outcome of authenticating one request.
type Context struct {
	Allowed bool
	// UserID is a loggable principal: "token:<12 hex>", "jwt:<sub>",
	// "auth_disabled", "missing_token", or "invalid_jwt".
	UserID string
	Scopes []Scope
}

// Config carries the credential material for an Authenticator.
type Config struct {
	AdminToken  string
	ReadKeys    []string
	AdminKeys   []string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	// StrictJWT rejects JWTs when JWT validation is not fully configured.
	StrictJWT bool
}

// ConfigFromEnv assembles credentials from the environment:
// READ_KEY|CHAOS_READ_KEYS, ADMIN_KEY|CHAOS_ADMIN_KEYS (comma-separated),
// CHAOS_ADMIN_TOKEN, and CHAOS_JWT_SECRET/ISSUER/AUDIENCE/STRICT.
func ConfigFromEnv() Config {
	return Config{
		AdminToken:  os.Getenv("CHAOS_ADMIN_TOKEN"),
		ReadKeys:    splitKeys(firstEnv("READ_KEY", "CHAOS_READ_KEYS")),
		AdminKeys:   splitKeys(firstEnv("ADMIN_KEY", "CHAOS_ADMIN_KEYS")),
		JWTSecret:   os.Getenv("CHAOS_JWT_SECRET"),
		JWTIssuer:   os.Getenv("CHAOS_JWT_ISSUER"),
		JWTAudience: os.Getenv("CHAOS_JWT_AUDIENCE"),
		StrictJWT:   strings.ToLower(getEnv("CHAOS_JWT_STRICT", "true")) == "true",
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Authenticator validates request credentials. Immutable after New and
// safe for concurrent use.
type Authenticator struct {
	cfg      Config
	enabled  bool
	keyScope map[string][]Scope
	redactor *redact.Redactor
}

// New builds an Authenticator. A nil redactor disables URL redaction in
// warning logs (tests only; production always passes one).
func New(cfg Config, redactor *redact.Redactor) *Authenticator {
	a := &Authenticator{
		cfg:      cfg,
		keyScope: make(map[string][]Scope),
		redactor: redactor,
	}
	for _, k := range cfg.ReadKeys {
		a.keyScope[k] = []Scope{ScopeRead}
	}
	for _, k := range cfg.AdminKeys {
		a.keyScope[k] = []Scope{ScopeAdmin, ScopeRead}
	}

	a.enabled = cfg.AdminToken != "" || len(a.keyScope) > 0 || cfg.JWTSecret != ""
	if !a.enabled {
		slog.Warn("No auth configured (CHAOS_ADMIN_TOKEN / READ_KEY / ADMIN_KEY / CHAOS_JWT_SECRET). " +
			"Authentication is DISABLED. This is a security risk in production!")
	} else {
		slog.Info("Chaos authentication enabled")
	}
	return a
}

// Enabled reports whether any credential source is configured.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Authenticate checks the request headers for a credential carrying the
// required scope. requestURL is only used for redacted warning logs.
func (a *Authenticator) Authenticate(ctx context.Context, h http.Header, requestURL string, required Scope) Context {
	if !a.enabled {
		return Context{Allowed: true, UserID: "auth_disabled", Scopes: []Scope{ScopeRead, ScopeAdmin}}
	}

	token := ExtractToken(h)
	if token == "" {
		slog.Warn("Unauthorized access attempt: missing token", "url", a.redactURL(requestURL))
		return Context{Allowed: false, UserID: "missing_token"}
	}

	if scopes, ok := a.keyScope[token]; ok {
		return Context{Allowed: hasScope(scopes, required), UserID: TokenID(token), Scopes: scopes}
	}

	if a.cfg.AdminToken != "" && token == a.cfg.AdminToken {
		scopes := []Scope{ScopeAdmin, ScopeRead}
		return Context{Allowed: hasScope(scopes, required), UserID: TokenID(token), Scopes: scopes}
	}

	if looksLikeJWT(token) {
		user, scopes, err := a.validateJWT(ctx, token)
		if err != nil {
			return Context{Allowed: false, UserID: "invalid_jwt"}
		}
		return Context{Allowed: hasScope(scopes, required), UserID: user, Scopes: scopes}
	}

	slog.Warn("Unauthorized access attempt: invalid token", "url", a.redactURL(requestURL))
	return Context{Allowed: false, UserID: TokenID(token)}
}

func (a *Authenticator) redactURL(u string) string {
	if a.redactor == nil {
		return u
	}
	return a.redactor.RedactURL(u)
}

// validateJWT verifies signature, issuer, audience, and expiry, then
// extracts scopes and a user id.
func (a *Authenticator) validateJWT(ctx context.Context, token string) (string, []Scope, error) {
	if a.cfg.JWTSecret == "" || a.cfg.JWTIssuer == "" || a.cfg.JWTAudience == "" {
		slog.Warn("JWT provided but JWT validation is not fully configured",
			"secret_set", a.cfg.JWTSecret != "",
			"issuer_set", a.cfg.JWTIssuer != "",
			"audience_set", a.cfg.JWTAudience != "",
			"strict", a.cfg.StrictJWT)
		if a.cfg.StrictJWT {
			telemetry.RecordErrorCode(ctx, telemetry.CodeJWTUnavailable, "")
		}
		return "", nil, fmt.Errorf("jwt validation not configured")
	}

	parsed, err := jwt.Parse(token, a.keyFunc,
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithIssuer(a.cfg.JWTIssuer),
		jwt.WithAudience(a.cfg.JWTAudience),
	)
	if err != nil || !parsed.Valid {
		slog.Warn("Invalid JWT", "error", err)
		telemetry.RecordErrorCode(ctx, telemetry.CodeJWTInvalid, "")
		return "", nil, fmt.Errorf("invalid jwt: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		telemetry.RecordErrorCode(ctx, telemetry.CodeJWTInvalid, "")
		return "", nil, fmt.Errorf("unexpected jwt claims type")
	}
	return "jwt:" + claimUser(claims), claimScopes(claims), nil
}

func (a *Authenticator) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return []byte(a.cfg.JWTSecret), nil
	case *jwt.SigningMethodRSA:
		return jwt.ParseRSAPublicKeyFromPEM([]byte(a.cfg.JWTSecret))
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

func claimScopes(claims jwt.MapClaims) []Scope {
	if raw, ok := claims["scopes"].([]any); ok {
		scopes := make([]Scope, 0, len(raw))
		for _, s := range raw {
			scopes = append(scopes, Scope(strings.ToUpper(fmt.Sprint(s))))
		}
		return scopes
	}
	if raw, ok := claims["scope"].(string); ok {
		var scopes []Scope
		for _, s := range strings.Fields(raw) {
			scopes = append(scopes, Scope(strings.ToUpper(s)))
		}
		return scopes
	}
	return nil
}

func claimUser(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "user_id", "uid"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return "jwt_user"
}

// ExtractToken pulls the credential from Authorization: Bearer or
// X-Chaos-Token.
func ExtractToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth != "" && strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return h.Get("X-Chaos-Token")
}

// TokenID derives a loggable identifier from a credential without
// exposing it.
func TokenID(token string) string {
	digest := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(digest[:])[:12]
}

func hasScope(scopes []Scope, required Scope) bool {
	want := Scope(strings.ToUpper(string(required)))
	for _, s := range scopes {
		if Scope(strings.ToUpper(string(s))) == want {
			return true
		}
	}
	return false
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// UnauthorizedBody renders the 401 JSON payload returned by the proxy.
func UnauthorizedBody(required Scope) []byte {
	msg := fmt.Sprintf("Invalid or missing credentials. Required scope: %s. "+
		"Provide Authorization: Bearer <token> or X-Chaos-Token.", required)
	b, _ := json.Marshal(map[string]string{"error": "Unauthorized", "message": msg})
	return b
}
