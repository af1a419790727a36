package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchaos/chaosproxy/pkg/redact"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestAuthDisabledAllowsEverything(t *testing.T) {
	a := New(Config{}, redact.New(true))
	require.False(t, a.Enabled())

	ctx := a.Authenticate(context.Background(), header(), "http://x/y", ScopeAdmin)
	assert.True(t, ctx.Allowed)
	assert.Equal(t, "auth_disabled", ctx.UserID)
	assert.ElementsMatch(t, []Scope{ScopeRead, ScopeAdmin}, ctx.Scopes)
}

func TestAPIKeyScopes(t *testing.T) {
	a := New(Config{
		ReadKeys:  []string{"reader-key"},
		AdminKeys: []string{"admin-key"},
	}, redact.New(true))
	require.True(t, a.Enabled())

	tests := []struct {
		name    string
		headers http.Header
		scope   Scope
		allowed bool
	}{
		{
			name:    "read key grants READ",
			headers: header("X-Chaos-Token", "reader-key"),
			scope:   ScopeRead,
			allowed: true,
		},
		{
			name:    "read key denied ADMIN",
			headers: header("X-Chaos-Token", "reader-key"),
			scope:   ScopeAdmin,
			allowed: false,
		},
		{
			name:    "admin key grants both",
			headers: header("X-Chaos-Token", "admin-key"),
			scope:   ScopeAdmin,
			allowed: true,
		},
		{
			name:    "bearer form accepted",
			headers: header("Authorization", "Bearer admin-key"),
			scope:   ScopeRead,
			allowed: true,
		},
		{
			name:    "case-insensitive bearer prefix",
			headers: header("Authorization", "bearer reader-key"),
			scope:   ScopeRead,
			allowed: true,
		},
		{
			name:    "missing token denied",
			headers: header(),
			scope:   ScopeRead,
			allowed: false,
		},
		{
			name:    "unknown token denied",
			headers: header("X-Chaos-Token", "nope"),
			scope:   ScopeRead,
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := a.Authenticate(context.Background(), tt.headers, "http://api/x", tt.scope)
			assert.Equal(t, tt.allowed, ctx.Allowed)
		})
	}
}

func TestLegacyAdminToken(t *testing.T) {
	a := New(Config{AdminToken: "legacy-secret"}, redact.New(true))

	ctx := a.Authenticate(context.Background(), header("X-Chaos-Token", "legacy-secret"), "http://x", ScopeAdmin)
	assert.True(t, ctx.Allowed)
	assert.Contains(t, ctx.UserID, "token:")
	assert.Len(t, ctx.UserID, len("token:")+12, "token id is 12 hex chars")
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuthentication(t *testing.T) {
	cfg := Config{
		JWTSecret:   "jwt-secret",
		JWTIssuer:   "chaos-issuer",
		JWTAudience: "chaos-aud",
		StrictJWT:   true,
	}
	a := New(cfg, redact.New(true))

	base := jwt.MapClaims{
		"iss": "chaos-issuer",
		"aud": "chaos-aud",
		"exp": time.Now().Add(time.Hour).Unix(),
		"sub": "alice",
	}

	t.Run("valid token with scopes array", func(t *testing.T) {
		claims := jwt.MapClaims{}
		for k, v := range base {
			claims[k] = v
		}
		claims["scopes"] = []any{"read", "admin"}
		tok := signHS256(t, "jwt-secret", claims)

		ctx := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeAdmin)
		assert.True(t, ctx.Allowed)
		assert.Equal(t, "jwt:alice", ctx.UserID)
		assert.ElementsMatch(t, []Scope{ScopeRead, ScopeAdmin}, ctx.Scopes)
	})

	t.Run("space-separated scope claim", func(t *testing.T) {
		claims := jwt.MapClaims{}
		for k, v := range base {
			claims[k] = v
		}
		claims["scope"] = "read"
		tok := signHS256(t, "jwt-secret", claims)

		ctx := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeRead)
		assert.True(t, ctx.Allowed)
		ctx = a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeAdmin)
		assert.False(t, ctx.Allowed, "READ-only JWT must not pass ADMIN")
	})

	t.Run("wrong issuer rejected", func(t *testing.T) {
		claims := jwt.MapClaims{}
		for k, v := range base {
			claims[k] = v
		}
		claims["iss"] = "evil"
		claims["scopes"] = []any{"read"}
		tok := signHS256(t, "jwt-secret", claims)

		ctx := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeRead)
		assert.False(t, ctx.Allowed)
		assert.Equal(t, "invalid_jwt", ctx.UserID)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		claims := jwt.MapClaims{}
		for k, v := range base {
			claims[k] = v
		}
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		claims["scopes"] = []any{"read"}
		tok := signHS256(t, "jwt-secret", claims)

		ctx := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeRead)
		assert.False(t, ctx.Allowed)
	})

	t.Run("wrong signature rejected", func(t *testing.T) {
		claims := jwt.MapClaims{}
		for k, v := range base {
			claims[k] = v
		}
		claims["scopes"] = []any{"read"}
		tok := signHS256(t, "other-secret", claims)

		ctx := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeRead)
		assert.False(t, ctx.Allowed)
	})
}

func TestJWTWithoutIssuerConfigRejected(t *testing.T) {
	// Secret set but issuer/audience missing: reject JWTs outright.
	a := New(Config{JWTSecret: "jwt-secret", StrictJWT: true}, redact.New(true))

	tok := signHS256(t, "jwt-secret", jwt.MapClaims{
		"sub": "bob", "scopes": []any{"read"}, "exp": time.Now().Add(time.Hour).Unix(),
	})
	ctx := a.Authenticate(context.Background(), header("Authorization", "Bearer "+tok), "http://x", ScopeRead)
	assert.False(t, ctx.Allowed)
	assert.Equal(t, "invalid_jwt", ctx.UserID)
}

func TestExtractToken(t *testing.T) {
	assert.Equal(t, "abc", ExtractToken(header("Authorization", "Bearer abc")))
	assert.Equal(t, "abc", ExtractToken(header("Authorization", "BEARER abc")))
	assert.Equal(t, "xyz", ExtractToken(header("X-Chaos-Token", "xyz")))
	assert.Equal(t, "", ExtractToken(header("Authorization", "Basic abc")))
	assert.Equal(t, "", ExtractToken(header()))
}

func TestUnauthorizedBody(t *testing.T) {
	var payload map[string]string
	require.NoError(t, json.Unmarshal(UnauthorizedBody(ScopeRead), &payload))
	assert.Equal(t, "Unauthorized", payload["error"])
	assert.Contains(t, payload["message"], "Required scope: READ")
	assert.Contains(t, payload["message"], "X-Chaos-Token")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("READ_KEY", "")
	t.Setenv("CHAOS_READ_KEYS", "r1, r2 ,")
	t.Setenv("ADMIN_KEY", "a1")
	t.Setenv("CHAOS_ADMIN_KEYS", "ignored-when-admin-key-set")
	t.Setenv("CHAOS_ADMIN_TOKEN", "legacy")
	t.Setenv("CHAOS_JWT_STRICT", "false")

	cfg := ConfigFromEnv()
	assert.Equal(t, []string{"r1", "r2"}, cfg.ReadKeys)
	assert.Equal(t, []string{"a1"}, cfg.AdminKeys)
	assert.Equal(t, "legacy", cfg.AdminToken)
	assert.False(t, cfg.StrictJWT)
}
