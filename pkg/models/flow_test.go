package models

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkAppliedDeduplicates(t *testing.T) {
	f := &Flow{}

	assert.True(t, f.MarkApplied("latency"))
	assert.True(t, f.MarkApplied("error_injection"))
	assert.False(t, f.MarkApplied("latency"), "second mark of the same name is a no-op")

	assert.Equal(t, []string{"latency", "error_injection"}, f.Applied())
	assert.Equal(t, "latency,error_injection", f.AppliedJoined())
}

func TestAppliedJoinedEmpty(t *testing.T) {
	f := &Flow{}
	assert.Equal(t, "", f.AppliedJoined())
}

func TestSetBodyRefreshesContentLength(t *testing.T) {
	resp := NewResponse(200, nil, []byte("hello"))
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))

	resp.SetBody([]byte("hello, world"))
	assert.Equal(t, "12", resp.Header.Get("Content-Length"))
}

func TestContentTypeStripsParameters(t *testing.T) {
	req := &Request{Header: http.Header{}}
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	assert.Equal(t, "application/json", req.ContentType())
}

func TestIsLLMURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.openai.com/v1/chat/completions", true},
		{"http://localhost:11434/api/generate", true},
		{"http://localhost:11434/API/CHAT", true},
		{"https://tools.example.com/search_flights", false},
		{"https://api.openai.com/v1/models", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLLMURL(tt.url))
		})
	}
}

func TestParseTrafficType(t *testing.T) {
	got, ok := ParseTrafficType("LLM_API")
	assert.True(t, ok)
	assert.Equal(t, TrafficLLMAPI, got)

	got, ok = ParseTrafficType("nonsense")
	assert.False(t, ok)
	assert.Equal(t, TrafficUnknown, got)
}
