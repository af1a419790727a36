package models

import "strings"

// LLMEndpointFragments are URL substrings that mark a request as bound
// for an LLM completion API. Shared by the semantic strategies and the
// proxy's AI metrics.
var LLMEndpointFragments = []string{
	"/api/chat",
	"/v1/chat/completions",
	"/api/generate",
	"/api/completions",
}

// IsLLMURL reports whether a URL targets a known LLM completion endpoint.
func IsLLMURL(url string) bool {
	lower := strings.ToLower(url)
	for _, fragment := range LLMEndpointFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
