package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in plan YAML using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in plan content.
//
// Chaos plans are full of literal $ characters that must survive loading:
//   - URL regexes on targets: .*/v1/chat/completions$
//   - JSONPath masks in replay_config: $.timestamp, $.matches[*].metadata
//   - Corruption payloads with shell-ish text
//
// Examples:
//   - {{.CHAOS_UPSTREAM_HOST}} → value of CHAOS_UPSTREAM_HOST
//   - {{.TEAM}}-experiment → "payments-experiment"
//   - pattern: ".*/search_flights$" → preserved literally ($ not touched)
//
// Missing variables expand to empty string (unless template is malformed).
// Validation catches required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("plan").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// If template parsing fails, return original data
		// This allows YAML without any template syntax to pass through
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		// If execution fails, return original data
		return data
	}

	return buf.Bytes()
}
