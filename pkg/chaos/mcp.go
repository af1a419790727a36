package chaos

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// URL fragments that mark a POST as a tool or chat endpoint; bodies on
// other endpoints are never treated as direct tool calls.
var toolEndpointFragments = []string{
	"/search_flights",
	"/book_ticket",
	"/v1/chat/completions",
	"/v1/messages",
	"/api/chat",
}

// Body keys whose presence marks structured tool-call parameters.
var toolBodyKeys = []string{
	"origin", "destination", "date",
	"flight_id",
	"tool_calls", "function_call",
	"messages",
}

// mcpFuzzingStrategy mutates tool-call arguments in flight. It handles
// OpenAI tool_calls/function_call (arguments as embedded JSON strings),
// Anthropic tool_use content blocks, and direct POSTs to tool endpoints.
type mcpFuzzingStrategy struct {
	*base
	fuzzType       string
	targetEndpoint string
	fieldMode      map[string]string
	fuzzer         schemaFuzzer
}

func newMCPFuzzing(cfg config.LegacyStrategy) (Strategy, error) {
	s := &mcpFuzzingStrategy{
		fuzzType:       stringParam(cfg.Params, "fuzz_type", "schema_violation"),
		targetEndpoint: stringParam(cfg.Params, "target_endpoint", ""),
		fieldMode:      stringMapParam(cfg.Params, "field_mode"),
	}
	switch s.fuzzType {
	case "schema_violation", "type_mismatch", "null_injection", "garbage_value", "random":
	default:
		slog.Warn("Invalid fuzz_type, using schema_violation", "strategy", cfg.Name, "fuzz_type", s.fuzzType)
		s.fuzzType = "schema_violation"
	}
	b, err := newBase(cfg, PhaseRequest, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *mcpFuzzingStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	body, ok := s.toolCallBody(flow)
	if !ok {
		return false, nil
	}
	if s.targetEndpoint != "" && !strings.Contains(flow.Request.URL.String(), s.targetEndpoint) {
		return false, nil
	}

	fuzzType := s.fuzzType
	if fuzzType == "random" {
		fuzzType = pick([]string{"schema_violation", "type_mismatch", "null_injection", "garbage_value"})
	}

	// One child span per detected tool call, open for the duration of the
	// mutation so trace consumers see which calls the fuzz touched.
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer("chaosproxy")
	names := toolCallNames(flow.Request.URL.String(), body)
	spans := make([]trace.Span, 0, len(names))
	for _, name := range names {
		_, sp := tracer.Start(ctx, "chaos.tool_call.fuzz", trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("chaos.fuzz_type", fuzzType),
		))
		spans = append(spans, sp)
	}
	endSpans := func() {
		for _, sp := range spans {
			sp.End()
		}
	}

	var fuzzed bool
	switch fuzzType {
	case "schema_violation":
		fuzzed = s.applySchemaViolation(body)
	case "type_mismatch":
		fuzzed = s.applyTypeMismatch(body)
	case "null_injection":
		fuzzed = s.applyNullInjection(body)
	case "garbage_value":
		fuzzed = s.applyGarbageValue(body)
	}
	endSpans()
	if !fuzzed {
		return false, nil
	}

	parent := trace.SpanFromContext(ctx)
	parent.SetAttributes(attribute.String("chaos.fuzz_type", fuzzType))
	if s.targetEndpoint != "" {
		parent.SetAttributes(attribute.String("chaos.target_endpoint", s.targetEndpoint))
	}

	out, err := json.Marshal(body)
	if err != nil {
		telemetry.RecordErrorCode(ctx, telemetry.CodeMutationFailed, s.name)
		return false, err
	}
	flow.Request.SetBody(out)
	flow.Fuzzed = true
	slog.Warn("Tool-call fuzzing applied", "strategy", s.name, "fuzz_type", fuzzType)
	return true, nil
}

// toolCallBody parses the request body and reports whether it looks
// like a tool call in any of the recognized shapes.
func (s *mcpFuzzingStrategy) toolCallBody(flow *models.Flow) (map[string]any, bool) {
	req := flow.Request
	if len(req.Body) == 0 || !strings.Contains(req.ContentType(), "application/json") {
		return nil, false
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, false
	}

	if _, ok := body["tool_calls"]; ok {
		return body, true
	}
	if _, ok := body["function_call"]; ok {
		return body, true
	}

	for _, raw := range messagesOf(body) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := msg["tool_calls"]; ok {
			return body, true
		}
		if _, ok := msg["function_call"]; ok {
			return body, true
		}
		if blocks, ok := msg["content"].([]any); ok {
			for _, rawBlock := range blocks {
				if block, ok := rawBlock.(map[string]any); ok && block["type"] == "tool_use" {
					return body, true
				}
			}
		}
	}

	if req.Method == "POST" {
		url := strings.ToLower(req.URL.String())
		for _, fragment := range toolEndpointFragments {
			if !strings.Contains(url, fragment) {
				continue
			}
			for _, key := range toolBodyKeys {
				if _, ok := body[key]; ok {
					return body, true
				}
			}
		}
	}
	return nil, false
}

// applySchemaViolation fuzzes every classifiable field in the tool-call
// arguments, wherever the arguments live.
func (s *mcpFuzzingStrategy) applySchemaViolation(body map[string]any) bool {
	if !hasAnyToolShape(body) {
		return s.fuzzArguments(body)
	}

	fuzzed := false
	for _, raw := range messagesOf(body) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if calls, ok := msg["tool_calls"].([]any); ok {
			for _, rawCall := range calls {
				call, ok := rawCall.(map[string]any)
				if !ok {
					continue
				}
				if s.fuzzFunctionArguments(call["function"]) {
					fuzzed = true
				}
			}
		}
		if fc, ok := msg["function_call"].(map[string]any); ok {
			if s.fuzzEmbeddedArguments(fc) {
				fuzzed = true
			}
		}
		if blocks, ok := msg["content"].([]any); ok {
			for _, rawBlock := range blocks {
				block, ok := rawBlock.(map[string]any)
				if !ok || block["type"] != "tool_use" {
					continue
				}
				if input, ok := block["input"].(map[string]any); ok && s.fuzzArguments(input) {
					fuzzed = true
				}
			}
		}
	}

	// Top-level OpenAI shapes outside messages.
	if calls, ok := body["tool_calls"].([]any); ok {
		for _, rawCall := range calls {
			if call, ok := rawCall.(map[string]any); ok && s.fuzzFunctionArguments(call["function"]) {
				fuzzed = true
			}
		}
	}
	if fc, ok := body["function_call"].(map[string]any); ok && s.fuzzEmbeddedArguments(fc) {
		fuzzed = true
	}
	return fuzzed
}

func hasAnyToolShape(body map[string]any) bool {
	for _, key := range []string{"tool_calls", "function_call", "messages"} {
		if _, ok := body[key]; ok {
			return true
		}
	}
	return false
}

func (s *mcpFuzzingStrategy) fuzzFunctionArguments(raw any) bool {
	fn, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	return s.fuzzEmbeddedArguments(fn)
}

// fuzzEmbeddedArguments handles the OpenAI convention of arguments
// carried as a JSON string, re-encoding after mutation.
func (s *mcpFuzzingStrategy) fuzzEmbeddedArguments(holder map[string]any) bool {
	return mutateEmbedded(holder, s.fuzzArguments)
}

// fuzzArguments mutates classifiable fields of one argument map in place.
func (s *mcpFuzzingStrategy) fuzzArguments(args map[string]any) bool {
	fuzzed := 0
	for _, name := range sortedKeys(args) {
		fieldType := s.fuzzer.detectFieldType(name, args[name])
		if fieldType == "unknown" {
			continue
		}
		mode := s.fieldMode[fieldType]
		if mode == "" {
			mode = "random"
		}
		args[name] = s.fuzzer.fuzzField(args[name], fieldType, mode)
		fuzzed++
	}
	if fuzzed > 0 {
		slog.Debug("Schema-aware fuzzing mutated fields", "strategy", s.name, "fields", fuzzed)
		return true
	}
	return false
}

// applyTypeMismatch stringifies the first numeric field it finds, in
// embedded tool-call arguments first, then the top-level body.
func (s *mcpFuzzingStrategy) applyTypeMismatch(body map[string]any) bool {
	for _, raw := range messagesOf(body) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		calls, ok := msg["tool_calls"].([]any)
		if !ok {
			continue
		}
		for _, rawCall := range calls {
			call, ok := rawCall.(map[string]any)
			if !ok {
				continue
			}
			fn, ok := call["function"].(map[string]any)
			if !ok {
				continue
			}
			if mutateEmbedded(fn, mismatchFirstNumeric) {
				return true
			}
		}
	}
	return mismatchFirstNumeric(body)
}

func mismatchFirstNumeric(args map[string]any) bool {
	for _, key := range sortedKeys(args) {
		if _, ok := asFloat(args[key]); ok {
			args[key] = numericString(args[key]) + "abc"
			return true
		}
	}
	return false
}

// applyNullInjection nulls one random field.
func (s *mcpFuzzingStrategy) applyNullInjection(body map[string]any) bool {
	for _, raw := range messagesOf(body) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		calls, ok := msg["tool_calls"].([]any)
		if !ok {
			continue
		}
		for _, rawCall := range calls {
			call, ok := rawCall.(map[string]any)
			if !ok {
				continue
			}
			fn, ok := call["function"].(map[string]any)
			if !ok {
				continue
			}
			if mutateEmbedded(fn, nullRandomField) {
				return true
			}
		}
	}
	return nullRandomField(body)
}

func nullRandomField(args map[string]any) bool {
	if len(args) == 0 {
		return false
	}
	keys := sortedKeys(args)
	args[keys[rand.IntN(len(keys))]] = nil
	return true
}

// applyGarbageValue replaces one random top-level value with garbage.
func (s *mcpFuzzingStrategy) applyGarbageValue(body map[string]any) bool {
	if len(body) == 0 {
		return false
	}
	keys := sortedKeys(body)
	key := keys[rand.IntN(len(keys))]
	body[key] = garbageValue
	slog.Warn("Garbage value injected", "strategy", s.name, "field", key)
	return true
}

// toolCallNames lists the tool calls detected in the body: function names
// from tool_calls/function_call, Anthropic tool_use block names, or the
// endpoint name for direct tool POSTs.
func toolCallNames(rawURL string, body map[string]any) []string {
	var names []string
	addCalls := func(holder map[string]any) {
		if calls, ok := holder["tool_calls"].([]any); ok {
			for _, rawCall := range calls {
				call, ok := rawCall.(map[string]any)
				if !ok {
					continue
				}
				if fn, ok := call["function"].(map[string]any); ok {
					if name, ok := fn["name"].(string); ok && name != "" {
						names = append(names, name)
					}
				}
			}
		}
		if fc, ok := holder["function_call"].(map[string]any); ok {
			if name, ok := fc["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}

	addCalls(body)
	for _, raw := range messagesOf(body) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		addCalls(msg)
		if blocks, ok := msg["content"].([]any); ok {
			for _, rawBlock := range blocks {
				block, ok := rawBlock.(map[string]any)
				if !ok || block["type"] != "tool_use" {
					continue
				}
				if name, ok := block["name"].(string); ok && name != "" {
					names = append(names, name)
				}
			}
		}
	}

	if len(names) == 0 {
		lower := strings.ToLower(rawURL)
		for _, fragment := range toolEndpointFragments {
			if strings.Contains(lower, fragment) {
				names = append(names, strings.TrimPrefix(fragment, "/"))
				break
			}
		}
	}
	if len(names) == 0 {
		names = append(names, "unknown")
	}
	return names
}

// mutateEmbedded decodes a JSON-string arguments field, applies mutate,
// and re-encodes on success.
func mutateEmbedded(holder map[string]any, mutate func(map[string]any) bool) bool {
	raw, ok := holder["arguments"]
	if !ok {
		return false
	}
	switch args := raw.(type) {
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			return false
		}
		if !mutate(parsed) {
			return false
		}
		encoded, err := json.Marshal(parsed)
		if err != nil {
			return false
		}
		holder["arguments"] = string(encoded)
		return true
	case map[string]any:
		return mutate(args)
	}
	return false
}
