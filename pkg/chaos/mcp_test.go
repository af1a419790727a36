package chaos

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDetectFieldType(t *testing.T) {
	var f schemaFuzzer
	tests := []struct {
		name  string
		field string
		value any
		want  string
	}{
		{"date keyword", "departure_date", "2026-03-01", "date"},
		{"numeric keyword", "seat_count", 3.0, "numeric"},
		{"string keyword", "destination", "SFO", "string"},
		{"numeric by value", "foo", 42.0, "numeric"},
		{"iso date by value", "foo", "2026-03-01T10:00:00Z", "date"},
		{"string by value", "foo", "bar", "string"},
		{"unknown", "foo", []any{}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.detectFieldType(tt.field, tt.value))
		})
	}
}

func TestFuzzerModes(t *testing.T) {
	var f schemaFuzzer

	t.Run("date invalid_format", func(t *testing.T) {
		got := f.fuzzDate("2026-03-01", "invalid_format").(string)
		assert.Contains(t, invalidDateFormats, got)
	})

	t.Run("numeric type_mismatch keeps the digits", func(t *testing.T) {
		assert.Equal(t, "3abc", f.fuzzNumeric(3.0, "type_mismatch"))
	})

	t.Run("numeric max_int", func(t *testing.T) {
		assert.Equal(t, maxInt32, f.fuzzNumeric(7.0, "max_int"))
	})

	t.Run("numeric null", func(t *testing.T) {
		assert.Nil(t, f.fuzzNumeric(7.0, "null"))
	})

	t.Run("string sql_injection", func(t *testing.T) {
		got := f.fuzzString("SFO", "sql_injection").(string)
		assert.Contains(t, sqlInjectionPayloads, got)
	})

	t.Run("string xss", func(t *testing.T) {
		assert.Equal(t, xssPayload, f.fuzzString("SFO", "xss"))
	})

	t.Run("string empty", func(t *testing.T) {
		assert.Equal(t, "", f.fuzzString("SFO", "empty"))
	})
}

func TestMCPFuzzingDirectToolCall(t *testing.T) {
	s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{
		"fuzz_type": "schema_violation",
		"field_mode": map[string]any{
			"date":    "invalid_format",
			"string":  "sql_injection",
			"numeric": "type_mismatch",
		},
	}))
	require.NoError(t, err)

	flow := testFlow(t, "POST", "http://tools.test/search_flights",
		[]byte(`{"origin":"SFO","destination":"JFK","date":"2026-03-01"}`),
		map[string]string{"Content-Type": "application/json"})

	applied, err := s.Apply(context.Background(), flow, PhaseRequest)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, flow.Fuzzed)

	var body map[string]any
	require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
	assert.Contains(t, invalidDateFormats, body["date"], "date field fuzzed as date")
	assert.Contains(t, sqlInjectionPayloads, body["origin"], "string field fuzzed as string")
	assert.Contains(t, sqlInjectionPayloads, body["destination"])
}

func TestMCPFuzzingOpenAIArguments(t *testing.T) {
	s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{
		"fuzz_type":  "schema_violation",
		"field_mode": map[string]any{"date": "invalid_format", "string": "empty", "numeric": "zero"},
	}))
	require.NoError(t, err)

	payload := map[string]any{
		"model": "gpt-4",
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "search_flights",
							"arguments": `{"origin":"SFO","date":"2026-03-01"}`,
						},
					},
				},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	flow := testFlow(t, "POST", "https://api.openai.com/v1/chat/completions", raw,
		map[string]string{"Content-Type": "application/json"})

	applied, err := s.Apply(context.Background(), flow, PhaseRequest)
	require.NoError(t, err)
	assert.True(t, applied)

	var body map[string]any
	require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
	fn := body["messages"].([]any)[0].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)["function"].(map[string]any)

	argsStr, ok := fn["arguments"].(string)
	require.True(t, ok, "arguments stay an embedded JSON string")
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(argsStr), &args))
	assert.Contains(t, invalidDateFormats, args["date"])
	assert.Equal(t, "", args["origin"])
}

func TestMCPFuzzingAnthropicToolUse(t *testing.T) {
	s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{
		"fuzz_type":  "schema_violation",
		"field_mode": map[string]any{"string": "xss"},
	}))
	require.NoError(t, err)

	payload := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{
						"type":  "tool_use",
						"name":  "book_ticket",
						"input": map[string]any{"destination": "JFK"},
					},
				},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	flow := testFlow(t, "POST", "https://api.anthropic.com/v1/messages", raw,
		map[string]string{"Content-Type": "application/json"})

	applied, err := s.Apply(context.Background(), flow, PhaseRequest)
	require.NoError(t, err)
	assert.True(t, applied)

	var body map[string]any
	require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
	input := body["messages"].([]any)[0].(map[string]any)["content"].([]any)[0].(map[string]any)["input"].(map[string]any)
	assert.Equal(t, xssPayload, input["destination"])
}

func TestMCPFuzzingLegacyModes(t *testing.T) {
	bodyJSON := `{"flight_id":"F1","seats":2}`
	headers := map[string]string{"Content-Type": "application/json"}

	t.Run("type_mismatch", func(t *testing.T) {
		s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{"fuzz_type": "type_mismatch"}))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://tools.test/book_ticket", []byte(bodyJSON), headers)
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)

		var body map[string]any
		require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
		assert.Equal(t, "2abc", body["seats"])
	})

	t.Run("null_injection", func(t *testing.T) {
		s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{"fuzz_type": "null_injection"}))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://tools.test/book_ticket", []byte(bodyJSON), headers)
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)

		var body map[string]any
		require.NoError(t, json.Unmarshal(flow.Request.Body, &body))
		nulls := 0
		for _, v := range body {
			if v == nil {
				nulls++
			}
		}
		assert.Equal(t, 1, nulls)
	})

	t.Run("garbage_value", func(t *testing.T) {
		s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{"fuzz_type": "garbage_value"}))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://tools.test/book_ticket", []byte(bodyJSON), headers)
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Contains(t, string(flow.Request.Body), garbageValue)
	})
}

func TestMCPFuzzingGates(t *testing.T) {
	t.Run("non-tool endpoint skipped", func(t *testing.T) {
		s, err := New(testCfg("fuzz", "mcp_fuzzing", nil))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://plain.test/unrelated",
			[]byte(`{"origin":"SFO"}`), map[string]string{"Content-Type": "application/json"})
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("target_endpoint narrows scope", func(t *testing.T) {
		s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{"target_endpoint": "/book_ticket"}))
		require.NoError(t, err)
		flow := testFlow(t, "POST", "http://tools.test/search_flights",
			[]byte(`{"origin":"SFO","date":"2026-03-01"}`), map[string]string{"Content-Type": "application/json"})
		applied, err := s.Apply(context.Background(), flow, PhaseRequest)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("invalid fuzz_type falls back to schema_violation", func(t *testing.T) {
		s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{"fuzz_type": "nonsense"}))
		require.NoError(t, err)
		assert.True(t, s.Enabled())
	})
}

func TestMCPFuzzingEmitsToolCallSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, parent := tp.Tracer("test").Start(context.Background(), "intercept")

	s, err := New(testCfg("fuzz", "mcp_fuzzing", map[string]any{"fuzz_type": "schema_violation"}))
	require.NoError(t, err)

	body := []byte(`{"tool_calls":[{"function":{"name":"search_flights","arguments":"{\"origin\":\"NYC\",\"date\":\"2025-12-25\"}"}}]}`)
	flow := testFlow(t, "POST", "http://tools.test/invoke", body,
		map[string]string{"Content-Type": "application/json"})

	applied, err := s.Apply(ctx, flow, PhaseRequest)
	require.NoError(t, err)
	require.True(t, applied)
	parent.End()

	var toolSpans []sdktrace.ReadOnlySpan
	for _, span := range sr.Ended() {
		if span.Name() == "chaos.tool_call.fuzz" {
			toolSpans = append(toolSpans, span)
		}
	}
	require.Len(t, toolSpans, 1, "one nested span per detected tool call")

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range toolSpans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "search_flights", attrs["tool.name"].AsString())
	assert.Equal(t, "schema_violation", attrs["chaos.fuzz_type"].AsString())

	assert.Equal(t, parent.SpanContext().SpanID(), toolSpans[0].Parent().SpanID(),
		"tool-call span nests under the intercept span")
}

func TestToolCallNames(t *testing.T) {
	tests := []struct {
		name string
		url  string
		body string
		want []string
	}{
		{
			name: "openai tool_calls",
			url:  "http://x.test/invoke",
			body: `{"tool_calls":[{"function":{"name":"search_flights"}},{"function":{"name":"book_ticket"}}]}`,
			want: []string{"search_flights", "book_ticket"},
		},
		{
			name: "legacy function_call",
			url:  "http://x.test/invoke",
			body: `{"function_call":{"name":"get_weather"}}`,
			want: []string{"get_weather"},
		},
		{
			name: "anthropic tool_use block",
			url:  "http://x.test/invoke",
			body: `{"messages":[{"role":"assistant","content":[{"type":"tool_use","name":"lookup"}]}]}`,
			want: []string{"lookup"},
		},
		{
			name: "direct endpoint falls back to url",
			url:  "http://tools.test/search_flights",
			body: `{"origin":"SFO"}`,
			want: []string{"search_flights"},
		},
		{
			name: "nothing recognizable",
			url:  "http://x.test/other",
			body: `{"origin":"SFO"}`,
			want: []string{"unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.body), &body))
			assert.Equal(t, tt.want, toolCallNames(tt.url, body))
		})
	}
}
