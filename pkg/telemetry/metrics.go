package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TTFTBuckets are the explicit histogram boundaries for ai_latency_ttft,
// in seconds.
var TTFTBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type instruments struct {
	aiRequests      metric.Int64Counter
	aiTokenUsage    metric.Int64Counter
	aiLatencyTTFT   metric.Float64Histogram
	chaosInjections metric.Int64Counter
	chaosSkipped    metric.Int64Counter
	chaosErrorCodes metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var ins instruments
	var err error

	if ins.aiRequests, err = m.Int64Counter("ai_requests_total",
		metric.WithDescription("LLM API requests intercepted by the proxy")); err != nil {
		return nil, err
	}
	if ins.aiTokenUsage, err = m.Int64Counter("ai_token_usage",
		metric.WithDescription("Estimated prompt and completion tokens")); err != nil {
		return nil, err
	}
	if ins.aiLatencyTTFT, err = m.Float64Histogram("ai_latency_ttft",
		metric.WithDescription("Time to first token in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(TTFTBuckets...)); err != nil {
		return nil, err
	}
	if ins.chaosInjections, err = m.Int64Counter("ai_chaos_injections",
		metric.WithDescription("Chaos strategy activations")); err != nil {
		return nil, err
	}
	if ins.chaosSkipped, err = m.Int64Counter("chaos_injection_skipped_total",
		metric.WithDescription("Strategy activations skipped, by reason")); err != nil {
		return nil, err
	}
	if ins.chaosErrorCodes, err = m.Int64Counter("chaos_error_codes_total",
		metric.WithDescription("Structured error codes emitted by the proxy")); err != nil {
		return nil, err
	}
	return &ins, nil
}

// defaultProvider backs the package-level Record* helpers. All helpers are
// nil-safe so library code can record unconditionally even before Setup.
var defaultProvider atomic.Pointer[Provider]

func setDefault(p *Provider) { defaultProvider.Store(p) }

// Default returns the provider installed by Setup, nil before that.
func Default() *Provider { return defaultProvider.Load() }

func active() *instruments {
	p := defaultProvider.Load()
	if p == nil {
		return nil
	}
	return p.instruments
}

// RecordLLMRequest increments ai_requests_total for a model.
func RecordLLMRequest(ctx context.Context, model string) {
	ins := active()
	if ins == nil {
		return
	}
	ins.aiRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordTokenUsage adds an estimated token count for a model.
// kind is "prompt" or "completion".
func RecordTokenUsage(ctx context.Context, model, kind string, tokens int64) {
	ins := active()
	if ins == nil || tokens <= 0 {
		return
	}
	ins.aiTokenUsage.Add(ctx, tokens, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("type", kind),
	))
}

// RecordTTFT observes time-to-first-token in seconds for a model.
func RecordTTFT(ctx context.Context, model string, seconds float64) {
	ins := active()
	if ins == nil {
		return
	}
	ins.aiLatencyTTFT.Record(ctx, seconds, metric.WithAttributes(attribute.String("model", model)))
}

// RecordInjection increments ai_chaos_injections for a fired strategy.
func RecordInjection(ctx context.Context, strategy, model string) {
	ins := active()
	if ins == nil {
		return
	}
	ins.chaosInjections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("model", model),
	))
}

// Skip reasons recorded on chaos_injection_skipped_total.
const (
	SkipProbability  = "probability"
	SkipJSONPathMiss = "jsonpath_miss"
	SkipBreakerOpen  = "breaker_open"
	SkipDisabled     = "disabled"
	SkipPhase        = "phase"
)

// RecordSkip increments chaos_injection_skipped_total.
func RecordSkip(ctx context.Context, strategyType, reason string) {
	ins := active()
	if ins == nil {
		return
	}
	ins.chaosSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy_type", strategyType),
		attribute.String("reason", reason),
	))
}

// RecordErrorCode increments chaos_error_codes_total. strategy may be empty
// for codes raised outside a strategy.
func RecordErrorCode(ctx context.Context, code, strategy string) {
	ins := active()
	if ins == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("error_code", code)}
	if strategy != "" {
		attrs = append(attrs, attribute.String("strategy", strategy))
	}
	ins.chaosErrorCodes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// EstimateTokens approximates a token count as ceil(bytes/4). Good enough
// for trend metrics; not a tokenizer.
func EstimateTokens(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	return int64((len(payload) + 3) / 4)
}
