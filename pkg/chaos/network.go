package chaos

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
)

const defaultLatency = 5 * time.Second

type latencyStrategy struct {
	*base
	delay time.Duration
}

func newLatency(cfg config.LegacyStrategy) (Strategy, error) {
	s := &latencyStrategy{delay: secondsParam(cfg.Params, "delay", defaultLatency)}
	b, err := newBase(cfg, PhaseRequest, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *latencyStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	if err := sleepFor(ctx, s.delay); err != nil {
		return false, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Float64("chaos.delay", s.delay.Seconds()),
		attribute.Float64("chaos.latency_delay", s.delay.Seconds()))
	slog.Info("Latency injected", "strategy", s.name, "delay", s.delay)
	return true, nil
}

// errorReasons are the stock reason phrases for synthesized errors.
var errorReasons = map[int]string{
	500: "Internal Server Error",
	503: "Service Unavailable",
	429: "Too Many Requests",
	502: "Bad Gateway",
	504: "Gateway Timeout",
}

func errorReason(code int) string {
	if reason, ok := errorReasons[code]; ok {
		return reason
	}
	return "Chaos Injection"
}

type errorStrategy struct {
	*base
	code int
}

func newError(cfg config.LegacyStrategy) (Strategy, error) {
	s := &errorStrategy{code: intParam(cfg.Params, "error_code", 500)}
	b, err := newBase(cfg, PhaseResponse, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *errorStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"error": "Chaos injection: Simulated server error",
		"code":  s.code,
		"type":  "chaos_engineering",
	})
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	flow.Response = models.NewResponse(s.code, header, body)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("chaos.error_code", s.code))
	slog.Warn("Error injected",
		"strategy", s.name,
		"status_code", s.code,
		"reason", errorReason(s.code))
	return true, nil
}
