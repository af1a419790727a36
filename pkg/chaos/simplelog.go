package chaos

import (
	"context"
	"log/slog"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/redact"
)

// simpleLogStrategy injects nothing; it logs the traffic it sees. Useful
// for verifying targeting before arming a destructive scenario.
type simpleLogStrategy struct {
	*base
	redactor *redact.Redactor
}

func newSimpleLog(cfg config.LegacyStrategy) (Strategy, error) {
	s := &simpleLogStrategy{redactor: redact.NewFromEnv()}
	b, err := newBase(cfg, phaseAny, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *simpleLogStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	if flow.Response == nil {
		slog.Info("Request observed",
			"strategy", s.name,
			"method", flow.Request.Method,
			"url", s.redactor.RedactURL(flow.Request.URL.String()))
		slog.Debug("Request headers",
			"strategy", s.name,
			"headers", s.redactor.RedactHeaders(flow.Request.Header))
		return true, nil
	}
	slog.Info("Response observed",
		"strategy", s.name,
		"status_code", flow.Response.StatusCode)
	slog.Debug("Response headers",
		"strategy", s.name,
		"headers", s.redactor.RedactHeaders(flow.Response.Header))
	return true, nil
}
