package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
)

// groupChaosStrategy attacks every agent carrying one role at once, so a
// single rule can take out a whole organizational function.
type groupChaosStrategy struct {
	*base
	targetRole string
	action     string
	delay      time.Duration
	errorCode  int
}

func newGroupChaos(cfg config.LegacyStrategy) (Strategy, error) {
	s := &groupChaosStrategy{
		targetRole: stringParam(cfg.Params, "target_role", ""),
		action:     stringParam(cfg.Params, "action", "latency"),
		delay:      secondsParam(cfg.Params, "delay", time.Second),
		errorCode:  intParam(cfg.Params, "error_code", 500),
	}
	if s.targetRole == "" {
		return nil, fmt.Errorf("strategy %q: target_role is required", cfg.Name)
	}
	switch s.action {
	case "latency", "error", "disable":
	default:
		return nil, fmt.Errorf("strategy %q: unknown group action %q", cfg.Name, s.action)
	}
	b, err := newBase(cfg, PhaseRequest, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *groupChaosStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	role := agentRole(flow)
	if role == "" || role != s.targetRole {
		return false, nil
	}
	slog.Info("Group chaos applied", "strategy", s.name, "role", role, "action", s.action)

	switch s.action {
	case "latency":
		if err := sleepFor(ctx, s.delay); err != nil {
			return false, err
		}
		return true, nil
	case "error":
		body := []byte("Chaos Injection: Group-based error")
		if flow.Response != nil {
			flow.Response.StatusCode = s.errorCode
			flow.Response.SetBody(body)
		} else {
			header := http.Header{}
			header.Set("Content-Type", "text/plain")
			flow.Response = models.NewResponse(s.errorCode, header, body)
			flow.Synthesized = true
		}
		return true, nil
	case "disable":
		header := http.Header{}
		header.Set("Content-Type", "text/plain")
		header.Set("Retry-After", "60")
		flow.Response = models.NewResponse(http.StatusServiceUnavailable, header,
			[]byte("Service Unavailable: Group disabled by chaos strategy"))
		flow.Synthesized = true
		return true, nil
	}
	return false, nil
}

// groupFailureStrategy simulates a whole role going dark: every request
// from the role gets an unconditional 503.
type groupFailureStrategy struct {
	*base
	targetRole string
}

func newGroupFailure(cfg config.LegacyStrategy) (Strategy, error) {
	s := &groupFailureStrategy{targetRole: stringParam(cfg.Params, "target_role", "")}
	if s.targetRole == "" {
		return nil, fmt.Errorf("strategy %q: target_role is required", cfg.Name)
	}
	b, err := newBase(cfg, PhaseRequest, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *groupFailureStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	role := headerRole(flow)
	if role == "" || role != s.targetRole {
		return false, nil
	}

	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("Retry-After", "300")
	header.Set("X-Chaos-Reason", "Group failure: "+s.targetRole)
	flow.Response = models.NewResponse(http.StatusServiceUnavailable, header,
		[]byte("Service Unavailable: Group failure - "+s.targetRole))
	flow.Synthesized = true

	slog.Warn("Group failure applied", "strategy", s.name, "role", s.targetRole)
	return true, nil
}

// headerRole reads the role headers only, without the metadata and
// User-Agent fallbacks the broader extraction uses.
func headerRole(flow *models.Flow) string {
	if role := flow.Request.Header.Get(models.HeaderAgentRole); role != "" {
		return role
	}
	return flow.Request.Header.Get("Agent-Role")
}
