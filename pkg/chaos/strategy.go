// Package chaos implements the fault-injection strategies applied by the
// proxy pipeline. Strategies are built from plan scenarios by the factory
// and run through a per-instance circuit breaker so a misbehaving
// strategy disables itself instead of taking the proxy down.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// Phase tells a strategy which side of the exchange it is seeing.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"

	// phaseAny marks strategies that act on both sides.
	phaseAny Phase = ""
)

// Strategy is one fault-injection behavior. Apply reports whether the
// fault actually fired; errors count against the strategy's breaker and
// are swallowed by the pipeline (fail-open).
type Strategy interface {
	Name() string
	Enabled() bool
	ShouldTrigger(flow *models.Flow) bool
	Apply(ctx context.Context, flow *models.Flow, phase Phase) (bool, error)
}

// Breaker thresholds shared by every strategy instance.
const (
	breakerFailMax = 5
	breakerTimeout = 60 * time.Second
)

// injectFunc is the strategy body invoked once gating has passed.
type injectFunc func(ctx context.Context, flow *models.Flow) (bool, error)

// base carries the gating shared by all strategies: enablement, the
// activation probability, compiled target patterns, and the breaker.
// Concrete strategies embed *base and hand it their inject func.
type base struct {
	name        string
	kind        string
	enabled     bool
	probability float64
	phase       Phase
	urlPatterns []*regexp.Regexp
	rolePattern *regexp.Regexp
	breaker     *gobreaker.CircuitBreaker
	inject      injectFunc
}

func newBase(cfg config.LegacyStrategy, phase Phase, inject injectFunc) (*base, error) {
	b := &base{
		name:        cfg.Name,
		kind:        cfg.Type,
		enabled:     cfg.Enabled,
		probability: cfg.Probability,
		phase:       phase,
		inject:      inject,
	}

	if pattern := stringParam(cfg.Params, "url_pattern", ""); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: invalid url_pattern %q: %w", cfg.Name, pattern, err)
		}
		b.urlPatterns = append(b.urlPatterns, re)
	}
	if role := stringParam(cfg.Params, "target_role", ""); role != "" {
		re, err := regexp.Compile(role)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: invalid target_role %q: %w", cfg.Name, role, err)
		}
		b.rolePattern = re
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailMax
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				telemetry.RecordErrorCode(context.Background(), telemetry.CodeStrategyDisabled, name)
				slog.Warn("Strategy circuit opened, strategy disabled",
					"strategy", name,
					"previous_state", from.String(),
					"reset_timeout", breakerTimeout)
			}
		},
	})
	return b, nil
}

func (b *base) Name() string  { return b.name }
func (b *base) Enabled() bool { return b.enabled }

// ShouldTrigger reports whether the flow is in scope: enabled and either
// untargeted, or matching a URL pattern, or matching the agent-role
// pattern against the role header.
func (b *base) ShouldTrigger(flow *models.Flow) bool {
	if !b.enabled {
		return false
	}
	if len(b.urlPatterns) == 0 && b.rolePattern == nil {
		return true
	}
	rawURL := flow.Request.URL.String()
	for _, re := range b.urlPatterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	if b.rolePattern != nil {
		if role := agentRole(flow); role != "" && b.rolePattern.MatchString(role) {
			return true
		}
	}
	return false
}

// Apply runs the strategy body through the probability gate and the
// circuit breaker. A breaker-rejected call is a skip, not an error.
func (b *base) Apply(ctx context.Context, flow *models.Flow, phase Phase) (bool, error) {
	if !b.enabled {
		telemetry.RecordSkip(ctx, b.kind, telemetry.SkipDisabled)
		return false, nil
	}
	if b.phase != phaseAny && phase != b.phase {
		telemetry.RecordSkip(ctx, b.kind, telemetry.SkipPhase)
		return false, nil
	}
	if b.probability < 1.0 && rand.Float64() >= b.probability {
		telemetry.RecordSkip(ctx, b.kind, telemetry.SkipProbability)
		return false, nil
	}

	result, err := b.breaker.Execute(func() (any, error) {
		return b.inject(ctx, flow)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			telemetry.RecordSkip(ctx, b.kind, telemetry.SkipBreakerOpen)
			return false, nil
		}
		return false, fmt.Errorf("strategy %q: %w", b.name, err)
	}

	applied := result.(bool)
	if applied {
		flow.MarkApplied(b.name)
		telemetry.RecordInjection(ctx, b.name, flow.Meta("model"))
	}
	return applied, nil
}

// agentRole resolves the calling agent's role: pipeline metadata first,
// then the role headers, then a role=<value> token in the User-Agent.
func agentRole(flow *models.Flow) string {
	if role := flow.Meta("agent_role"); role != "" {
		return role
	}
	if role := flow.Request.Header.Get(models.HeaderAgentRole); role != "" {
		return role
	}
	if role := flow.Request.Header.Get("Agent-Role"); role != "" {
		return role
	}
	ua := flow.Request.Header.Get("User-Agent")
	if i := strings.Index(strings.ToLower(ua), "role="); i >= 0 {
		rest := ua[i+len("role="):]
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// sleepFor blocks for d or until the flow is cancelled.
func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
