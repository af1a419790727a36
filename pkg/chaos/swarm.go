package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

var agentIDPattern = regexp.MustCompile(`agent[-_]?([a-z0-9-]+)`)

// Body keys checked when extracting the sending agent's identity.
var agentIDBodyKeys = []string{"agent_id", "agentId", "sender", "from"}

// swarmDisruptionStrategy attacks agent-to-agent coordination. It only
// fires on flows classified AGENT_TO_AGENT, optionally narrowed to one
// subtype.
type swarmDisruptionStrategy struct {
	*base
	attackType     string
	targetSubtype  string
	consensusDelay time.Duration
	isolatedAgents map[string]struct{}
}

func newSwarmDisruption(cfg config.LegacyStrategy) (Strategy, error) {
	s := &swarmDisruptionStrategy{
		attackType:     stringParam(cfg.Params, "attack_type", "message_mutation"),
		targetSubtype:  stringParam(cfg.Params, "target_subtype", ""),
		consensusDelay: secondsParam(cfg.Params, "consensus_delay", 5*time.Second),
		isolatedAgents: map[string]struct{}{},
	}
	for _, id := range stringSliceParam(cfg.Params, "isolated_agents") {
		s.isolatedAgents[id] = struct{}{}
	}
	switch s.attackType {
	case "message_mutation", "consensus_delay", "agent_isolation":
	default:
		return nil, fmt.Errorf("strategy %q: unknown swarm attack_type %q", cfg.Name, s.attackType)
	}
	b, err := newBase(cfg, PhaseRequest, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *swarmDisruptionStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	if flow.TrafficType != models.TrafficAgentToAgent {
		return false, nil
	}
	if s.targetSubtype != "" && flow.TrafficSubtype != s.targetSubtype {
		return false, nil
	}

	var (
		applied bool
		err     error
	)
	switch s.attackType {
	case "message_mutation":
		applied, err = s.mutateMessage(ctx, flow)
	case "consensus_delay":
		applied, err = s.delayConsensus(ctx, flow)
	case "agent_isolation":
		applied, err = s.isolateAgent(flow)
	}
	if applied {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("chaos.attack_mode", s.attackType))
	}
	return applied, err
}

// mutateMessage flips booleans and perturbs positive numbers in the
// swarm message body, corrupting coordination state without breaking
// the message shape.
func (s *swarmDisruptionStrategy) mutateMessage(ctx context.Context, flow *models.Flow) (bool, error) {
	req := flow.Request
	if len(req.Body) == 0 {
		return false, nil
	}
	var doc any
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return false, nil
	}

	mutated, changed := mutateSwarmNode(doc)
	if !changed {
		return false, nil
	}
	out, err := json.Marshal(mutated)
	if err != nil {
		telemetry.RecordErrorCode(ctx, telemetry.CodeMutationFailed, s.name)
		return false, err
	}
	req.SetBody(out)
	flow.SetMeta("swarm_mutated", "true")
	slog.Warn("Swarm message mutated", "strategy", s.name, "subtype", flow.TrafficSubtype)
	return true, nil
}

func mutateSwarmNode(node any) (any, bool) {
	switch val := node.(type) {
	case map[string]any:
		changed := false
		for key, child := range val {
			mutated, c := mutateSwarmNode(child)
			if c {
				val[key] = mutated
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, child := range val {
			mutated, c := mutateSwarmNode(child)
			if c {
				val[i] = mutated
				changed = true
			}
		}
		return val, changed
	case bool:
		return !val, true
	case float64:
		if val > 0 {
			shift := max(val*0.2, 1)
			if rand.IntN(2) == 0 {
				shift = -shift
			}
			return val + shift, true
		}
		return val, false
	case string:
		switch val {
		case "true":
			return "false", true
		case "false":
			return "true", true
		}
		return val, false
	}
	return node, false
}

// delayConsensus stalls consensus rounds: it sleeps when the flow is a
// consensus vote or the URL names a consensus endpoint.
func (s *swarmDisruptionStrategy) delayConsensus(ctx context.Context, flow *models.Flow) (bool, error) {
	isConsensus := flow.TrafficSubtype == models.SubtypeConsensusVote ||
		strings.Contains(strings.ToLower(flow.Request.URL.String()), "consensus")
	if !isConsensus {
		return false, nil
	}
	if err := sleepFor(ctx, s.consensusDelay); err != nil {
		return false, err
	}
	slog.Warn("Consensus delayed", "strategy", s.name, "delay", s.consensusDelay)
	return true, nil
}

// isolateAgent answers 503 for messages from agents on the isolation
// list, simulating a network partition around them.
func (s *swarmDisruptionStrategy) isolateAgent(flow *models.Flow) (bool, error) {
	agentID := extractAgentID(flow)
	if agentID == "" {
		return false, nil
	}
	if _, isolated := s.isolatedAgents[agentID]; !isolated {
		return false, nil
	}

	body, err := json.Marshal(map[string]string{
		"error":    "Agent isolated",
		"agent_id": agentID,
	})
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	flow.Response = models.NewResponse(http.StatusServiceUnavailable, header, body)
	flow.Synthesized = true

	slog.Warn("Agent isolated", "strategy", s.name, "agent_id", agentID)
	return true, nil
}

// extractAgentID resolves the sending agent: explicit header, then an
// agent token in the URL, then well-known body keys.
func extractAgentID(flow *models.Flow) string {
	if id := flow.Request.Header.Get("X-Agent-ID"); id != "" {
		return id
	}
	if m := agentIDPattern.FindStringSubmatch(strings.ToLower(flow.Request.URL.String())); len(m) == 2 {
		return m[1]
	}
	if len(flow.Request.Body) > 0 {
		var body map[string]any
		if err := json.Unmarshal(flow.Request.Body, &body); err == nil {
			for _, key := range agentIDBodyKeys {
				if id, ok := body[key].(string); ok && id != "" {
					return id
				}
			}
		}
	}
	return ""
}
