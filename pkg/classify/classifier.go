// Package classify assigns a traffic type to every intercepted exchange
// so strategies can target LLM calls, tool calls, and inter-agent
// messages independently.
package classify

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/agentchaos/chaosproxy/pkg/authz"
	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/redact"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// maxBodyClassifySize caps body parsing; larger payloads are classified
// from URL and headers alone.
const maxBodyClassifySize = 1_000_000

// Built-in URL patterns for common services. Plan rules are merged in
// front of these; all patterns match case-insensitively.
var (
	defaultLLMPatterns = []string{
		`.*openai\.com.*/v1/(chat|completions|embeddings)`,
		`.*anthropic\.com.*/v1/messages`,
		`.*api\.cohere\.ai.*/v1/generate`,
		`.*api\.mistral\.ai.*/v1/chat`,
		`.*127\.0\.0\.1:11434.*/api/(chat|generate)`,
		`.*ollama.*/api/(chat|generate)`,
	}
	defaultToolPatterns = []string{
		`.*api\.(stripe|twilio|sendgrid|mailchimp)`,
		`.*\.googleapis\.com.*`,
		`.*localhost:8001.*`,
		`.*/api/(search|book|query|execute)`,
	}
	defaultAgentPatterns = []string{
		`.*agent-[a-z0-9]+.*`,
		`.*swarm.*/messages`,
		`.*localhost:\d+/agent-.*`,
		`.*/api/agent/.*`,
	}
)

// Options configures a Classifier beyond the plan's rule sets.
type Options struct {
	// Strict refuses to classify when the plan carries no rule packs,
	// emitting CLASSIFIER_STRICT_MISSING_RULES and UNKNOWN instead.
	Strict   bool
	Auth     *authz.Authenticator
	Redactor *redact.Redactor
}

// Classifier scores request URLs against pattern banks and falls back to
// header and body heuristics. Safe for concurrent use after construction.
type Classifier struct {
	llm   []*regexp.Regexp
	tool  []*regexp.Regexp
	agent []*regexp.Regexp

	strict        bool
	hasRulePacks  bool
	allowOverride bool
	auth          *authz.Authenticator
	redactor      *redact.Redactor
}

// New builds a classifier from a plan's targets and classifier rules,
// merged with the built-in defaults. plan may be nil.
func New(plan *config.Plan, opts Options) *Classifier {
	c := &Classifier{
		strict:   opts.Strict,
		auth:     opts.Auth,
		redactor: opts.Redactor,
	}

	if plan != nil {
		c.hasRulePacks = len(plan.ClassifierRulePacks) > 0
		c.allowOverride = plan.AllowClientOverride()

		for _, target := range plan.Targets {
			switch {
			case target.Type == config.TargetLLMInput:
				c.llm = appendPattern(c.llm, target.Pattern)
			case target.Type == config.TargetToolCall:
				c.tool = appendPattern(c.tool, target.Pattern)
			case target.Type == config.TargetCustom && strings.Contains(strings.ToLower(target.Name), "agent"):
				c.agent = appendPattern(c.agent, target.Pattern)
			}
		}

		rules := plan.EffectiveClassifierRules()
		for _, p := range rules.LLMPatterns {
			c.llm = appendPattern(c.llm, p)
		}
		for _, p := range rules.ToolPatterns {
			c.tool = appendPattern(c.tool, p)
		}
		for _, p := range rules.AgentPatterns {
			c.agent = appendPattern(c.agent, p)
		}
	}

	for _, p := range defaultLLMPatterns {
		c.llm = appendPattern(c.llm, p)
	}
	for _, p := range defaultToolPatterns {
		c.tool = appendPattern(c.tool, p)
	}
	for _, p := range defaultAgentPatterns {
		c.agent = appendPattern(c.agent, p)
	}

	slog.Info("Traffic classifier initialized",
		"llm_patterns", len(c.llm),
		"tool_patterns", len(c.tool),
		"agent_patterns", len(c.agent),
		"strict", c.strict)
	return c
}

func appendPattern(list []*regexp.Regexp, pattern string) []*regexp.Regexp {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		slog.Warn("Invalid classifier pattern, skipping", "pattern", pattern, "error", err)
		return list
	}
	return append(list, re)
}

// Classify determines the traffic type for a flow and stores the result
// on it. Override headers win when the caller is trusted; strict mode
// without rule packs short-circuits to UNKNOWN.
func (c *Classifier) Classify(ctx context.Context, flow *models.Flow) models.TrafficType {
	url := flow.Request.URL.String()

	if override := flow.Request.Header.Get(models.HeaderChaosType); override != "" && c.overrideAllowed(ctx, flow) {
		trafficType, ok := models.ParseTrafficType(strings.ToUpper(override))
		if !ok {
			trafficType = models.TrafficUnknown
		}
		flow.TrafficType = trafficType
		if subtype := flow.Request.Header.Get(models.HeaderChaosSubtype); subtype != "" {
			flow.TrafficSubtype = subtype
		}
		slog.Debug("Traffic type override via header", "traffic_type", trafficType)
		return trafficType
	}

	if c.strict && !c.hasRulePacks {
		slog.Error("Classifier strict mode enabled but no classifier_rule_packs configured",
			"error_code", telemetry.CodeClassifierStrictMissingRules)
		telemetry.RecordErrorCode(ctx, telemetry.CodeClassifierStrictMissingRules, "classifier")
		flow.TrafficType = models.TrafficUnknown
		return models.TrafficUnknown
	}

	var trafficType models.TrafficType
	var subtype string

	scores := map[models.TrafficType]int{
		models.TrafficAgentToAgent: c.bestScore(url, flow.Request.URL.Path, c.agent),
		models.TrafficLLMAPI:       c.bestScore(url, flow.Request.URL.Path, c.llm),
		models.TrafficToolCall:     c.bestScore(url, flow.Request.URL.Path, c.tool),
	}
	maxScore := 0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	if maxScore > 0 {
		// Tie-break by explicit priority: inter-agent patterns are the
		// most specific signal, tool patterns the least.
		for _, t := range []models.TrafficType{models.TrafficAgentToAgent, models.TrafficLLMAPI, models.TrafficToolCall} {
			if scores[t] == maxScore {
				trafficType = t
				break
			}
		}
		if trafficType == models.TrafficAgentToAgent {
			subtype = c.detectAgentSubtype(flow)
		}

		// A body with a recognizable shape is more specific than a URL
		// pattern and wins when they disagree.
		if bodyType, bodySubtype := c.classifyByBody(flow); bodyType != models.TrafficUnknown && bodyType != trafficType {
			trafficType, subtype = bodyType, bodySubtype
		}
	} else {
		trafficType, subtype = c.classifyByHeaders(flow)
		if trafficType == models.TrafficUnknown {
			trafficType, subtype = c.classifyByBody(flow)
		}
	}

	flow.TrafficType = trafficType
	if subtype != "" {
		flow.TrafficSubtype = subtype
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("Classified traffic",
			"url", truncate(c.redactURL(url), 50),
			"traffic_type", trafficType,
			"traffic_subtype", subtype)
	}
	return trafficType
}

// bestScore returns the highest pattern score for a URL. Score is match
// length plus a bonus for matches anchored in the path, so path-specific
// rules beat broad host rules.
func (c *Classifier) bestScore(url, path string, patterns []*regexp.Regexp) int {
	pathIndex := len(url)
	if path != "" {
		if i := strings.Index(url, path); i >= 0 {
			pathIndex = i
		}
	}

	best := 0
	for _, re := range patterns {
		loc := re.FindStringIndex(url)
		if loc == nil {
			continue
		}
		score := loc[1] - loc[0]
		if loc[0] >= pathIndex {
			score += 100
		}
		if score > best {
			best = score
		}
	}
	return best
}

// overrideAllowed permits classification override headers when the plan
// opts in or the caller presents a READ-scoped credential.
func (c *Classifier) overrideAllowed(ctx context.Context, flow *models.Flow) bool {
	if c.allowOverride {
		return true
	}
	if c.auth == nil || !c.auth.Enabled() {
		return false
	}
	return c.auth.Authenticate(ctx, flow.Request.Header, flow.Request.URL.String(), authz.ScopeRead).Allowed
}

func (c *Classifier) classifyByHeaders(flow *models.Flow) (models.TrafficType, string) {
	h := flow.Request.Header

	if h.Get("X-Agent-To-Agent") != "" || h.Get("X-Swarm-Message") != "" {
		return models.TrafficAgentToAgent, "swarm_message"
	}
	if h.Get(models.HeaderAgentRole) != "" || h.Get("Agent-Role") != "" {
		return models.TrafficAgentToAgent, "role_header"
	}
	if strings.Contains(strings.ToLower(h.Get("User-Agent")), "autogen") {
		return models.TrafficAgentToAgent, "autogen"
	}

	if auth := h.Get("Authorization"); auth != "" {
		if strings.Contains(auth, "sk-") || strings.Contains(auth, "Bearer") {
			url := flow.Request.URL.String()
			if strings.Contains(url, "openai") || strings.Contains(url, "anthropic") {
				return models.TrafficLLMAPI, ""
			}
		}
	}
	return models.TrafficUnknown, ""
}

func (c *Classifier) classifyByBody(flow *models.Flow) (models.TrafficType, string) {
	body := flow.Request.Body
	if len(body) == 0 || len(body) > maxBodyClassifySize {
		return models.TrafficUnknown, ""
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.TrafficUnknown, ""
	}

	if messages, ok := parsed["messages"].([]any); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if _, hasTool := msg["tool_calls"]; hasTool {
				return models.TrafficToolCall, "llm_tool_call"
			}
			if _, hasFunc := msg["function_call"]; hasFunc {
				return models.TrafficToolCall, "llm_tool_call"
			}
			if role, ok := msg["role"].(string); ok && (role == "system" || role == "user" || role == "assistant") {
				if _, hasModel := parsed["model"]; hasModel {
					return models.TrafficLLMAPI, ""
				}
				if _, hasTemp := parsed["temperature"]; hasTemp {
					return models.TrafficLLMAPI, ""
				}
			}
		}
	}

	if _, hasSender := parsed["sender"]; hasSender {
		if _, hasReceiver := parsed["receiver"]; hasReceiver {
			return models.TrafficAgentToAgent, "autogen_message"
		}
	}
	if hasAnyKey(parsed, "agent_id", "swarm_id") {
		return models.TrafficAgentToAgent, "swarm_message"
	}
	if hasAnyKey(parsed, "from_agent", "to_agent", "agent_role") {
		return models.TrafficAgentToAgent, "agent_metadata"
	}
	if hasAnyKey(parsed, "tool", "function", "action", "command") {
		return models.TrafficToolCall, "direct_tool_call"
	}
	return models.TrafficUnknown, ""
}

// detectAgentSubtype refines AGENT_TO_AGENT traffic into the swarm
// communication patterns the strategies key on.
func (c *Classifier) detectAgentSubtype(flow *models.Flow) string {
	url := strings.ToLower(flow.Request.URL.String())
	h := flow.Request.Header

	if strings.Contains(url, "supervisor") || strings.Contains(url, "manager") {
		return models.SubtypeSupervisorToWorker
	}
	if strings.Contains(url, "consensus") || strings.Contains(url, "vote") {
		return models.SubtypeConsensusVote
	}
	if strings.Contains(url, "worker") || strings.Contains(url, "agent-") {
		return models.SubtypeWorkerCommunication
	}

	if h.Get("X-Swarm-Phase") == "consensus" {
		return models.SubtypeConsensusVote
	}
	if h.Get(models.HeaderAgentRole) == "supervisor" {
		return models.SubtypeSupervisorToWorker
	}

	if len(flow.Request.Body) > 0 {
		body := strings.ToLower(string(flow.Request.Body))
		if strings.Contains(body, "consensus") || strings.Contains(body, "vote") {
			return models.SubtypeConsensusVote
		}
	}
	return models.SubtypeAgentToAgent
}

func (c *Classifier) redactURL(u string) string {
	if c.redactor == nil {
		return u
	}
	return c.redactor.RedactURL(u)
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
