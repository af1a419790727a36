// Package config loads, validates, and hot-swaps chaos plans, and reads
// the process settings from the environment.
package config

import (
	"sort"
)

// DefaultReplayIgnorePaths are the JSONPath expressions masked out of
// request bodies before fingerprinting. They cover the volatile fields
// that differ between a recording session and a replay.
var DefaultReplayIgnorePaths = []string{
	"$.timestamp",
	"$.created_at",
	"$.date",
	"$.uuid",
	"$.trace_id",
	"$.request_id",
	"$.headers.Date",
	"$.headers.Server",
}

// Target types accepted in a plan.
const (
	TargetHTTPEndpoint = "http_endpoint"
	TargetLLMInput     = "llm_input"
	TargetToolCall     = "tool_call"
	TargetAgentRole    = "agent_role"
	TargetCustom       = "custom"
)

// Target defines what a chaos scenario attacks. pattern is a regex for
// URL-matched types and a literal role name for agent_role.
type Target struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description,omitempty"`
}

// Scenario binds a strategy type to a target with gating parameters.
// Probability gates activation per matching request; nil means 1.0.
type Scenario struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	TargetRef   string         `yaml:"target_ref"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
	Probability *float64       `yaml:"probability,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
}

// IsEnabled reports whether the scenario is active. Unset means enabled.
func (s *Scenario) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Prob returns the activation probability, defaulting to 1.0.
func (s *Scenario) Prob() float64 {
	if s.Probability == nil {
		return 1.0
	}
	return *s.Probability
}

// ReplayConfig controls fingerprint masking for deterministic replay.
type ReplayConfig struct {
	// IgnorePaths are JSONPath expressions masked in request bodies.
	IgnorePaths []string `yaml:"ignore_paths,omitempty"`
	// IgnoreParams are query parameter names dropped before hashing.
	IgnoreParams []string `yaml:"ignore_params,omitempty"`
}

// ClassifierRules holds regex pattern lists merged into the traffic
// classifier. All patterns are matched case-insensitively.
type ClassifierRules struct {
	LLMPatterns   []string `yaml:"llm_patterns,omitempty"`
	ToolPatterns  []string `yaml:"tool_patterns,omitempty"`
	AgentPatterns []string `yaml:"agent_patterns,omitempty"`
}

// Empty reports whether the rule set carries no patterns at all.
func (r *ClassifierRules) Empty() bool {
	return r == nil || (len(r.LLMPatterns) == 0 && len(r.ToolPatterns) == 0 && len(r.AgentPatterns) == 0)
}

// ClassifierRulePack is a named rule set. Strict classifier mode requires
// at least one pack or a top-level rule set.
type ClassifierRulePack struct {
	Name  string          `yaml:"name"`
	Rules ClassifierRules `yaml:"rules"`
}

// Plan is a complete chaos experiment: targets (what to attack) and
// scenarios (how to attack them), plus replay and classifier settings.
type Plan struct {
	Version             string               `yaml:"version,omitempty"`
	Revision            int                  `yaml:"revision,omitempty"`
	Replay              ReplayConfig         `yaml:"replay_config,omitempty"`
	ClassifierRules     *ClassifierRules     `yaml:"classifier_rules,omitempty"`
	ClassifierRulePacks []ClassifierRulePack `yaml:"classifier_rule_packs,omitempty"`
	Metadata            map[string]any       `yaml:"metadata,omitempty"`
	Targets             []Target             `yaml:"targets,omitempty"`
	Scenarios           []Scenario           `yaml:"scenarios,omitempty"`
}

// GetTarget returns a target by name, nil when absent.
func (p *Plan) GetTarget(name string) *Target {
	for i := range p.Targets {
		if p.Targets[i].Name == name {
			return &p.Targets[i]
		}
	}
	return nil
}

// ScenariosForTarget returns enabled scenarios bound to a target.
func (p *Plan) ScenariosForTarget(targetName string) []Scenario {
	var out []Scenario
	for _, s := range p.Scenarios {
		if s.TargetRef == targetName && s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// MetaString reads a string value from plan metadata, empty when absent
// or of another type.
func (p *Plan) MetaString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	v, _ := p.Metadata[key].(string)
	return v
}

// MetaBool reads a boolean value from plan metadata.
func (p *Plan) MetaBool(key string) bool {
	if p.Metadata == nil {
		return false
	}
	v, _ := p.Metadata[key].(bool)
	return v
}

// ExperimentID returns metadata.experiment_id, defaulting to "chaos_plan".
func (p *Plan) ExperimentID() string {
	if id := p.MetaString("experiment_id"); id != "" {
		return id
	}
	return "chaos_plan"
}

// AllowClientOverride reports whether unauthenticated callers may set
// classification override headers.
func (p *Plan) AllowClientOverride() bool {
	return p.MetaBool("allow_client_override")
}

// TargetNames returns all target names, sorted. Used in validation
// messages so the caller sees what was available.
func (p *Plan) TargetNames() []string {
	names := make([]string, 0, len(p.Targets))
	for _, t := range p.Targets {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// LegacyStrategy is the flattened per-strategy view handed to the
// strategy factory. Target patterns are folded into params under the
// key the strategy kind expects.
type LegacyStrategy struct {
	Name        string
	Type        string
	Enabled     bool
	Probability float64
	Params      map[string]any
}

// ToLegacy flattens the plan into factory-ready strategy configs.
// Disabled scenarios are dropped. The bound target's pattern lands in
// params as url_pattern (http_endpoint), target_role (agent_role), or
// target_endpoint (tool_call); target_ref is always present.
func (p *Plan) ToLegacy() []LegacyStrategy {
	var out []LegacyStrategy
	for _, s := range p.Scenarios {
		if !s.IsEnabled() {
			continue
		}
		params := make(map[string]any, len(s.Params)+2)
		for k, v := range s.Params {
			params[k] = v
		}
		params["target_ref"] = s.TargetRef

		if target := p.GetTarget(s.TargetRef); target != nil {
			switch target.Type {
			case TargetHTTPEndpoint:
				params["url_pattern"] = target.Pattern
			case TargetAgentRole:
				params["target_role"] = target.Pattern
			case TargetToolCall:
				params["target_endpoint"] = target.Pattern
			}
		}

		out = append(out, LegacyStrategy{
			Name:        s.Name,
			Type:        s.Type,
			Enabled:     true,
			Probability: s.Prob(),
			Params:      params,
		})
	}
	return out
}

// EffectiveClassifierRules merges the top-level rule set and every rule
// pack into one set, in declaration order.
func (p *Plan) EffectiveClassifierRules() ClassifierRules {
	var merged ClassifierRules
	if p.ClassifierRules != nil {
		merged.LLMPatterns = append(merged.LLMPatterns, p.ClassifierRules.LLMPatterns...)
		merged.ToolPatterns = append(merged.ToolPatterns, p.ClassifierRules.ToolPatterns...)
		merged.AgentPatterns = append(merged.AgentPatterns, p.ClassifierRules.AgentPatterns...)
	}
	for _, pack := range p.ClassifierRulePacks {
		merged.LLMPatterns = append(merged.LLMPatterns, pack.Rules.LLMPatterns...)
		merged.ToolPatterns = append(merged.ToolPatterns, pack.Rules.ToolPatterns...)
		merged.AgentPatterns = append(merged.AgentPatterns, pack.Rules.AgentPatterns...)
	}
	return merged
}

// HasClassifierRules reports whether the plan carries any classifier
// rules or rule packs. Strict classifier mode refuses to run without.
func (p *Plan) HasClassifierRules() bool {
	if !p.ClassifierRules.Empty() {
		return true
	}
	for _, pack := range p.ClassifierRulePacks {
		if !pack.Rules.Empty() {
			return true
		}
	}
	return false
}
