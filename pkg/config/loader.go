package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, parses, and validates a chaos plan file.
//
// Steps performed:
//  1. Read the plan YAML
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into the Plan struct
//  4. Hydrate classifier rules nested under metadata
//  5. Merge replay defaults for unset fields
//  6. Validate targets, scenarios, and cross-references
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrPlanNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	if isEmptyPlan(data) {
		return nil, NewLoadError(path, ErrEmptyPlan)
	}

	hydrateClassifierRules(&plan)
	applyDefaults(&plan)

	if err := NewValidator(&plan).ValidateAll(); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrValidationFailed, err))
	}

	enabled := 0
	for _, s := range plan.Scenarios {
		if s.IsEnabled() {
			enabled++
		}
	}
	slog.Info("Loaded chaos plan",
		"path", path,
		"revision", plan.Revision,
		"targets", len(plan.Targets),
		"scenarios", len(plan.Scenarios),
		"enabled", enabled)
	return &plan, nil
}

func isEmptyPlan(data []byte) bool {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false
	}
	return raw == nil
}

// hydrateClassifierRules lifts rules nested under metadata.classifier_rules
// when the top-level block is absent. Plans generated by older tooling put
// them there.
func hydrateClassifierRules(plan *Plan) {
	if plan.ClassifierRules != nil || plan.Metadata == nil {
		return
	}
	raw, ok := plan.Metadata["classifier_rules"].(map[string]any)
	if !ok {
		return
	}
	rules := &ClassifierRules{
		LLMPatterns:   stringList(raw["llm_patterns"]),
		ToolPatterns:  stringList(raw["tool_patterns"]),
		AgentPatterns: stringList(raw["agent_patterns"]),
	}
	if !rules.Empty() {
		plan.ClassifierRules = rules
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// applyDefaults fills unset plan fields: schema version and the replay
// ignore-path defaults.
func applyDefaults(plan *Plan) {
	if plan.Version == "" {
		plan.Version = "1.0"
	}
	defaults := ReplayConfig{IgnorePaths: append([]string(nil), DefaultReplayIgnorePaths...)}
	if err := mergo.Merge(&plan.Replay, defaults); err != nil {
		// Merge only fails on programmer error (non-struct args); fall
		// back to the explicit default so masking never silently vanishes.
		slog.Error("Failed to merge replay defaults", "error", err)
		if len(plan.Replay.IgnorePaths) == 0 {
			plan.Replay.IgnorePaths = append([]string(nil), DefaultReplayIgnorePaths...)
		}
	}
}

// FileSHA256 hashes a file's contents, streaming in chunks.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Holder owns the active plan and swaps it atomically on reload. The
// proxy checks for changes on every request; a hash match skips the
// parse entirely, so the steady-state cost is one file hash.
type Holder struct {
	path string

	mu   sync.RWMutex
	plan *Plan
	hash string
}

// NewHolder creates a holder for the plan at path without loading it.
func NewHolder(path string) *Holder {
	return &Holder{path: path}
}

// Path returns the plan file location.
func (h *Holder) Path() string {
	return h.path
}

// Load performs the initial plan load. Failure here is fatal to startup;
// there is no previous plan to fall back to.
func (h *Holder) Load() (*Plan, error) {
	hash, err := FileSHA256(h.path)
	if err != nil {
		return nil, NewLoadError(h.path, err)
	}
	plan, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.plan = plan
	h.hash = hash
	h.mu.Unlock()
	return plan, nil
}

// Current returns the active plan, nil before the first Load.
func (h *Holder) Current() *Plan {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.plan
}

// ReloadIfChanged re-reads the plan when the file hash differs from the
// active one. On any load or validation error the previous plan stays
// active and is returned alongside the error.
func (h *Holder) ReloadIfChanged() (plan *Plan, changed bool, err error) {
	hash, err := FileSHA256(h.path)
	if err != nil {
		return h.Current(), false, NewLoadError(h.path, err)
	}

	h.mu.RLock()
	unchanged := h.plan != nil && h.hash == hash
	h.mu.RUnlock()
	if unchanged {
		return h.Current(), false, nil
	}

	next, err := Load(h.path)
	if err != nil {
		slog.Error("Plan reload failed, keeping previous plan", "path", h.path, "error", err)
		return h.Current(), false, err
	}

	h.mu.Lock()
	h.plan = next
	h.hash = hash
	h.mu.Unlock()
	slog.Info("Chaos plan reloaded", "path", h.path, "revision", next.Revision)
	return next, true, nil
}
