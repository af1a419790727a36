package chaos

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentchaos/chaosproxy/pkg/config"
)

// Constructor builds a strategy from its flattened plan config.
type Constructor func(cfg config.LegacyStrategy) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		"latency":          newLatency,
		"error":            newError,
		"data_corruption":  newDataCorruption,
		"semantic":         newSemantic,
		"mcp_fuzzing":      newMCPFuzzing,
		"hallucination":    newHallucination,
		"context_overflow": newContextOverflow,
		"prompt_injection": newPromptInjection,
		"phantom_document": newPhantomDocument,
		"rag_poisoning":    newPhantomDocument,
		"group_chaos":      newGroupChaos,
		"group_failure":    newGroupFailure,
		"swarm_disruption": newSwarmDisruption,
		"simple_log":       newSimpleLog,
	}
)

// Register installs a constructor for a strategy kind, replacing any
// built-in under the same tag. Third-party strategies hook in here.
func Register(kind string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = ctor
}

// New builds a single strategy from its config.
func New(cfg config.LegacyStrategy) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (scenario %q)", cfg.Type, cfg.Name)
	}
	return ctor(cfg)
}

// FromPlan builds every enabled scenario in plan order. Scenarios that
// fail to construct are logged and skipped so one bad scenario does not
// block the rest of the plan.
func FromPlan(plan *config.Plan) []Strategy {
	if plan == nil {
		return nil
	}
	configs := plan.ToLegacy()
	strategies := make([]Strategy, 0, len(configs))
	for _, cfg := range configs {
		s, err := New(cfg)
		if err != nil {
			slog.Warn("Skipping unbuildable scenario",
				"scenario", cfg.Name,
				"type", cfg.Type,
				"error", err)
			continue
		}
		strategies = append(strategies, s)
	}
	return strategies
}
