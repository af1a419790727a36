package chaos

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

const defaultCorruptionText = "💥 CHAOS 💥"

// dataCorruptionStrategy mangles one terminal value in a JSON response,
// or one line of an NDJSON stream, leaving the rest intact.
type dataCorruptionStrategy struct {
	*base
	text string
}

func newDataCorruption(cfg config.LegacyStrategy) (Strategy, error) {
	s := &dataCorruptionStrategy{text: stringParam(cfg.Params, "corruption_text", defaultCorruptionText)}
	b, err := newBase(cfg, PhaseResponse, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *dataCorruptionStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	resp := flow.Response
	if resp == nil || len(resp.Body) == 0 {
		return false, nil
	}
	if !strings.Contains(resp.ContentType(), "json") {
		return false, nil
	}

	var doc any
	if err := json.Unmarshal(resp.Body, &doc); err == nil {
		corrupted, changed := corruptNode(doc, s.text)
		if !changed {
			return false, nil
		}
		out, err := json.Marshal(corrupted)
		if err != nil {
			telemetry.RecordErrorCode(ctx, telemetry.CodeMutationFailed, s.name)
			return false, err
		}
		resp.SetBody(out)
		slog.Warn("Data corruption injected", "strategy", s.name, "format", "json")
		return true, nil
	}

	// Not a single JSON document; treat the body as NDJSON and corrupt
	// exactly one valid line.
	if s.corruptNDJSON(resp) {
		slog.Warn("Data corruption injected", "strategy", s.name, "format", "ndjson")
		return true, nil
	}
	return false, nil
}

func (s *dataCorruptionStrategy) corruptNDJSON(resp *models.Response) bool {
	lines := strings.Split(string(resp.Body), "\n")
	var candidates []int
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
			continue
		}
		if json.Valid([]byte(trimmed)) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}

	target := candidates[rand.IntN(len(candidates))]
	var doc any
	if err := json.Unmarshal([]byte(lines[target]), &doc); err != nil {
		return false
	}
	corrupted, changed := corruptNode(doc, s.text)
	if !changed {
		return false
	}
	out, err := json.Marshal(corrupted)
	if err != nil {
		return false
	}
	lines[target] = string(out)
	resp.SetBody([]byte(strings.Join(lines, "\n")))
	return true
}

// corruptNode walks the document picking one random key or index per
// level and replaces the terminal scalar it lands on.
func corruptNode(node any, text string) (any, bool) {
	switch val := node.(type) {
	case map[string]any:
		if len(val) == 0 {
			return val, false
		}
		keys := sortedKeys(val)
		key := keys[rand.IntN(len(keys))]
		child, changed := corruptNode(val[key], text)
		if !changed {
			return val, false
		}
		val[key] = child
		return val, true
	case []any:
		if len(val) == 0 {
			return val, false
		}
		i := rand.IntN(len(val))
		child, changed := corruptNode(val[i], text)
		if !changed {
			return val, false
		}
		val[i] = child
		return val, true
	default:
		return text, true
	}
}
