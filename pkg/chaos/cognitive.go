package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// Entity patterns shared by the hallucination strategy.
var (
	numberPattern = regexp.MustCompile(`\b\d+\.?\d*\b`)
	datePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	pricePattern  = regexp.MustCompile(`\$?\d+\.\d{2}\b`)
)

const hallucinateMaxDepth = 10

// hallucinationStrategy swaps numbers, dates, and prices in responses
// for plausible neighbors. Agents that trust tool output verbatim will
// act on the fabricated values.
type hallucinationStrategy struct {
	*base
	mode string
}

func newHallucination(cfg config.LegacyStrategy) (Strategy, error) {
	s := &hallucinationStrategy{mode: stringParam(cfg.Params, "mode", "swap_entities")}
	b, err := newBase(cfg, PhaseResponse, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

func (s *hallucinationStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	resp := flow.Response
	if resp == nil || len(resp.Body) == 0 {
		return false, nil
	}

	var doc any
	if err := json.Unmarshal(resp.Body, &doc); err == nil {
		mutated := s.hallucinateNode(doc, 0)
		out, err := json.Marshal(mutated)
		if err != nil {
			telemetry.RecordErrorCode(ctx, telemetry.CodeMutationFailed, s.name)
			return false, err
		}
		resp.SetBody(out)
		slog.Warn("Hallucination injected", "strategy", s.name, "mode", s.mode)
		return true, nil
	}

	// Non-JSON body: substitute entities in the raw text.
	if s.mode != "swap_entities" {
		return false, nil
	}
	text := string(resp.Body)
	mutated := numberPattern.ReplaceAllStringFunc(text, swapNumber)
	mutated = datePattern.ReplaceAllStringFunc(mutated, swapDate)
	if mutated == text {
		return false, nil
	}
	resp.SetBody([]byte(mutated))
	slog.Warn("Hallucination injected into text response", "strategy", s.name)
	return true, nil
}

func (s *hallucinationStrategy) hallucinateNode(node any, depth int) any {
	if depth > hallucinateMaxDepth {
		return node
	}
	switch val := node.(type) {
	case map[string]any:
		for key, child := range val {
			switch c := child.(type) {
			case float64:
				switch s.mode {
				case "swap_entities":
					swapped, _ := strconv.ParseFloat(swapNumber(numericString(c)), 64)
					val[key] = swapped
				case "invert_numbers":
					val[key] = -c
				}
			case string:
				switch {
				case s.mode == "swap_entities" && isoDatePrefix.MatchString(c):
					val[key] = swapDate(c)
				case pricePattern.MatchString(c) && s.mode == "swap_entities":
					val[key] = swapPrice(pricePattern.FindString(c))
				case numberPattern.MatchString(c) && s.mode == "swap_entities":
					val[key] = numberPattern.ReplaceAllStringFunc(c, swapNumber)
				default:
					val[key] = s.hallucinateNode(child, depth+1)
				}
			default:
				val[key] = s.hallucinateNode(child, depth+1)
			}
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = s.hallucinateNode(child, depth+1)
		}
		return val
	default:
		return node
	}
}

// swapNumber shifts a number by a uniform draw between 50% and 100% of
// max(20% of its magnitude, 10), in a random direction, preserving the
// original decimal places.
func swapNumber(value string) string {
	num, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	variation := max(absFloat(num)*0.2, 10)
	shift := variation*0.5 + rand.Float64()*variation*0.5
	if rand.IntN(2) == 0 {
		shift = -shift
	}
	swapped := num + shift
	if i := strings.IndexByte(value, '.'); i >= 0 {
		decimals := len(value) - i - 1
		return strconv.FormatFloat(swapped, 'f', decimals, 64)
	}
	return strconv.Itoa(int(swapped))
}

// swapDate shifts an ISO date by a few days in either direction.
func swapDate(value string) string {
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return value
	}
	shift := pick([]int{-7, -5, -3, 3, 5, 7})
	return parsed.AddDate(0, 0, shift).Format("2006-01-02")
}

// swapPrice shifts a price by 15-30%, keeping the currency prefix only
// when the original carried one.
func swapPrice(value string) string {
	clean := strings.ReplaceAll(value, "$", "")
	price, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return value
	}
	variation := price * 0.3
	shift := variation*0.5 + rand.Float64()*variation*0.5
	if rand.IntN(2) == 0 {
		shift = -shift
	}
	formatted := fmt.Sprintf("$%.2f", price+shift)
	if !strings.Contains(value, "$") {
		formatted = strings.ReplaceAll(formatted, "$", "")
	}
	return formatted
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Overflow target fields, matched case-insensitively.
var overflowFieldNames = []string{"prompt", "description", "content", "message", "input", "text"}

const defaultOverflowTokens = 7500

// contextOverflowStrategy appends thousands of tokens of noise to prompt
// fields, probing context-window limits and instruction retention.
type contextOverflowStrategy struct {
	*base
	tokenCount int
	mode       string
	overflow   string
}

func newContextOverflow(cfg config.LegacyStrategy) (Strategy, error) {
	s := &contextOverflowStrategy{
		tokenCount: intParam(cfg.Params, "token_count", defaultOverflowTokens),
		mode:       stringParam(cfg.Params, "mode", "repeating_chars"),
	}
	s.overflow = generateOverflow(s.mode, s.tokenCount)
	b, err := newBase(cfg, PhaseRequest, s.run)
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}

// generateOverflow builds the filler blob once, at roughly four
// characters per token.
func generateOverflow(mode string, tokenCount int) string {
	charCount := tokenCount * 4
	switch mode {
	case "repeating_chars":
		const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
		repeated := strings.Repeat(chars, charCount/len(chars)+1)
		return repeated[:charCount]
	case "random_words":
		words := []string{
			"lorem", "ipsum", "dolor", "sit", "amet", "consectetur",
			"adipiscing", "elit", "sed", "do", "eiusmod", "tempor",
			"incididunt", "ut", "labore", "et", "dolore", "magna",
		}
		var sb strings.Builder
		for sb.Len() < charCount {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(pick(words))
		}
		return sb.String()[:charCount]
	case "gibberish":
		const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 \n\t"
		buf := make([]byte, charCount)
		for i := range buf {
			buf[i] = chars[rand.IntN(len(chars))]
		}
		return string(buf)
	default:
		return strings.Repeat("X", charCount)
	}
}

func (s *contextOverflowStrategy) run(ctx context.Context, flow *models.Flow) (bool, error) {
	req := flow.Request
	if len(req.Body) == 0 {
		return false, nil
	}
	switch req.Method {
	case "POST", "PUT", "PATCH":
	default:
		return false, nil
	}

	var doc any
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		// Not JSON; append to the raw text.
		req.SetBody([]byte(string(req.Body) + "\n\n" + s.overflow))
		slog.Warn("Context overflow appended to text body",
			"strategy", s.name, "tokens", s.tokenCount)
		return true, nil
	}

	injected := s.injectIntoNode(doc)
	if !injected {
		return false, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		telemetry.RecordErrorCode(ctx, telemetry.CodeMutationFailed, s.name)
		return false, err
	}
	req.SetBody(out)
	slog.Warn("Context overflow injected",
		"strategy", s.name, "tokens", s.tokenCount, "mode", s.mode)
	return true, nil
}

func (s *contextOverflowStrategy) injectIntoNode(node any) bool {
	injected := false
	switch val := node.(type) {
	case map[string]any:
		for key, child := range val {
			if text, ok := child.(string); ok && isOverflowField(key) {
				val[key] = text + "\n\n" + s.overflow
				injected = true
				continue
			}
			if s.injectIntoNode(child) {
				injected = true
			}
		}
	case []any:
		for _, child := range val {
			if s.injectIntoNode(child) {
				injected = true
			}
		}
	}
	return injected
}

func isOverflowField(key string) bool {
	lower := strings.ToLower(key)
	for _, name := range overflowFieldNames {
		if lower == name {
			return true
		}
	}
	return false
}
