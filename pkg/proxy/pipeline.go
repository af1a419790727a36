// Package proxy wires the intercept pipeline to a forward-proxy server:
// classification, strategy application, record/replay, telemetry, and
// the structured log, all behind a fail-open guard.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentchaos/chaosproxy/pkg/audit"
	"github.com/agentchaos/chaosproxy/pkg/authz"
	"github.com/agentchaos/chaosproxy/pkg/chaos"
	"github.com/agentchaos/chaosproxy/pkg/classify"
	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/dashboard"
	"github.com/agentchaos/chaosproxy/pkg/models"
	"github.com/agentchaos/chaosproxy/pkg/redact"
	"github.com/agentchaos/chaosproxy/pkg/tape"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
)

// Events receives pipeline events for live subscribers. The dashboard hub
// implements it; a nil sink drops everything.
type Events interface {
	Broadcast(evt dashboard.Event)
}

// Options assembles a Pipeline. Holder is required; everything else may
// be nil and the corresponding feature is skipped.
type Options struct {
	Mode     config.Mode
	Holder   *config.Holder
	Auth     *authz.Authenticator
	Audit    *audit.Logger
	Redactor *redact.Redactor
	Recorder *tape.Recorder
	Player   *tape.Player
	Provider *telemetry.Provider
	Events   Events
	Log      *LogWriter

	ClassifierStrict bool
}

// planState is the unit of atomic plan swap: a flow sees the classifier
// and strategy list from exactly one plan revision.
type planState struct {
	plan       *config.Plan
	classifier *classify.Classifier
	strategies []chaos.Strategy
}

// Pipeline runs the request and response hooks for every intercepted
// flow. Safe for concurrent use; each flow is owned by one goroutine.
type Pipeline struct {
	mode     config.Mode
	holder   *config.Holder
	auth     *authz.Authenticator
	audit    *audit.Logger
	redactor *redact.Redactor
	recorder *tape.Recorder
	player   *tape.Player
	provider *telemetry.Provider
	events   Events
	logw     *LogWriter
	strict   bool

	state   atomic.Pointer[planState]
	counter atomic.Int64
	ttft    *ttftCache
	metrics agentMetrics
}

// NewPipeline builds a pipeline around the holder's current plan.
func NewPipeline(opts Options) *Pipeline {
	if opts.Redactor == nil {
		opts.Redactor = redact.NewFromEnv()
	}
	p := &Pipeline{
		mode:     opts.Mode,
		holder:   opts.Holder,
		auth:     opts.Auth,
		audit:    opts.Audit,
		redactor: opts.Redactor,
		recorder: opts.Recorder,
		player:   opts.Player,
		provider: opts.Provider,
		events:   opts.Events,
		logw:     opts.Log,
		strict:   opts.ClassifierStrict,
		ttft:     newTTFTCache(),
	}
	var plan *config.Plan
	if opts.Holder != nil {
		plan = opts.Holder.Current()
	}
	p.applyPlan(plan, "initial_load")
	return p
}

// Close releases pipeline-owned resources. The log writer and recorder
// are owned by the caller and closed separately.
func (p *Pipeline) Close() {
	p.ttft.Stop()
}

// applyPlan rebuilds the classifier and strategy list and swaps them in
// atomically. Audited so operators can see what each reload enabled.
func (p *Pipeline) applyPlan(plan *config.Plan, reason string) {
	st := &planState{
		plan: plan,
		classifier: classify.New(plan, classify.Options{
			Strict:   p.strict,
			Auth:     p.auth,
			Redactor: p.redactor,
		}),
		strategies: chaos.FromPlan(plan),
	}
	p.state.Store(st)

	if plan == nil {
		return
	}
	path := ""
	if p.holder != nil {
		path = p.holder.Path()
	}
	p.audit.Record("system", audit.ActionConfigChange, path, reason,
		map[string]any{"revision": plan.Revision, "strategies": len(st.strategies)})
	for _, sc := range plan.Scenarios {
		outcome := "disabled"
		if sc.IsEnabled() {
			outcome = "enabled"
		}
		p.audit.Record("system", audit.ActionStateChange, sc.Name, outcome, nil)
	}
}

// ApplyPlan swaps in a plan loaded outside the request path, e.g. by the
// file watcher.
func (p *Pipeline) ApplyPlan(plan *config.Plan) {
	p.applyPlan(plan, "file_watch")
}

// reload swaps in a new plan when the file hash changed. Failures keep
// the previous plan active.
func (p *Pipeline) reload(ctx context.Context) {
	if p.holder == nil {
		return
	}
	plan, changed, err := p.holder.ReloadIfChanged()
	if err != nil {
		telemetry.RecordErrorCode(ctx, telemetry.CodeConfigInvalid, "")
		return
	}
	if changed {
		p.applyPlan(plan, "reloaded")
	}
}

func (p *Pipeline) nextRequestID() string {
	return fmt.Sprintf("req_%d_%s", p.counter.Add(1), uuid.NewString())
}

// OnRequest runs the request hook. The returned context carries the
// intercept span and must be passed to OnResponse. A non-nil
// flow.Response afterwards means the flow must not go upstream.
func (p *Pipeline) OnRequest(ctx context.Context, flow *models.Flow) context.Context {
	defer p.failOpen(flow, "request")

	if flow.StartedAt.IsZero() {
		flow.StartedAt = time.Now()
	}
	flow.ID = p.nextRequestID()

	if p.mode == config.ModePlayback {
		p.servePlayback(ctx, flow)
		return ctx
	}

	if !p.authenticate(ctx, flow) {
		return ctx
	}

	p.reload(ctx)
	st := p.state.Load()
	st.classifier.Classify(ctx, flow)
	p.resolveAgentRole(flow)

	ctx = telemetry.Extract(ctx, flow.Request.Header)
	ctx, _ = p.startSpan(ctx, flow)

	p.broadcast(dashboard.NewRequestStarted(
		flow.ID,
		flow.Request.Method,
		p.redactor.RedactURL(flow.Request.URL.String()),
		flow.AgentRole,
		string(flow.TrafficType),
		flow.TrafficSubtype,
	))

	p.applyStrategies(ctx, flow, chaos.PhaseRequest, st.strategies)
	return ctx
}

// OnResponseHeaders records the headers-received instant for TTFT.
func (p *Pipeline) OnResponseHeaders(flow *models.Flow) {
	if flow.TrafficType == models.TrafficLLMAPI || models.IsLLMURL(flow.Request.URL.String()) {
		p.ttft.Mark(flow.ID)
	}
}

// OnResponse runs the response hook and ends the intercept span.
func (p *Pipeline) OnResponse(ctx context.Context, flow *models.Flow) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	defer p.failOpen(flow, "response")

	if p.mode != config.ModePlayback {
		p.reload(ctx)
		p.recordLLMMetrics(ctx, flow)
		st := p.state.Load()
		p.applyStrategies(ctx, flow, chaos.PhaseResponse, st.strategies)
	}

	status, size := 0, 0
	if flow.Response != nil {
		status = flow.Response.StatusCode
		size = len(flow.Response.Body)
	}

	if status >= 400 {
		span.SetStatus(codes.Error, http.StatusText(status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.String("chaos.strategies_applied", flow.AppliedJoined()),
	)

	p.broadcast(dashboard.NewResponseReceived(flow.ID, status, size, time.Since(flow.StartedAt)))
	if flow.TrafficType == models.TrafficAgentToAgent {
		p.broadcast(p.swarmMessage(flow))
	}

	if p.mode == config.ModeRecord && p.recorder != nil && flow.Response != nil {
		applied := flow.Applied()
		cc := tape.ChaosContext{
			AppliedStrategies: applied,
			ChaosApplied:      len(applied) > 0,
			TrafficType:       string(flow.TrafficType),
			TrafficSubtype:    flow.TrafficSubtype,
			AgentRole:         flow.AgentRole,
		}
		if err := p.recorder.Record(flow.Request.Method, flow.Request.URL.String(),
			flow.Request.Body, flow.Request.Header, flow.Response, cc); err != nil {
			slog.Error("Failed to record tape entry", "request_id", flow.ID, "error", err)
		}
	}

	p.logLine(flow, status)
}

// servePlayback answers from the tape without touching the network.
// Classification and chaos context are restored from the recorded entry.
func (p *Pipeline) servePlayback(ctx context.Context, flow *models.Flow) {
	if p.player == nil {
		flow.Response = jsonError(500, `{"error": "TapePlayer not initialized"}`)
		flow.Synthesized = true
		return
	}

	entry, err := p.player.FindMatch(ctx, flow.Request.Method, flow.Request.URL.String(),
		flow.Request.Body, flow.Request.Header)
	if err != nil || entry == nil {
		if err != nil {
			slog.Error("Tape lookup failed", "request_id", flow.ID, "error", err)
		}
		flow.Response = jsonError(404, `{"error": "No matching entry in tape"}`)
		flow.Synthesized = true
		p.broadcast(dashboard.NewRequestStarted(flow.ID, flow.Request.Method,
			p.redactor.RedactURL(flow.Request.URL.String()), "", string(models.TrafficUnknown), ""))
		return
	}

	cc := entry.ChaosContext
	if tt, ok := models.ParseTrafficType(cc.TrafficType); ok {
		flow.TrafficType = tt
	}
	flow.TrafficSubtype = cc.TrafficSubtype
	flow.AgentRole = cc.AgentRole
	for _, name := range cc.AppliedStrategies {
		flow.MarkApplied(name)
	}
	flow.Response = entry.ToResponse()
	flow.Synthesized = true

	p.broadcast(dashboard.NewRequestStarted(flow.ID, flow.Request.Method,
		p.redactor.RedactURL(flow.Request.URL.String()), flow.AgentRole,
		string(flow.TrafficType), flow.TrafficSubtype))
}

// authenticate enforces READ scope on intercepted traffic when auth is
// configured. Denials answer 401 and end the flow.
func (p *Pipeline) authenticate(ctx context.Context, flow *models.Flow) bool {
	if p.auth == nil || !p.auth.Enabled() {
		return true
	}
	rawURL := flow.Request.URL.String()
	ac := p.auth.Authenticate(ctx, flow.Request.Header, rawURL, authz.ScopeRead)

	outcome := "allowed"
	if !ac.Allowed {
		outcome = "denied"
	}
	p.audit.Record(ac.UserID, audit.ActionAuth, p.redactor.RedactURL(rawURL), outcome, nil)

	if ac.Allowed {
		return true
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	flow.Response = models.NewResponse(http.StatusUnauthorized, h, authz.UnauthorizedBody(authz.ScopeRead))
	flow.Synthesized = true
	return false
}

// resolveAgentRole stores the caller's role on the flow. Strategies read
// the metadata key first, so both views stay in sync.
func (p *Pipeline) resolveAgentRole(flow *models.Flow) {
	role := flow.Request.Header.Get(models.HeaderAgentRole)
	if role == "" {
		role = flow.Request.Header.Get("Agent-Role")
	}
	if role == "" {
		if ua := flow.Request.Header.Get("User-Agent"); strings.Contains(ua, "role=") {
			part := ua[strings.Index(ua, "role=")+len("role="):]
			if i := strings.IndexAny(part, " ;,"); i >= 0 {
				part = part[:i]
			}
			role = part
		}
	}
	if role != "" {
		flow.AgentRole = role
		flow.SetMeta("agent_role", role)
	}
}

func (p *Pipeline) startSpan(ctx context.Context, flow *models.Flow) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", flow.Request.Method),
		attribute.String("http.url", p.redactor.RedactURL(flow.Request.URL.String())),
		attribute.String("http.host", flow.Request.URL.Host),
		attribute.String("http.scheme", flow.Request.URL.Scheme),
		attribute.String("chaos.request_id", flow.ID),
		attribute.String("traffic.type", string(flow.TrafficType)),
		attribute.String("traffic.subtype", flow.TrafficSubtype),
		attribute.String("agent.role", flow.AgentRole),
	}
	if p.provider != nil {
		return p.provider.StartSpan(ctx, telemetry.InterceptSpan, trace.WithAttributes(attrs...))
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
	return ctx, span
}

// applyStrategies runs the phase's strategies in plan order. A strategy
// error is recorded on the span and skipped; the flow continues.
func (p *Pipeline) applyStrategies(ctx context.Context, flow *models.Flow, phase chaos.Phase, strategies []chaos.Strategy) {
	span := trace.SpanFromContext(ctx)
	for _, s := range strategies {
		if !s.ShouldTrigger(flow) {
			continue
		}
		applied, err := s.Apply(ctx, flow, phase)
		if err != nil {
			span.RecordError(err)
			slog.Error("Strategy failed, continuing flow unmodified",
				"strategy", s.Name(),
				"phase", phase,
				"request_id", flow.ID,
				"error", err)
			continue
		}
		if applied {
			span.SetAttributes(
				attribute.Bool("chaos.injected", true),
				attribute.String("chaos.strategy", s.Name()),
			)
			p.broadcast(dashboard.NewChaosInjected(flow.ID, s.Name(), string(phase), nil))
		}
	}
}

// recordLLMMetrics emits the request counter, TTFT, and token estimates
// for LLM-bound flows.
func (p *Pipeline) recordLLMMetrics(ctx context.Context, flow *models.Flow) {
	url := flow.Request.URL.String()
	if flow.TrafficType != models.TrafficLLMAPI && !models.IsLLMURL(url) {
		return
	}
	model := modelFromBody(flow.Request.Body)
	telemetry.RecordLLMRequest(ctx, model)
	if start, ok := p.ttft.Take(flow.ID); ok {
		ttft := time.Since(start)
		telemetry.RecordTTFT(ctx, model, ttft.Seconds())
		trace.SpanFromContext(ctx).SetAttributes(attribute.Float64("ai.ttft", ttft.Seconds()))
		p.metrics.recordTTFT(ttft)
	}
	prompt := telemetry.EstimateTokens(flow.Request.Body)
	telemetry.RecordTokenUsage(ctx, model, "prompt", prompt)
	var completion int64
	if flow.Response != nil {
		completion = telemetry.EstimateTokens(flow.Response.Body)
		telemetry.RecordTokenUsage(ctx, model, "completion", completion)
	}
	p.metrics.recordRequest(prompt, completion)
}

func (p *Pipeline) logLine(flow *models.Flow, status int) {
	if p.logw == nil {
		return
	}
	line := LogLine{
		Timestamp:      time.Now().Format(time.RFC3339),
		Method:         flow.Request.Method,
		URL:            p.redactor.RedactURL(flow.Request.URL.String()),
		StatusCode:     status,
		Fuzzed:         flow.Fuzzed,
		AgentRole:      flow.AgentRole,
		TrafficType:    string(flow.TrafficType),
		TrafficSubtype: flow.TrafficSubtype,
	}
	if joined := flow.AppliedJoined(); joined != "" {
		line.ChaosApplied = &joined
	}
	if name := toolName(flow); name != "" {
		line.ToolName = &name
	}
	p.logw.Enqueue(line)
}

// toolName tags well-known tool endpoints and LLM calls for the log.
func toolName(flow *models.Flow) string {
	url := flow.Request.URL.String()
	switch {
	case strings.Contains(url, "search_flights"):
		return "search_flights"
	case strings.Contains(url, "book_ticket"):
		return "book_ticket"
	case flow.TrafficType == models.TrafficLLMAPI || models.IsLLMURL(url):
		return "llm_request"
	}
	return ""
}

// swarmMessage derives the topology event for inter-agent traffic.
func (p *Pipeline) swarmMessage(flow *models.Flow) dashboard.SwarmMessage {
	from := flow.Request.Header.Get("X-Agent-ID")
	to := ""
	if body := parseJSONObject(flow.Request.Body); body != nil {
		if from == "" {
			from = firstString(body, "sender", "from")
		}
		to = firstString(body, "recipient", "to")
	}
	if to == "" {
		to = flow.Request.URL.Host
	}
	return dashboard.NewSwarmMessage(flow.ID, from, to, flow.TrafficSubtype,
		flow.Meta("swarm_mutated") == "true")
}

func (p *Pipeline) broadcast(evt dashboard.Event) {
	if p.events != nil {
		p.events.Broadcast(evt)
	}
}

// failOpen converts a hook panic into an ERROR log; the flow proceeds
// unmodified.
func (p *Pipeline) failOpen(flow *models.Flow, hook string) {
	if r := recover(); r != nil {
		slog.Error("Pipeline hook panicked, failing open",
			"hook", hook,
			"request_id", flow.ID,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}

func jsonError(status int, body string) *models.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return models.NewResponse(status, h, []byte(body))
}

func parseJSONObject(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return m
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func modelFromBody(body []byte) string {
	if m := parseJSONObject(body); m != nil {
		if s, ok := m["model"].(string); ok {
			return s
		}
	}
	return "unknown"
}
