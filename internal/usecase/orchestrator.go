package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/tracer"
)

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Summarizer       *Summarizer
	Classifier       *IntentClassifier
	Planner          *Planner
	Executor         *Executor
	Validator        *Validator
	Resolver         *Resolver
	Logger           *slog.Logger
	ResponseCache    domain.Cache             // optional, nil = no response caching
	Store            domain.ConsultationStore // optional, nil = no audit log
	Bus              domain.EventBus          // optional, nil = no events
	Recorder         Recorder                 // optional, nil = no metrics
	SessionLocker    *SessionLocker           // optional, nil = no per-session serialization
	RequestTimeout   time.Duration
	ResponseCacheTTL time.Duration
	Now              func() time.Time // optional, defaults to time.Now
}

// Event payloads written to consultation streams.
type (
	PlanPayload struct {
		Plan   domain.AgentPlan `json:"agent_plan"`
		Agents []domain.AgentID `json:"agents"`
	}
	AgentResponsePayload struct {
		Step   domain.AgentStep   `json:"step"`
		Output domain.AgentOutput `json:"output"`
	}
	ClarificationPayload struct {
		Question string                `json:"question"`
		Intent   domain.IntentAnalysis `json:"intent"`
	}
	CompletePayload struct {
		ConsultationID       string           `json:"consultation_id"`
		CombinedResponse     string           `json:"combined_response"`
		Confidence           float64          `json:"confidence"`
		Warnings             []string         `json:"warnings,omitempty"`
		Notes                []string         `json:"notes,omitempty"`
		Suggestions          []domain.AgentID `json:"suggestions"`
		SharedLookupsAvoided int              `json:"shared_lookups_avoided"`
		FromCache            bool             `json:"from_cache,omitempty"`
	}
	ErrorPayload struct {
		Error string           `json:"error"`
		Code  domain.ErrorCode `json:"code"`
	}
)

// streamEvents are the event types written to a request's sink. Every event
// is published on the bus.
var streamEvents = map[domain.EventType]bool{
	domain.EventPlan:          true,
	domain.EventAgentResponse: true,
	domain.EventClarification: true,
	domain.EventComplete:      true,
	domain.EventError:         true,
}

// Orchestrator runs one consultation end to end.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 120 * time.Second
	}
	if deps.ResponseCacheTTL <= 0 {
		deps.ResponseCacheTTL = 10 * time.Minute
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}
}

// Consult answers req. Events are written to sink (which may be nil) in
// order: plan, one agent_response per step, complete; or clarification,
// complete. Only a request that fails validation returns an error; agent
// failures and timeouts degrade the response instead.
func (o *Orchestrator) Consult(ctx context.Context, req domain.ConsultRequest, sink domain.EventSink) (*domain.ConsultResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := o.deps.Now()

	ctx, cancel := context.WithTimeout(ctx, o.deps.RequestTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "orchestrator.consult",
		trace.WithAttributes(
			tracer.StringAttr("session.id", req.SessionID),
			tracer.IntAttr("messages.count", len(req.Messages)),
		),
	)
	defer span.End()

	if o.deps.SessionLocker != nil {
		release, err := o.deps.SessionLocker.Lock(ctx, req.SessionID)
		if err != nil {
			o.deps.Logger.Warn("consulting without session lock", "session_id", req.SessionID, "error", err)
		} else {
			defer release()
		}
	}

	emit := o.emitter(ctx, req.SessionID, sink)
	emit(domain.EventConsultStarted, map[string]int{"messages": len(req.Messages)})

	cacheKey := ResponseCacheKey(req)
	if cached, ok := o.cachedResult(ctx, cacheKey); ok {
		o.replay(emit, cached)
		o.deps.Recorder.Consultation("cached", o.deps.Now().Sub(start))
		tracer.SetOK(span)
		return cached, nil
	}

	state := BuildState(req.Messages)
	summary := o.deps.Summarizer.Summarize(ctx, req.Messages, state)
	latest := domain.LatestUserMessage(req.Messages)

	var plan domain.AgentPlan
	if len(req.SelectedAgents) > 0 {
		plan = o.deps.Planner.PlanForSelection(parseSelected(req.SelectedAgents))
	} else {
		intent := o.deps.Classifier.Classify(ctx, latest, summary)
		if intent.RequiresClarification {
			result := o.clarify(req, intent, start)
			emit(domain.EventClarification, ClarificationPayload{Question: result.ClarificationQuestion, Intent: intent})
			emit(domain.EventComplete, completePayload(result))
			o.record(ctx, result)
			o.deps.Recorder.Consultation("clarification", o.deps.Now().Sub(start))
			tracer.SetOK(span)
			return result, nil
		}
		plan = o.deps.Planner.Plan(intent, summary, latest)
	}
	emit(domain.EventPlan, PlanPayload{Plan: plan, Agents: plan.Agents()})
	o.deps.Logger.Info("consultation planned", "session_id", req.SessionID,
		"agents", fmt.Sprint(plan.Agents()), "complexity", string(plan.EstimatedComplexity))

	exec := o.deps.Executor.Execute(ctx, ExecutionInput{
		Plan:        plan,
		Messages:    req.Messages,
		Summary:     summary,
		DesignState: req.CurrentDesignState,
		SessionID:   req.SessionID,
	}, func(step domain.AgentStep, out domain.AgentOutput) {
		emit(domain.EventAgentResponse, AgentResponsePayload{Step: step, Output: out})
	})

	vctx := ValidationContext{CircuitKinds: circuitKinds(state), At: o.deps.Now()}
	resolution := o.deps.Resolver.Resolve(ctx, exec.Outputs,
		o.deps.Validator.Validate(exec.Outputs, vctx), vctx, busObserver{emit: emit})

	warnings := degradedWarnings(resolution.Outputs)
	warnings = append(warnings, resolution.Warnings...)
	synthesis := Synthesize(SynthesisInput{
		Plan:        exec.Plan,
		Outputs:     resolution.Outputs,
		Facts:       exec.Facts.All(),
		Resolutions: resolution.Resolutions,
		Warnings:    warnings,
		Notes:       resolution.Notes,
	})

	plan = exec.Plan
	result := &domain.ConsultResult{
		ConsultationID:       generateULID(start),
		SessionID:            req.SessionID,
		Plan:                 &plan,
		Outputs:              orderByPriority(exec.Plan, resolution.Outputs),
		CombinedResponse:     synthesis.Text,
		Confidence:           synthesis.Confidence,
		Warnings:             warnings,
		Notes:                resolution.Notes,
		Resolutions:          resolution.Resolutions,
		Suggestions:          exec.Suggestions,
		SharedLookupsAvoided: exec.SharedLookupsAvoided,
		CreatedAt:            start,
	}

	if ctx.Err() == nil && !anyDegraded(result.Outputs) {
		o.storeResult(ctx, cacheKey, result)
	}
	emit(domain.EventComplete, completePayload(result))
	o.record(ctx, result)

	outcome := "ok"
	if anyDegraded(result.Outputs) {
		outcome = "degraded"
	}
	o.deps.Recorder.Consultation(outcome, o.deps.Now().Sub(start))
	o.deps.Logger.Info("consultation complete", "session_id", req.SessionID,
		"consultation_id", result.ConsultationID, "confidence", result.Confidence,
		"remote_calls", exec.RemoteCalls, "challenges", len(resolution.Raised),
		"warnings", len(warnings))
	tracer.SetOK(span)
	return result, nil
}

func (o *Orchestrator) clarify(req domain.ConsultRequest, intent domain.IntentAnalysis, start time.Time) *domain.ConsultResult {
	return &domain.ConsultResult{
		ConsultationID:        generateULID(start),
		SessionID:             req.SessionID,
		Outputs:               []domain.AgentOutput{},
		CombinedResponse:      intent.SuggestedFollowUp,
		RequiresClarification: true,
		ClarificationQuestion: intent.SuggestedFollowUp,
		CreatedAt:             start,
	}
}

// replay re-emits the stream of a cached consultation.
func (o *Orchestrator) replay(emit func(domain.EventType, any), r *domain.ConsultResult) {
	emit(domain.EventCacheHit, map[string]string{"consultation_id": r.ConsultationID})
	if r.RequiresClarification {
		emit(domain.EventClarification, ClarificationPayload{Question: r.ClarificationQuestion})
		emit(domain.EventComplete, completePayload(r))
		return
	}
	if r.Plan != nil {
		emit(domain.EventPlan, PlanPayload{Plan: *r.Plan, Agents: r.Plan.Agents()})
		for _, out := range r.Outputs {
			step, _ := r.Plan.Step(out.AgentID)
			emit(domain.EventAgentResponse, AgentResponsePayload{Step: step, Output: out})
		}
	}
	emit(domain.EventComplete, completePayload(r))
}

func (o *Orchestrator) emitter(ctx context.Context, sessionID string, sink domain.EventSink) func(domain.EventType, any) {
	return func(t domain.EventType, payload any) {
		ev := domain.NewEvent(t, sessionID, payload)
		if o.deps.Bus != nil {
			o.deps.Bus.Publish(ctx, ev)
		}
		if sink == nil || !streamEvents[t] {
			return
		}
		if err := sink.Emit(ctx, ev); err != nil {
			o.deps.Logger.Debug("event sink write failed", "session_id", sessionID,
				"event", string(t), "error", err)
		}
	}
}

func (o *Orchestrator) cachedResult(ctx context.Context, key string) (*domain.ConsultResult, bool) {
	if o.deps.ResponseCache == nil {
		return nil, false
	}
	data, ok, err := o.deps.ResponseCache.Get(ctx, key)
	if err != nil {
		o.deps.Logger.Warn("response cache lookup failed", "error", err)
		ok = false
	}
	o.deps.Recorder.CacheLookup(CacheLayerResponse, ok)
	if !ok {
		return nil, false
	}
	var r domain.ConsultResult
	if err := json.Unmarshal(data, &r); err != nil {
		o.deps.Logger.Warn("discarding corrupt response cache entry", "error", err)
		return nil, false
	}
	r.FromCache = true
	return &r, true
}

func (o *Orchestrator) storeResult(ctx context.Context, key string, r *domain.ConsultResult) {
	if o.deps.ResponseCache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := o.deps.ResponseCache.Set(ctx, key, data, o.deps.ResponseCacheTTL); err != nil {
		o.deps.Logger.Warn("response cache store failed", "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, r *domain.ConsultResult) {
	if o.deps.Store == nil {
		return
	}
	rec := domain.ConsultationRecord{
		ID:               r.ConsultationID,
		SessionID:        r.SessionID,
		CombinedResponse: r.CombinedResponse,
		Confidence:       r.Confidence,
		WarningCount:     len(r.Warnings),
		Clarification:    r.RequiresClarification,
		CreatedAt:        r.CreatedAt,
	}
	if r.Plan != nil {
		rec.Agents = r.Plan.Agents()
	}
	for _, out := range r.Outputs {
		if out.Degraded {
			rec.DegradedCount++
		}
	}
	// Recorded even when the request deadline ended the consultation.
	if err := o.deps.Store.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.deps.Logger.Error("failed to record consultation", "consultation_id", r.ConsultationID, "error", err)
	}
}

// busObserver publishes challenge lifecycle events.
type busObserver struct {
	emit func(domain.EventType, any)
}

func (b busObserver) ChallengeRaised(c domain.Challenge) {
	b.emit(domain.EventChallengeRaised, c)
}

func (b busObserver) ChallengeResolved(r domain.ChallengeResolution) {
	b.emit(domain.EventChallengeResolved, r)
}

// ResponseCacheKey hashes the parts of a request that determine its answer.
func ResponseCacheKey(req domain.ConsultRequest) string {
	type keyMessage struct {
		Role    string `json:"r"`
		Content string `json:"c"`
	}
	key := struct {
		Messages []keyMessage     `json:"m"`
		Selected []domain.AgentID `json:"s,omitempty"`
		Design   json.RawMessage  `json:"d,omitempty"`
	}{Selected: canonicalOrder(parseSelected(req.SelectedAgents))}
	for _, m := range req.Messages {
		key.Messages = append(key.Messages, keyMessage{m.Role, m.Content})
	}
	if len(req.CurrentDesignState) > 0 {
		var v any
		if json.Unmarshal(req.CurrentDesignState, &v) == nil {
			key.Design, _ = json.Marshal(v)
		}
	}
	data, _ := json.Marshal(key)
	return "response:" + fingerprint(data)
}

func completePayload(r *domain.ConsultResult) CompletePayload {
	suggestions := r.Suggestions
	if suggestions == nil {
		suggestions = []domain.AgentID{}
	}
	return CompletePayload{
		ConsultationID:       r.ConsultationID,
		CombinedResponse:     r.CombinedResponse,
		Confidence:           r.Confidence,
		Warnings:             r.Warnings,
		Notes:                r.Notes,
		Suggestions:          suggestions,
		SharedLookupsAvoided: r.SharedLookupsAvoided,
		FromCache:            r.FromCache,
	}
}

func degradedWarnings(outputs []domain.AgentOutput) []string {
	var out []string
	for _, o := range outputs {
		if o.Degraded {
			out = append(out, fmt.Sprintf("The %s section is incomplete: the specialist was unavailable (%s).",
				o.AgentID.Title(), o.FailureReason))
		}
	}
	return out
}

func anyDegraded(outputs []domain.AgentOutput) bool {
	for _, o := range outputs {
		if o.Degraded {
			return true
		}
	}
	return false
}

func circuitKinds(state domain.ConversationState) []string {
	kinds := make([]string, 0, len(state.Circuits))
	for _, c := range state.Circuits {
		kinds = append(kinds, c.Type)
	}
	return kinds
}

// parseSelected normalizes agent names. Unknown names are dropped; requests
// carrying them are rejected by validation first.
func parseSelected(names []string) []domain.AgentID {
	var ids []domain.AgentID
	seen := make(map[domain.AgentID]bool, len(names))
	for _, n := range names {
		id, err := domain.ParseAgentID(n)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func canonicalOrder(ids []domain.AgentID) []domain.AgentID {
	want := make(map[domain.AgentID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.AgentID
	for _, id := range domain.CanonicalAgents {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
