package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/tracer"
)

// Failure reasons recorded on degraded outputs.
const (
	reasonCancelled = "cancelled"
)

const reuseInstructions = "Reference material for this consultation has already been retrieved. " +
	"Reuse the shared citations instead of looking them up again."

// ExecutorConfig bounds concurrency, latency and retries of plan execution.
type ExecutorConfig struct {
	MaxInFlight   int
	StepTimeout   time.Duration
	Retry         RetryPolicy
	AgentCacheTTL time.Duration
}

// ExecutionInput is everything the executor needs to realize one plan.
type ExecutionInput struct {
	Plan        domain.AgentPlan
	Messages    []domain.Message
	Summary     domain.ConversationSummary
	DesignState json.RawMessage
	SessionID   string
}

// ExecutionResult is the executor's view of a finished plan.
type ExecutionResult struct {
	Plan                 domain.AgentPlan     // the plan as executed, including redirects
	Outputs              []domain.AgentOutput // in plan order
	Facts                *FactsPool
	SharedLookupsAvoided int
	Suggestions          []domain.AgentID
	RemoteCalls          int
}

// StepObserver is called on the coordinating goroutine as each step finishes.
type StepObserver func(step domain.AgentStep, out domain.AgentOutput)

// Executor runs an AgentPlan against the expert agents.
type Executor struct {
	client     domain.ExpertClient
	cache      domain.Cache
	classifier *ErrorClassifier
	recorder   Recorder
	config     ExecutorConfig
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewExecutor creates an executor. cache and recorder may be nil.
func NewExecutor(client domain.ExpertClient, cache domain.Cache, recorder Recorder, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 3
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = DefaultRetryPolicy().Base
	}
	if cfg.AgentCacheTTL <= 0 {
		cfg.AgentCacheTTL = 30 * time.Minute
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Executor{
		client:     client,
		cache:      cache,
		classifier: NewErrorClassifier(),
		recorder:   recorder,
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
	}
}

type stepJob struct {
	step     domain.AgentStep
	req      domain.AgentRequest
	cacheKey string
}

type stepResult struct {
	step     domain.AgentStep
	output   domain.AgentOutput
	redirect domain.AgentID
	attempts int
	avoided  int
}

// Execute realizes the plan. Steps start only after all their dependencies
// have an output; independent ready steps run concurrently up to
// MaxInFlight. A failed step yields a degraded output and never aborts the
// plan. When ctx ends, in-flight calls are cancelled, completed outputs are
// kept and unfinished steps are recorded as cancelled.
func (e *Executor) Execute(ctx context.Context, in ExecutionInput, observe StepObserver) ExecutionResult {
	plan := clonePlan(in.Plan)
	latest := domain.LatestUserMessage(in.Messages)
	latestFP := fingerprint([]byte(latest))
	pool := NewFactsPool()

	outputs := make(map[domain.AgentID]domain.AgentOutput, len(plan.Sequence))
	started := make(map[domain.AgentID]bool, len(plan.Sequence))
	results := make(chan stepResult)
	inFlight := 0
	res := ExecutionResult{Facts: pool}

	for {
		if ctx.Err() == nil {
			for _, step := range plan.Sequence {
				if inFlight >= e.config.MaxInFlight {
					break
				}
				if started[step.AgentID] || !dependenciesDone(step, outputs) {
					continue
				}
				started[step.AgentID] = true
				job := e.prepare(step, plan, outputs, pool, in, latest, latestFP)
				inFlight++
				go func() { results <- e.runStep(ctx, in.SessionID, job) }()
			}
		}
		if inFlight == 0 {
			break
		}

		r := <-results
		inFlight--
		outputs[r.step.AgentID] = r.output
		res.RemoteCalls += r.attempts
		if r.avoided > 0 {
			res.SharedLookupsAvoided += r.avoided
			e.recorder.SharedLookupsAvoided(r.avoided)
		}
		if !r.output.Degraded {
			pool.Add(r.step.AgentID, r.output.Citations)
		}
		if r.redirect != "" && !plan.Contains(r.redirect) {
			plan.Sequence = append(plan.Sequence, domain.AgentStep{
				AgentID:      r.redirect,
				Priority:     plan.Sequence[len(plan.Sequence)-1].Priority + 1,
				Reasoning:    fmt.Sprintf("redirected by %s", r.step.AgentID),
				Dependencies: []domain.AgentID{r.step.AgentID},
			})
			e.logger.Info("agent redirected plan", "agent_id", string(r.step.AgentID),
				"redirect", string(r.redirect), "session_id", in.SessionID)
		}
		if observe != nil {
			observe(r.step, r.output)
		}
	}

	for _, step := range plan.Sequence {
		if _, ok := outputs[step.AgentID]; ok {
			continue
		}
		reason := reasonCancelled
		if ctx.Err() == nil {
			reason = "dependency unavailable"
		}
		out := degradedOutput(step.AgentID, reason)
		outputs[step.AgentID] = out
		e.recorder.AgentCall(step.AgentID, reasonCancelled, 0)
		if observe != nil {
			observe(step, out)
		}
	}

	res.Plan = plan
	for _, step := range plan.Sequence {
		res.Outputs = append(res.Outputs, outputs[step.AgentID])
	}
	res.Suggestions = aggregateSuggestions(plan, res.Outputs)
	return res
}

// prepare snapshots everything a step's goroutine needs so that it never
// reads executor state concurrently.
func (e *Executor) prepare(
	step domain.AgentStep,
	plan domain.AgentPlan,
	outputs map[domain.AgentID]domain.AgentOutput,
	pool *FactsPool,
	in ExecutionInput,
	latest, latestFP string,
) stepJob {
	deps := transitiveDependencies(plan, step.AgentID)
	var prior []domain.AgentOutput
	for _, s := range plan.Sequence {
		if deps[s.AgentID] {
			prior = append(prior, outputs[s.AgentID])
		}
	}

	shared := domain.SharedContext{CurrentDesignState: in.DesignState}
	if facts := pool.From(deps); len(facts) > 0 {
		shared.Citations = facts
		shared.ReuseCitations = true
		shared.Instructions = reuseInstructions
	}

	return stepJob{
		step: step,
		req: domain.AgentRequest{
			UserMessage:     latest,
			History:         in.Messages,
			Summary:         in.Summary,
			PreviousOutputs: prior,
			SharedContext:   shared,
		},
		cacheKey: AgentCacheKey(step.AgentID, latestFP, prior),
	}
}

func (e *Executor) runStep(ctx context.Context, sessionID string, job stepJob) stepResult {
	agent := job.step.AgentID
	ctx, span := tracer.StartSpan(ctx, "executor.step",
		trace.WithAttributes(tracer.StringAttr("agent.id", string(agent))),
	)
	defer span.End()

	if out, ok := e.cachedOutput(ctx, job.cacheKey, agent); ok {
		e.logger.Debug("agent cache hit", "agent_id", string(agent), "session_id", sessionID)
		tracer.SetOK(span)
		return stepResult{step: job.step, output: out}
	}

	start := time.Now()
	resp, attempts, err := retryCall(ctx, e.config.Retry, e.classifier, e.sleep,
		func(retry int, delay time.Duration, err error) {
			e.recorder.AgentRetry(agent)
			e.logger.Debug("retrying agent call", "agent_id", string(agent),
				"session_id", sessionID, "attempt", retry, "delay", delay, "error", err)
		},
		func(ctx context.Context, _ int) (*domain.AgentResponse, error) {
			return e.consultOnce(ctx, agent, job.req)
		},
	)

	result := stepResult{step: job.step, attempts: attempts}
	if attempts > 0 && len(job.req.SharedContext.Citations) > 0 {
		result.avoided = len(job.req.SharedContext.Citations)
	}

	if err != nil {
		reason := err.Error()
		outcome := "degraded"
		if ctx.Err() != nil {
			reason = reasonCancelled
			outcome = reasonCancelled
		}
		tracer.RecordError(span, err)
		e.recorder.AgentCall(agent, outcome, time.Since(start))
		e.logger.Warn("agent step degraded", "agent_id", string(agent),
			"session_id", sessionID, "attempt", attempts, "error", err)
		result.output = degradedOutput(agent, reason)
		return result
	}

	out, redirect := e.toOutput(agent, resp)
	result.output = out
	result.redirect = redirect
	e.recorder.AgentCall(agent, "ok", time.Since(start))
	e.storeOutput(ctx, job.cacheKey, out)
	tracer.SetOK(span)
	return result
}

// consultOnce performs a single remote call under the per-call timeout.
func (e *Executor) consultOnce(ctx context.Context, agent domain.AgentID, req domain.AgentRequest) (*domain.AgentResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	resp, err := e.client.Consult(callCtx, agent, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewSubSystemError("expert", "Executor.consult", domain.ErrTimeout,
				fmt.Sprintf("%s exceeded %s", agent, e.config.StepTimeout))
		}
		return nil, err
	}
	if resp == nil {
		return nil, domain.NewDomainError("Executor.consult", domain.ErrMalformedResponse, "empty response from "+string(agent))
	}
	return resp, nil
}

func (e *Executor) toOutput(agent domain.AgentID, resp *domain.AgentResponse) (domain.AgentOutput, domain.AgentID) {
	structured, schemaErr := ResolveStructuredData(resp.StructuredData, resp.Narrative)
	if schemaErr != nil {
		e.logger.Warn("structured data rejected, using text extraction",
			"agent_id", string(agent), "error", schemaErr)
	}

	out := domain.AgentOutput{
		AgentID:    agent,
		Narrative:  resp.Narrative,
		Structured: structured,
		Confidence: clamp01(resp.Confidence),
	}
	for _, c := range resp.Citations {
		c.ID = CitationID(c)
		out.Citations = append(out.Citations, c)
	}
	for _, s := range resp.SuggestedNextAgents {
		if id, err := domain.ParseAgentID(s); err == nil {
			out.SuggestedNextAgents = append(out.SuggestedNextAgents, id)
		}
	}

	var redirect domain.AgentID
	if resp.Redirect != "" {
		id, err := domain.ParseAgentID(resp.Redirect)
		if err != nil {
			e.logger.Warn("ignoring redirect to unknown agent", "agent_id", string(agent), "redirect", resp.Redirect)
		} else if id != agent {
			redirect = id
		}
	}
	return out, redirect
}

func (e *Executor) cachedOutput(ctx context.Context, key string, agent domain.AgentID) (domain.AgentOutput, bool) {
	if e.cache == nil {
		return domain.AgentOutput{}, false
	}
	data, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("agent cache lookup failed", "agent_id", string(agent), "error", err)
		ok = false
	}
	e.recorder.CacheLookup(CacheLayerAgent, ok)
	if !ok {
		return domain.AgentOutput{}, false
	}
	var out domain.AgentOutput
	if err := json.Unmarshal(data, &out); err != nil {
		e.logger.Warn("discarding corrupt agent cache entry", "agent_id", string(agent), "error", err)
		return domain.AgentOutput{}, false
	}
	out.FromCache = true
	return out, true
}

func (e *Executor) storeOutput(ctx context.Context, key string, out domain.AgentOutput) {
	if e.cache == nil || out.Degraded {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data, e.config.AgentCacheTTL); err != nil {
		e.logger.Warn("agent cache store failed", "agent_id", string(out.AgentID), "error", err)
	}
}

// AgentCacheKey derives the agent-level cache key from the agent, the latest
// message fingerprint and the outputs the agent will see.
func AgentCacheKey(agent domain.AgentID, latestFingerprint string, prior []domain.AgentOutput) string {
	type outputFP struct {
		AgentID    domain.AgentID         `json:"a"`
		Narrative  string                 `json:"n"`
		Structured *domain.StructuredData `json:"s,omitempty"`
		Citations  []domain.Citation      `json:"c,omitempty"`
		Confidence float64                `json:"f"`
		Degraded   bool                   `json:"d,omitempty"`
	}
	fps := make([]outputFP, len(prior))
	for i, o := range prior {
		fps[i] = outputFP{o.AgentID, o.Narrative, o.Structured, o.Citations, o.Confidence, o.Degraded}
	}
	priorJSON, _ := json.Marshal(fps)
	return "agent:" + fingerprint([]byte(string(agent)+"|"+latestFingerprint+"|"+fingerprint(priorJSON)))
}

func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func degradedOutput(agent domain.AgentID, reason string) domain.AgentOutput {
	return domain.AgentOutput{
		AgentID: agent,
		Narrative: fmt.Sprintf("The %s specialist could not be reached (%s), so this section is incomplete. "+
			"Please try again shortly or have a qualified electrician review this part.", agent.Title(), reason),
		Confidence:    0,
		Degraded:      true,
		FailureReason: reason,
	}
}

func dependenciesDone(step domain.AgentStep, outputs map[domain.AgentID]domain.AgentOutput) bool {
	for _, d := range step.Dependencies {
		if _, ok := outputs[d]; !ok {
			return false
		}
	}
	return true
}

// transitiveDependencies returns every agent id reachable from id through
// dependency edges, excluding id itself.
func transitiveDependencies(plan domain.AgentPlan, id domain.AgentID) map[domain.AgentID]bool {
	deps := make(map[domain.AgentID]bool)
	var walk func(domain.AgentID)
	walk = func(cur domain.AgentID) {
		step, ok := plan.Step(cur)
		if !ok {
			return
		}
		for _, d := range step.Dependencies {
			if !deps[d] {
				deps[d] = true
				walk(d)
			}
		}
	}
	walk(id)
	return deps
}

func aggregateSuggestions(plan domain.AgentPlan, outputs []domain.AgentOutput) []domain.AgentID {
	want := make(map[domain.AgentID]bool)
	for _, o := range outputs {
		for _, s := range o.SuggestedNextAgents {
			if !plan.Contains(s) {
				want[s] = true
			}
		}
	}
	var out []domain.AgentID
	for _, id := range domain.CanonicalAgents {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

func clonePlan(p domain.AgentPlan) domain.AgentPlan {
	c := p
	c.Sequence = make([]domain.AgentStep, len(p.Sequence))
	for i, s := range p.Sequence {
		s.Dependencies = append([]domain.AgentID(nil), s.Dependencies...)
		c.Sequence[i] = s
	}
	return c
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
