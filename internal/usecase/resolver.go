package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/tracer"
)

const autoAcceptedNote = "auto-accepted (agent unreachable)"

// ResolverConfig bounds challenge resolution.
type ResolverConfig struct {
	MaxRounds   int // total resolution calls per consultation
	CallTimeout time.Duration
	Retry       RetryPolicy
}

// ResolutionResult is the outcome of resolving a set of challenges.
type ResolutionResult struct {
	Outputs     []domain.AgentOutput // same order as the input, revised where accepted
	Resolutions []domain.ChallengeResolution
	Raised      []domain.Challenge // every challenge considered, including re-validation
	Warnings    []string
	Notes       []string
	Calls       int
}

// ResolutionObserver is notified as challenges are raised and resolved.
type ResolutionObserver interface {
	ChallengeRaised(c domain.Challenge)
	ChallengeResolved(r domain.ChallengeResolution)
}

// Resolver asks challenged agents to accept, defend or compromise.
type Resolver struct {
	client     domain.ExpertClient
	validator  *Validator
	classifier *ErrorClassifier
	recorder   Recorder
	config     ResolverConfig
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewResolver creates a resolver. recorder may be nil.
func NewResolver(client domain.ExpertClient, validator *Validator, recorder Recorder, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = DefaultRetryPolicy().Base
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Resolver{
		client:     client,
		validator:  validator,
		classifier: NewErrorClassifier(),
		recorder:   recorder,
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Resolve works through challenges in order. Revised outputs are
// re-validated and newly violated rules are queued, until MaxRounds calls
// have been made; challenges left over become warnings.
func (r *Resolver) Resolve(
	ctx context.Context,
	outputs []domain.AgentOutput,
	challenges []domain.Challenge,
	vctx ValidationContext,
	observer ResolutionObserver,
) ResolutionResult {
	res := ResolutionResult{Outputs: append([]domain.AgentOutput(nil), outputs...)}
	seen := make(map[string]bool, len(challenges))
	var queue []domain.Challenge
	enqueue := func(cs []domain.Challenge) {
		for _, c := range cs {
			if seen[challengeKey(c)] {
				continue
			}
			seen[challengeKey(c)] = true
			queue = append(queue, c)
			res.Raised = append(res.Raised, c)
			if observer != nil {
				observer.ChallengeRaised(c)
			}
		}
	}
	enqueue(challenges)

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		if res.Calls >= r.config.MaxRounds {
			res.Warnings = append(res.Warnings, unresolvedWarning(c))
			r.logger.Warn("challenge left unresolved, resolution budget exhausted",
				"challenge_id", c.ID, "rule", c.Rule, "severity", string(c.Severity))
			continue
		}

		idx := outputIndex(res.Outputs, c.TargetID)
		if idx < 0 {
			res.Warnings = append(res.Warnings, unresolvedWarning(c))
			continue
		}

		res.Calls++
		resolution := r.resolveOne(ctx, c, res.Outputs[idx])
		res.Resolutions = append(res.Resolutions, resolution)
		r.recorder.Challenge(c.Severity, resolution.Action)
		if observer != nil {
			observer.ChallengeResolved(resolution)
		}

		switch {
		case resolution.AutoApplied && resolution.Action == domain.ActionAccepted:
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%s The recommended correction was applied automatically because the %s specialist could not confirm it: %s Have this reviewed by a qualified electrician.",
				c.Issue, c.TargetID.Title(), c.Recommendation))
		case resolution.AutoApplied:
			res.Notes = append(res.Notes, fmt.Sprintf("Open issue: %s Suggested: %s", c.Issue, c.Recommendation))
		case resolution.Action == domain.ActionDefended && c.Severity.SafetyCritical():
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%s The %s specialist maintained the original design: %s", c.Issue, c.TargetID.Title(), resolution.Reasoning))
		case resolution.UserFacingNote != "":
			res.Notes = append(res.Notes, resolution.UserFacingNote)
		}

		if resolution.RevisedOutput != nil {
			res.Outputs[idx] = *resolution.RevisedOutput
			if r.validator != nil {
				enqueue(r.validator.Validate(res.Outputs, vctx))
			}
		}
	}
	return res
}

func (r *Resolver) resolveOne(ctx context.Context, c domain.Challenge, original domain.AgentOutput) domain.ChallengeResolution {
	ctx, span := tracer.StartSpan(ctx, "resolver.challenge",
		trace.WithAttributes(
			tracer.StringAttr("challenge.id", c.ID),
			tracer.StringAttr("challenge.severity", string(c.Severity)),
			tracer.StringAttr("agent.id", string(c.TargetID)),
		),
	)
	defer span.End()

	req := domain.ChallengeRequest{
		ChallengeID:    c.ID,
		Issue:          c.Issue,
		Recommendation: c.Recommendation,
		Severity:       c.Severity,
		RuleReference:  c.RuleReference,
		OriginalOutput: original,
	}
	resp, _, err := retryCall(ctx, r.config.Retry, r.classifier, r.sleep,
		func(retry int, delay time.Duration, err error) {
			r.logger.Debug("retrying challenge resolution", "challenge_id", c.ID,
				"agent_id", string(c.TargetID), "attempt", retry, "delay", delay, "error", err)
		},
		func(ctx context.Context, _ int) (*domain.ChallengeResponse, error) {
			return r.callOnce(ctx, c.TargetID, req)
		},
	)

	var action domain.ResolutionAction
	if err == nil {
		action = domain.ResolutionAction(strings.ToLower(strings.TrimSpace(resp.Action)))
		if !action.Valid() {
			err = domain.NewDomainError("Resolver.resolve", domain.ErrMalformedResponse,
				fmt.Sprintf("unknown resolution action %q", resp.Action))
		}
	}
	if err != nil {
		tracer.RecordError(span, err)
		return r.defaultResolution(c, original, err)
	}
	tracer.SetOK(span)

	resolution := domain.ChallengeResolution{
		Challenge:      c,
		Action:         action,
		Reasoning:      resp.Reasoning,
		UserFacingNote: resp.UserFacingNote,
	}
	if action == domain.ActionDefended {
		return resolution
	}

	narrative := strings.TrimSpace(resp.RevisedNarrative)
	if narrative == "" {
		narrative = original.Narrative
	}
	note := resp.UserFacingNote
	if note == "" {
		note = resp.Reasoning
	}
	revised := original.WithRevision(narrative, revisedStructured(original, resp, narrative), domain.Revision{
		ChallengeID: c.ID,
		Action:      action,
		Note:        note,
	})
	resolution.RevisedOutput = &revised
	return resolution
}

// defaultResolution applies the failure policy: safety-critical challenges
// are accepted with the recommendation applied verbatim, others are defended.
func (r *Resolver) defaultResolution(c domain.Challenge, original domain.AgentOutput, cause error) domain.ChallengeResolution {
	if !c.Severity.SafetyCritical() {
		r.logger.Warn("challenge resolution failed, keeping original output",
			"challenge_id", c.ID, "agent_id", string(c.TargetID), "severity", string(c.Severity), "error", cause)
		return domain.ChallengeResolution{
			Challenge:   c,
			Action:      domain.ActionDefended,
			Reasoning:   "resolution unavailable: " + cause.Error(),
			AutoApplied: true,
		}
	}

	r.logger.Warn("challenge resolution failed, auto-accepting recommendation",
		"challenge_id", c.ID, "agent_id", string(c.TargetID), "severity", string(c.Severity), "error", cause)
	narrative := strings.TrimRight(original.Narrative, "\n") +
		"\n\nAuto-applied correction: " + c.Recommendation
	revised := original.WithRevision(narrative, nil, domain.Revision{
		ChallengeID:  c.ID,
		Action:       domain.ActionAccepted,
		Note:         autoAcceptedNote,
		AutoAccepted: true,
	})
	return domain.ChallengeResolution{
		Challenge:      c,
		Action:         domain.ActionAccepted,
		RevisedOutput:  &revised,
		Reasoning:      "resolution unavailable: " + cause.Error(),
		UserFacingNote: autoAcceptedNote,
		AutoApplied:    true,
	}
}

func (r *Resolver) callOnce(ctx context.Context, agent domain.AgentID, req domain.ChallengeRequest) (*domain.ChallengeResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	resp, err := r.client.ResolveChallenge(callCtx, agent, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewSubSystemError("expert", "Resolver.challenge", domain.ErrTimeout,
				fmt.Sprintf("%s exceeded %s", agent, r.config.CallTimeout))
		}
		return nil, err
	}
	if resp == nil {
		return nil, domain.NewDomainError("Resolver.challenge", domain.ErrMalformedResponse, "empty response from "+string(agent))
	}
	return resp, nil
}

// revisedStructured picks the structured data for a revised output: the
// agent's revised payload when given, otherwise the original typed data, or
// a fresh extraction when the original was itself extracted from text.
func revisedStructured(original domain.AgentOutput, resp *domain.ChallengeResponse, narrative string) *domain.StructuredData {
	if len(resp.RevisedStructured) > 0 {
		if data, _ := ResolveStructuredData(resp.RevisedStructured, narrative); data != nil {
			return data
		}
	}
	if original.Structured == nil || original.Structured.Legacy {
		if data := ExtractLegacyData(narrative); !data.Empty() {
			return data
		}
	}
	return nil
}

func unresolvedWarning(c domain.Challenge) string {
	w := fmt.Sprintf("Unresolved %s issue (%s): %s Recommended: %s",
		c.Severity, c.TargetID.Title(), c.Issue, c.Recommendation)
	if c.RuleReference != "" {
		w += " [" + c.RuleReference + "]"
	}
	return w
}

func outputIndex(outputs []domain.AgentOutput, id domain.AgentID) int {
	for i, o := range outputs {
		if o.AgentID == id && !o.Degraded {
			return i
		}
	}
	return -1
}
