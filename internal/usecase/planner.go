package usecase

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"sparkwise/internal/domain"
)

// Planner score thresholds.
const (
	singleDomainThreshold = domain.ConfidenceDefinite // rule 1
	lowScoreThreshold     = domain.ConfidencePossible // "low" competitor score
	fullPlanThreshold     = 0.5                       // rule 3, design score
	incrementalThreshold  = domain.ConfidencePossible // rule 4
)

// narrowPatterns recognise requests that only one expert needs to answer.
var narrowPatterns = []struct {
	agent    domain.AgentID
	patterns []*regexp.Regexp
}{
	{domain.AgentCommissioning, words("test", "testing", "commissioning", "commission", "eicr", "certificate", "insulation resistance", "zs", "polarity")},
	{domain.AgentCostEngineer, words("how much", "cost", "price", "quote", "budget", "estimate")},
	{domain.AgentInstaller, words("how do i install", "how to install", "install", "route", "routing", "clip", "trunking", "conduit", "first fix", "second fix")},
	{domain.AgentHealthSafety, words("is it safe", "safe to", "safety", "isolate", "isolation", "ppe")},
}

// Planner turns an intent analysis into a dependency-ordered AgentPlan.
type Planner struct {
	logger  *slog.Logger
	cascade func(domain.IntentAnalysis, domain.ConversationSummary, string) domain.AgentPlan
}

// NewPlanner creates a planner.
func NewPlanner(logger *slog.Logger) *Planner {
	p := &Planner{logger: logger}
	p.cascade = p.plan
	return p
}

// Plan applies the rule cascade in fixed priority order. It never returns an
// empty plan and any internal failure degrades to the standard plan.
func (p *Planner) Plan(intent domain.IntentAnalysis, summary domain.ConversationSummary, message string) (plan domain.AgentPlan) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("planner panicked, using standard plan", "panic", r)
			plan = StandardPlan("fallback: planning failed")
		}
	}()

	plan = p.cascade(intent, summary, message)
	if err := plan.Validate(); err != nil {
		p.logger.Error("planner produced invalid plan, using standard plan", "error", err)
		return StandardPlan("fallback: " + err.Error())
	}
	return plan
}

func (p *Planner) plan(intent domain.IntentAnalysis, _ domain.ConversationSummary, message string) domain.AgentPlan {
	// Rule 1: one definite domain, everything else low.
	if id, ok := soleDefinite(intent); ok {
		return singleStepPlan(id, fmt.Sprintf("only %s scores definite (%.2f)", id, intent.Score(id)))
	}

	// Rule 2: narrow single-domain request.
	for _, np := range narrowPatterns {
		if !matchesAny(message, np.patterns) {
			continue
		}
		if othersLow(intent, np.agent) {
			return singleStepPlan(np.agent, fmt.Sprintf("narrow %s request", np.agent))
		}
	}

	// Rule 3: design work needs the full standard chain.
	if intent.Score(domain.AgentDesigner) >= fullPlanThreshold {
		return StandardPlan(fmt.Sprintf("design score %.2f requires the full consultation", intent.Score(domain.AgentDesigner)))
	}

	// Rule 4: incremental plan over every possible domain.
	var selected []domain.AgentID
	for _, id := range domain.CanonicalAgents {
		if intent.Score(id) >= incrementalThreshold {
			selected = append(selected, id)
		}
	}
	if len(selected) > 0 {
		return incrementalPlan(selected, "incremental plan over possible domains")
	}

	// Rule 5: never return an empty plan.
	return singleStepPlan(domain.AgentDesigner, "no domain cleared any threshold; defaulting to designer")
}

// PlanForSelection builds a canonical-order plan over explicitly selected
// agents, wired the same way as an incremental plan.
func (p *Planner) PlanForSelection(selected []domain.AgentID) domain.AgentPlan {
	want := make(map[domain.AgentID]bool, len(selected))
	for _, id := range selected {
		want[id] = true
	}
	var ordered []domain.AgentID
	for _, id := range domain.CanonicalAgents {
		if want[id] {
			ordered = append(ordered, id)
		}
	}
	if len(ordered) == 0 {
		return StandardPlan("no agents selected")
	}
	return incrementalPlan(ordered, "agents selected by the caller")
}

// StandardPlan is the full five-step consultation.
func StandardPlan(reasoning string) domain.AgentPlan {
	d := []domain.AgentID{domain.AgentDesigner}
	return domain.AgentPlan{
		Sequence: []domain.AgentStep{
			{AgentID: domain.AgentDesigner, Priority: 1, Reasoning: "establish the circuit design"},
			{AgentID: domain.AgentCostEngineer, Priority: 2, Reasoning: "cost the designed circuits", Dependencies: d},
			{AgentID: domain.AgentInstaller, Priority: 3, Reasoning: "plan the installation of the design", Dependencies: d},
			{AgentID: domain.AgentHealthSafety, Priority: 4, Reasoning: "review the design for safety", Dependencies: d},
			{AgentID: domain.AgentCommissioning, Priority: 5, Reasoning: "define testing and commissioning",
				Dependencies: []domain.AgentID{domain.AgentDesigner, domain.AgentInstaller}},
		},
		Reasoning:           reasoning,
		EstimatedComplexity: domain.ComplexityComplex,
	}
}

func singleStepPlan(id domain.AgentID, reasoning string) domain.AgentPlan {
	return domain.AgentPlan{
		Sequence:            []domain.AgentStep{{AgentID: id, Priority: 1, Reasoning: reasoning}},
		Reasoning:           reasoning,
		EstimatedComplexity: domain.ComplexitySimple,
	}
}

// incrementalPlan orders ids canonically. Cost and installation build on
// the design, so they depend on the designer when it is part of the plan;
// safety and commissioning steps run independently.
func incrementalPlan(ids []domain.AgentID, reasoning string) domain.AgentPlan {
	hasDesigner := false
	for _, id := range ids {
		if id == domain.AgentDesigner {
			hasDesigner = true
		}
	}

	plan := domain.AgentPlan{Reasoning: reasoning}
	for i, id := range ids {
		step := domain.AgentStep{AgentID: id, Priority: i + 1, Reasoning: "selected for " + strings.ToLower(id.Title())}
		if hasDesigner && buildsOnDesign[id] {
			step.Dependencies = []domain.AgentID{domain.AgentDesigner}
		}
		plan.Sequence = append(plan.Sequence, step)
	}

	switch {
	case len(ids) == 1:
		plan.EstimatedComplexity = domain.ComplexitySimple
	case len(ids) <= 3:
		plan.EstimatedComplexity = domain.ComplexityModerate
	default:
		plan.EstimatedComplexity = domain.ComplexityComplex
	}
	return plan
}

// buildsOnDesign lists the agents that wait for the designer in incremental
// and selection plans.
var buildsOnDesign = map[domain.AgentID]bool{
	domain.AgentCostEngineer: true,
	domain.AgentInstaller:    true,
}

func soleDefinite(intent domain.IntentAnalysis) (domain.AgentID, bool) {
	var found domain.AgentID
	for _, id := range domain.CanonicalAgents {
		if intent.Score(id) >= singleDomainThreshold {
			if found != "" {
				return "", false
			}
			found = id
		}
	}
	if found == "" || !othersLow(intent, found) {
		return "", false
	}
	return found, true
}

func othersLow(intent domain.IntentAnalysis, except domain.AgentID) bool {
	for _, id := range domain.CanonicalAgents {
		if id != except && intent.Score(id) >= lowScoreThreshold {
			return false
		}
	}
	return true
}
