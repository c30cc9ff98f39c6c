package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AgentID identifies one of the fixed expert agents. It doubles as the
// intent domain identifier: each domain is served by exactly one agent.
type AgentID string

const (
	AgentDesigner      AgentID = "designer"
	AgentCostEngineer  AgentID = "cost-engineer"
	AgentInstaller     AgentID = "installer"
	AgentHealthSafety  AgentID = "health-safety"
	AgentCommissioning AgentID = "commissioning"
)

// CanonicalAgents is the fixed canonical ordering: design, cost,
// installation, safety, commissioning.
var CanonicalAgents = []AgentID{
	AgentDesigner,
	AgentCostEngineer,
	AgentInstaller,
	AgentHealthSafety,
	AgentCommissioning,
}

var agentAliases = map[string]AgentID{
	"designer":          AgentDesigner,
	"design":            AgentDesigner,
	"circuit-designer":  AgentDesigner,
	"circuitdesigner":   AgentDesigner,
	"cost-engineer":     AgentCostEngineer,
	"costengineer":      AgentCostEngineer,
	"cost":              AgentCostEngineer,
	"costing":           AgentCostEngineer,
	"installer":         AgentInstaller,
	"installation":      AgentInstaller,
	"install":           AgentInstaller,
	"health-safety":     AgentHealthSafety,
	"healthsafety":      AgentHealthSafety,
	"health-and-safety": AgentHealthSafety,
	"safety":            AgentHealthSafety,
	"h&s":               AgentHealthSafety,
	"commissioning":     AgentCommissioning,
	"commissioner":      AgentCommissioning,
	"testing":           AgentCommissioning,
}

// ParseAgentID is the single normalization point for agent and domain
// names arriving from requests, config, experts and text-generation output.
func ParseAgentID(s string) (AgentID, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	if id, ok := agentAliases[key]; ok {
		return id, nil
	}
	return "", NewDomainError("ParseAgentID", ErrUnknownAgent, s)
}

// Valid reports whether id is one of the canonical agents.
func (id AgentID) Valid() bool {
	return id.Rank() >= 0
}

// Rank returns the canonical position of id, or -1 when unknown.
func (id AgentID) Rank() int {
	for i, a := range CanonicalAgents {
		if a == id {
			return i
		}
	}
	return -1
}

// Title returns a human-readable section name for the agent.
func (id AgentID) Title() string {
	switch id {
	case AgentDesigner:
		return "Circuit Design"
	case AgentCostEngineer:
		return "Cost Estimate"
	case AgentInstaller:
		return "Installation"
	case AgentHealthSafety:
		return "Health & Safety"
	case AgentCommissioning:
		return "Testing & Commissioning"
	default:
		return string(id)
	}
}

// Complexity is the planner's estimate of how involved a plan is.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// AgentStep is a single scheduled agent invocation.
type AgentStep struct {
	AgentID      AgentID   `json:"agent_id"`
	Priority     int       `json:"priority"`
	Reasoning    string    `json:"reasoning"`
	Dependencies []AgentID `json:"dependencies,omitempty"`
}

// DependsOn reports whether the step lists id as a dependency.
func (s AgentStep) DependsOn(id AgentID) bool {
	for _, d := range s.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// AgentPlan is the immutable, dependency-ordered plan for one request.
type AgentPlan struct {
	Sequence            []AgentStep `json:"sequence"`
	Reasoning           string      `json:"reasoning"`
	EstimatedComplexity Complexity  `json:"estimated_complexity"`
}

// Agents returns the agent IDs of the plan in sequence order.
func (p AgentPlan) Agents() []AgentID {
	ids := make([]AgentID, len(p.Sequence))
	for i, s := range p.Sequence {
		ids[i] = s.AgentID
	}
	return ids
}

// Contains reports whether the plan already schedules id.
func (p AgentPlan) Contains(id AgentID) bool {
	for _, s := range p.Sequence {
		if s.AgentID == id {
			return true
		}
	}
	return false
}

// Step returns the step for id, if present.
func (p AgentPlan) Step(id AgentID) (AgentStep, bool) {
	for _, s := range p.Sequence {
		if s.AgentID == id {
			return s, true
		}
	}
	return AgentStep{}, false
}

// Validate checks that the plan is non-empty, uses only known agents, has
// no duplicate agents, strictly increasing priorities, and that every
// dependency appears earlier in the sequence (which also rules out cycles).
func (p AgentPlan) Validate() error {
	if len(p.Sequence) == 0 {
		return NewDomainError("AgentPlan.Validate", ErrPlanInvalid, "empty sequence")
	}
	seen := make(map[AgentID]bool, len(p.Sequence))
	lastPriority := 0
	for i, step := range p.Sequence {
		if !step.AgentID.Valid() {
			return NewDomainError("AgentPlan.Validate", ErrPlanInvalid, fmt.Sprintf("unknown agent %q", step.AgentID))
		}
		if seen[step.AgentID] {
			return NewDomainError("AgentPlan.Validate", ErrPlanInvalid, fmt.Sprintf("duplicate agent %q", step.AgentID))
		}
		if i > 0 && step.Priority <= lastPriority {
			return NewDomainError("AgentPlan.Validate", ErrPlanInvalid, fmt.Sprintf("priority of %q not increasing", step.AgentID))
		}
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return NewDomainError("AgentPlan.Validate", ErrPlanInvalid,
					fmt.Sprintf("%q depends on %q which is not scheduled earlier", step.AgentID, dep))
			}
		}
		seen[step.AgentID] = true
		lastPriority = step.Priority
	}
	return nil
}

// Citation is a regulation or fact reference used to ground an output.
// ID is the stable identifier used for deduplication.
type Citation struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Reference string `json:"reference"`
	Title     string `json:"title,omitempty"`
}

// Label renders the citation for the synthesized footer.
func (c Citation) Label() string {
	label := strings.TrimSpace(c.Source + " " + c.Reference)
	if c.Title != "" {
		label += " - " + c.Title
	}
	if label == "" {
		return c.ID
	}
	return label
}

// Revision records why an output was replaced during challenge resolution.
type Revision struct {
	ChallengeID  string           `json:"challenge_id"`
	Action       ResolutionAction `json:"action"`
	Note         string           `json:"note"`
	AutoAccepted bool             `json:"auto_accepted,omitempty"`
	PreviousText string           `json:"previous_text,omitempty"`
}

// AgentOutput is the result of one plan step. Once produced it is read-only;
// challenge resolution replaces it rather than mutating it.
type AgentOutput struct {
	AgentID             AgentID         `json:"agent_id"`
	Narrative           string          `json:"narrative"`
	Structured          *StructuredData `json:"structured_data,omitempty"`
	Citations           []Citation      `json:"citations,omitempty"`
	Confidence          float64         `json:"confidence"`
	SuggestedNextAgents []AgentID       `json:"suggested_next_agents,omitempty"`
	Degraded            bool            `json:"degraded,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	FromCache           bool            `json:"from_cache,omitempty"`
	Revisions           []Revision      `json:"revisions,omitempty"`
}

// WithRevision returns a copy of o carrying the revised narrative and data
// and the provenance note appended.
func (o AgentOutput) WithRevision(narrative string, structured *StructuredData, rev Revision) AgentOutput {
	revised := o
	rev.PreviousText = o.Narrative
	revised.Narrative = narrative
	if structured != nil {
		revised.Structured = structured
	}
	revised.FromCache = false
	revised.Revisions = append(append([]Revision(nil), o.Revisions...), rev)
	return revised
}

// SharedContext is forwarded to every agent after the designer has run.
type SharedContext struct {
	Citations          []Citation      `json:"citations,omitempty"`
	ReuseCitations     bool            `json:"reuse_citations"`
	Instructions       string          `json:"instructions,omitempty"`
	CurrentDesignState json.RawMessage `json:"current_design_state,omitempty"`
}

// AgentRequest is the RPC request sent to an expert agent.
type AgentRequest struct {
	UserMessage     string              `json:"user_message"`
	History         []Message           `json:"full_message_history"`
	Summary         ConversationSummary `json:"conversation_summary"`
	PreviousOutputs []AgentOutput       `json:"previous_agent_outputs,omitempty"`
	SharedContext   SharedContext       `json:"shared_context"`
}

// AgentResponse is the RPC response returned by an expert agent.
type AgentResponse struct {
	Narrative           string          `json:"narrative_text"`
	StructuredData      json.RawMessage `json:"structured_data,omitempty"`
	Citations           []Citation      `json:"citations,omitempty"`
	Confidence          float64         `json:"confidence"`
	SuggestedNextAgents []string        `json:"suggested_next_agents,omitempty"`
	Redirect            string          `json:"redirect,omitempty"`
}

// ExpertClient reaches the remote expert agents.
type ExpertClient interface {
	// Consult asks agent to handle the request.
	Consult(ctx context.Context, agent AgentID, req AgentRequest) (*AgentResponse, error)
	// ResolveChallenge asks agent to accept, defend or compromise on a challenge.
	ResolveChallenge(ctx context.Context, agent AgentID, req ChallengeRequest) (*ChallengeResponse, error)
}
