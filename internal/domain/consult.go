package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConsultRequest is the orchestrator entry-point input.
type ConsultRequest struct {
	Messages           []Message       `json:"messages"`
	SelectedAgents     []string        `json:"selected_agents,omitempty"`
	SessionID          string          `json:"session_id"`
	CurrentDesignState json.RawMessage `json:"current_design_state,omitempty"`
}

// Validate rejects requests that cannot be processed. All problems are
// reported together.
func (r ConsultRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.SessionID) == "" {
		problems = append(problems, "session_id is required")
	}
	if len(r.Messages) == 0 {
		problems = append(problems, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if !ValidRole(m.Role) {
			problems = append(problems, fmt.Sprintf("messages[%d].role %q is invalid", i, m.Role))
		}
	}
	if len(r.Messages) > 0 && strings.TrimSpace(LatestUserMessage(r.Messages)) == "" {
		problems = append(problems, "no user message to answer")
	}
	for _, a := range r.SelectedAgents {
		if _, err := ParseAgentID(a); err != nil {
			problems = append(problems, fmt.Sprintf("selected_agents contains unknown agent %q", a))
		}
	}
	if len(r.CurrentDesignState) > 0 && !json.Valid(r.CurrentDesignState) {
		problems = append(problems, "current_design_state is not valid JSON")
	}
	if len(problems) > 0 {
		return NewDomainError("ConsultRequest.Validate", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ConsultResult is the orchestrator entry-point output.
type ConsultResult struct {
	ConsultationID        string                `json:"consultation_id"`
	SessionID             string                `json:"session_id"`
	Plan                  *AgentPlan            `json:"agent_plan,omitempty"`
	Outputs               []AgentOutput         `json:"agent_outputs"`
	CombinedResponse      string                `json:"combined_response"`
	Confidence            float64               `json:"confidence"`
	Warnings              []string              `json:"warnings,omitempty"`
	Notes                 []string              `json:"notes,omitempty"`
	Resolutions           []ChallengeResolution `json:"resolutions,omitempty"`
	Suggestions           []AgentID             `json:"suggestions,omitempty"`
	RequiresClarification bool                  `json:"requires_clarification,omitempty"`
	ClarificationQuestion string                `json:"clarification_question,omitempty"`
	SharedLookupsAvoided  int                   `json:"shared_lookups_avoided"`
	FromCache             bool                  `json:"from_cache,omitempty"`
	CreatedAt             time.Time             `json:"created_at"`
}
