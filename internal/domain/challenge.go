package domain

import (
	"encoding/json"
	"time"
)

// Severity ranks a challenge.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SafetyCritical reports whether a failed resolution must default to accepted.
func (s Severity) SafetyCritical() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Challenge is a flagged inconsistency or safety violation between outputs.
type Challenge struct {
	ID             string    `json:"id"`
	ChallengerID   AgentID   `json:"challenger_agent_id"`
	TargetID       AgentID   `json:"target_agent_id"`
	Rule           string    `json:"rule"`
	Issue          string    `json:"issue"`
	Recommendation string    `json:"recommendation"`
	Severity       Severity  `json:"severity"`
	RuleReference  string    `json:"rule_reference,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResolutionAction is the target agent's response to a challenge.
type ResolutionAction string

const (
	ActionAccepted    ResolutionAction = "accepted"
	ActionDefended    ResolutionAction = "defended"
	ActionCompromised ResolutionAction = "compromised"
)

// Valid reports whether a is a known action.
func (a ResolutionAction) Valid() bool {
	switch a {
	case ActionAccepted, ActionDefended, ActionCompromised:
		return true
	}
	return false
}

// ChallengeResolution is the outcome of resolving one challenge.
type ChallengeResolution struct {
	Challenge      Challenge        `json:"challenge"`
	Action         ResolutionAction `json:"action"`
	RevisedOutput  *AgentOutput     `json:"revised_output,omitempty"`
	Reasoning      string           `json:"reasoning"`
	UserFacingNote string           `json:"user_facing_note"`
	AutoApplied    bool             `json:"auto_applied,omitempty"`
}

// ChallengeRequest is the RPC request sent to the challenged agent.
type ChallengeRequest struct {
	ChallengeID    string      `json:"challenge_id"`
	Issue          string      `json:"issue"`
	Recommendation string      `json:"recommendation"`
	Severity       Severity    `json:"severity"`
	RuleReference  string      `json:"rule_reference,omitempty"`
	OriginalOutput AgentOutput `json:"original_output"`
}

// ChallengeResponse is the challenged agent's decision.
type ChallengeResponse struct {
	Action            string          `json:"action"`
	RevisedNarrative  string          `json:"revised_narrative,omitempty"`
	RevisedStructured json.RawMessage `json:"revised_structured_data,omitempty"`
	Reasoning         string          `json:"reasoning"`
	UserFacingNote    string          `json:"user_facing_note,omitempty"`
}
