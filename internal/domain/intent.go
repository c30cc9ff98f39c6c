package domain

import "context"

// Confidence band boundaries for intent scores.
const (
	ConfidenceDefinite = 0.7
	ConfidencePossible = 0.4
)

// IntentAnalysis scores how strongly the latest message maps to each domain.
type IntentAnalysis struct {
	Scores                map[AgentID]float64 `json:"scores"`
	PrimaryDomain         AgentID             `json:"primary_domain"`
	Reasoning             string              `json:"reasoning"`
	RequiresClarification bool                `json:"requires_clarification"`
	SuggestedFollowUp     string              `json:"suggested_follow_up,omitempty"`
}

// Score returns the score for id, 0 when absent.
func (a IntentAnalysis) Score(id AgentID) float64 {
	return a.Scores[id]
}

// Band names the confidence band of a score.
func Band(score float64) string {
	switch {
	case score > ConfidenceDefinite:
		return "definite"
	case score >= ConfidencePossible:
		return "possible"
	default:
		return "irrelevant"
	}
}

// SemanticClassifier is the pluggable "classify" capability backed by a
// text-generation model.
type SemanticClassifier interface {
	Classify(ctx context.Context, message string, summary ConversationSummary) (*IntentAnalysis, error)
}

// SemanticSummarizer is the pluggable "summarize" capability backed by a
// text-generation model.
type SemanticSummarizer interface {
	Summarize(ctx context.Context, transcript string, base ConversationSummary) (*ConversationSummary, error)
}
