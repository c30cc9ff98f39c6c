package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"sparkwise/internal/domain"
)

// consultResponse is the JSON document returned by a non-streaming consult.
type consultResponse struct {
	Success               bool                 `json:"success"`
	ConsultationID        string               `json:"consultation_id"`
	SessionID             string               `json:"session_id"`
	AgentPlan             *domain.AgentPlan    `json:"agent_plan,omitempty"`
	AgentOutputs          []domain.AgentOutput `json:"agent_outputs"`
	CombinedResponse      string               `json:"combined_response"`
	Confidence            float64              `json:"confidence"`
	Warnings              []string             `json:"warnings,omitempty"`
	Notes                 []string             `json:"notes,omitempty"`
	Suggestions           []domain.AgentID     `json:"suggestions,omitempty"`
	RequiresClarification bool                 `json:"requires_clarification,omitempty"`
	ClarificationQuestion string               `json:"clarification_question,omitempty"`
	SharedLookupsAvoided  int                  `json:"shared_lookups_avoided"`
	FromCache             bool                 `json:"from_cache,omitempty"`
}

func newConsultResponse(r *domain.ConsultResult) consultResponse {
	outputs := r.Outputs
	if outputs == nil {
		outputs = []domain.AgentOutput{}
	}
	return consultResponse{
		Success:               true,
		ConsultationID:        r.ConsultationID,
		SessionID:             r.SessionID,
		AgentPlan:             r.Plan,
		AgentOutputs:          outputs,
		CombinedResponse:      r.CombinedResponse,
		Confidence:            r.Confidence,
		Warnings:              r.Warnings,
		Notes:                 r.Notes,
		Suggestions:           r.Suggestions,
		RequiresClarification: r.RequiresClarification,
		ClarificationQuestion: r.ClarificationQuestion,
		SharedLookupsAvoided:  r.SharedLookupsAvoided,
		FromCache:             r.FromCache,
	}
}

// errorResponse is the envelope for every failed request.
type errorResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error"`
	Code    domain.ErrorCode `json:"code"`
}

// errorStatus maps err to an HTTP status and the message safe to show clients.
// Internal failures get a generic message.
func errorStatus(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case domain.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests, "rate limit exceeded"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func errorCode(err error) domain.ErrorCode {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.CodeValidation
	}
	return domain.ErrorCodeOf(err)
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	writeJSON(w, status, errorResponse{Error: msg, Code: errorCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
