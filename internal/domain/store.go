package domain

import (
	"context"
	"time"
)

// ConsultationRecord is the audit entry kept for a completed consultation.
type ConsultationRecord struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Agents           []AgentID `json:"agents"`
	CombinedResponse string    `json:"combined_response"`
	Confidence       float64   `json:"confidence"`
	WarningCount     int       `json:"warning_count"`
	DegradedCount    int       `json:"degraded_count"`
	Clarification    bool      `json:"clarification"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConsultationStore persists the consultation audit log.
type ConsultationStore interface {
	Record(ctx context.Context, rec ConsultationRecord) error
	Get(ctx context.Context, id string) (*ConsultationRecord, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]ConsultationRecord, error)
	// PruneBefore deletes records created before cutoff and returns how many were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
