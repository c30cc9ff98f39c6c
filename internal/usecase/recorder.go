package usecase

import (
	"time"

	"sparkwise/internal/domain"
)

// Cache layers reported to the Recorder.
const (
	CacheLayerResponse = "response"
	CacheLayerAgent    = "agent"
)

// Recorder receives operational measurements from the consultation pipeline.
type Recorder interface {
	AgentCall(agent domain.AgentID, outcome string, d time.Duration)
	AgentRetry(agent domain.AgentID)
	CacheLookup(layer string, hit bool)
	SharedLookupsAvoided(n int)
	Challenge(severity domain.Severity, action domain.ResolutionAction)
	Consultation(outcome string, d time.Duration)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) AgentCall(domain.AgentID, string, time.Duration) {}
func (NopRecorder) AgentRetry(domain.AgentID) {}
func (NopRecorder) CacheLookup(string, bool) {}
func (NopRecorder) SharedLookupsAvoided(int) {}
func (NopRecorder) Challenge(domain.Severity, domain.ResolutionAction) {}
func (NopRecorder) Consultation(string, time.Duration) {}
