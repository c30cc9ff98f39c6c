package domain

// ProjectKind classifies the installation the user is working on.
type ProjectKind string

const (
	ProjectUnknown    ProjectKind = "unknown"
	ProjectDomestic   ProjectKind = "domestic"
	ProjectCommercial ProjectKind = "commercial"
	ProjectIndustrial ProjectKind = "industrial"
	ProjectRewire     ProjectKind = "rewire"
	ProjectNewBuild   ProjectKind = "new-build"
	ProjectExtension  ProjectKind = "extension"
	ProjectEVCharging ProjectKind = "ev-charging"
	ProjectSolar      ProjectKind = "solar"
)

// Stage is how far the conversation has progressed.
type Stage string

const (
	StageDiscovery      Stage = "discovery"
	StageDesign         Stage = "design"
	StageCosting        Stage = "costing"
	StageImplementation Stage = "implementation"
	StageTesting        Stage = "testing"
	StageRefinement     Stage = "refinement"
)

// CircuitStatus tracks a circuit through the consultation.
type CircuitStatus string

const (
	CircuitPending  CircuitStatus = "pending"
	CircuitDesigned CircuitStatus = "designed"
	CircuitCosted   CircuitStatus = "costed"
	CircuitApproved CircuitStatus = "approved"
)

// Circuit is one circuit mentioned in the conversation, unique by Type.
type Circuit struct {
	Type             string        `json:"type"`
	Load             string        `json:"load,omitempty"`
	CableSize        string        `json:"cable_size,omitempty"`
	ProtectionDevice string        `json:"protection_device,omitempty"`
	Status           CircuitStatus `json:"status"`
}

// Constraints are the optional project limits stated by the user.
type Constraints struct {
	Budget       string `json:"budget,omitempty"`
	Timeline     string `json:"timeline,omitempty"`
	Location     string `json:"location,omitempty"`
	BuildingKind string `json:"building_kind,omitempty"`
}

// IsZero reports whether no constraint has been stated.
func (c Constraints) IsZero() bool {
	return c == Constraints{}
}

// Decision is a choice recorded from an assistant turn.
type Decision struct {
	Topic  string `json:"topic"`
	Choice string `json:"choice"`
}

// ConversationState is derived fresh from the messages on every request.
type ConversationState struct {
	ProjectKind   ProjectKind `json:"project_kind"`
	Circuits      []Circuit   `json:"circuits"`
	Constraints   Constraints `json:"constraints"`
	Decisions     []Decision  `json:"decisions"`
	Requirements  []string    `json:"requirements"`
	OpenQuestions []string    `json:"open_questions"`
	Stage         Stage       `json:"stage"`
}

// HasCircuit reports whether a circuit of the given type is tracked.
func (s ConversationState) HasCircuit(circuitType string) bool {
	for _, c := range s.Circuits {
		if c.Type == circuitType {
			return true
		}
	}
	return false
}

// ConversationSummary is the bounded projection of state and history handed
// to every downstream component.
type ConversationSummary struct {
	ProjectKind   ProjectKind  `json:"project_kind"`
	Decisions     []Decision   `json:"decisions"`
	Requirements  []string     `json:"requirements"`
	OpenQuestions []string     `json:"open_questions"`
	KeyFacts      []string     `json:"key_facts"`
	LastTopic     string       `json:"last_topic"`
	Circuits      []Circuit    `json:"circuits,omitempty"`
	Calculations  []string     `json:"calculations,omitempty"`
	Constraints   *Constraints `json:"constraints,omitempty"`
}
