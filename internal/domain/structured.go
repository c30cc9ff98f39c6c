package domain

// StructuredSchemaVersion is the only structured-data schema version accepted
// from experts.
const StructuredSchemaVersion = "1"

// StructuredData carries the typed technical values an expert reports
// alongside its narrative. All numeric fields are optional: nil means the
// expert did not state the value.
type StructuredData struct {
	SchemaVersion           string   `json:"schema_version"`
	CircuitKind             string   `json:"circuit_kind,omitempty"`
	DesignCurrentA          *float64 `json:"design_current_a,omitempty"`
	CableSizeMM2            *float64 `json:"cable_size_mm2,omitempty"`
	CarryingCapacityA       *float64 `json:"carrying_capacity_a,omitempty"`
	ProtectiveDeviceRatingA *float64 `json:"protective_device_rating_a,omitempty"`
	ProtectiveDeviceType    string   `json:"protective_device_type,omitempty"`
	VoltageDropPercent      *float64 `json:"voltage_drop_percent,omitempty"`
	VoltageDropFlagged      bool     `json:"voltage_drop_flagged,omitempty"`
	RCDProtected            *bool    `json:"rcd_protected,omitempty"`
	TotalCost               *float64 `json:"total_cost,omitempty"`
	Currency                string   `json:"currency,omitempty"`

	// Legacy is set when the values were recovered from free text rather
	// than reported by the expert.
	Legacy bool `json:"legacy,omitempty"`
}

// Empty reports whether no technical value is present.
func (s *StructuredData) Empty() bool {
	if s == nil {
		return true
	}
	return s.CircuitKind == "" && s.DesignCurrentA == nil && s.CableSizeMM2 == nil &&
		s.CarryingCapacityA == nil && s.ProtectiveDeviceRatingA == nil &&
		s.ProtectiveDeviceType == "" && s.VoltageDropPercent == nil &&
		s.RCDProtected == nil && s.TotalCost == nil
}

// Float returns a pointer to v, for building StructuredData literals.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
