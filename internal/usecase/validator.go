package usecase

import (
	"fmt"
	"math"
	"strings"
	"time"

	"sparkwise/internal/domain"
)

// Rule names carried on challenges.
const (
	RuleCapacity         = "capacity_below_device_rating"
	RuleDesignCurrent    = "design_current_above_device_rating"
	RuleVoltageDrop      = "voltage_drop_over_limit"
	RuleRCDRequired      = "rcd_protection_missing"
	RuleCableConsistency = "cable_size_mismatch"
)

// ValidationRules is the external domain-rule configuration.
type ValidationRules struct {
	VoltageDropLimitPercent float64
	RCDRequiredCircuitKinds []string
	RCDRegulation           string
	CapacityRegulation      string
	VoltageDropRegulation   string
	CostTolerancePercent    float64
}

// DefaultValidationRules returns the rule set used when none is configured.
func DefaultValidationRules() ValidationRules {
	return ValidationRules{
		VoltageDropLimitPercent: 5.0,
		RCDRequiredCircuitKinds: []string{"socket", "bathroom", "outdoor", "ev-charger"},
		RCDRegulation:           "BS 7671 411.3.3",
		CapacityRegulation:      "BS 7671 433.1.1",
		VoltageDropRegulation:   "BS 7671 525 / Appendix 4",
		CostTolerancePercent:    25,
	}
}

// ValidationContext is the request-level information rules may consult.
type ValidationContext struct {
	CircuitKinds []string  // circuit types detected in the conversation
	At           time.Time // timestamp stamped on raised challenges
}

// Validator cross-checks agent outputs. It performs no I/O and returns the
// same challenges, in the same order, for the same input.
type Validator struct {
	rules ValidationRules
}

// NewValidator creates a validator with the given rules.
func NewValidator(rules ValidationRules) *Validator {
	return &Validator{rules: rules}
}

type rule func(v *Validator, outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge

// ruleOrder fixes the order challenges are reported in.
var ruleOrder = []rule{
	(*Validator).checkCapacity,
	(*Validator).checkDesignCurrent,
	(*Validator).checkVoltageDrop,
	(*Validator).checkRCD,
	(*Validator).checkCableConsistency,
}

// Validate returns one challenge per violated rule and output, ordered by
// rule and then by output order.
func (v *Validator) Validate(outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge {
	var out []domain.Challenge
	for _, r := range ruleOrder {
		out = append(out, r(v, outputs, vctx)...)
	}
	return out
}

func (v *Validator) checkCapacity(outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge {
	var out []domain.Challenge
	for _, o := range designOutputs(outputs) {
		s := o.Structured
		if s.CarryingCapacityA == nil || s.ProtectiveDeviceRatingA == nil {
			continue
		}
		iz, in := *s.CarryingCapacityA, *s.ProtectiveDeviceRatingA
		if iz >= in {
			continue
		}
		out = append(out, v.challenge(RuleCapacity, domain.AgentHealthSafety, o.AgentID, domain.SeverityCritical,
			fmt.Sprintf("Cable current-carrying capacity (Iz %sA) is below the protective device rating (In %sA), so the cable is not protected against overload.",
				num(iz), num(in)),
			fmt.Sprintf("Increase the cable size until Iz is at least %sA, or reduce the protective device rating to no more than %sA while keeping it above the design current.",
				num(in), num(iz)),
			v.rules.CapacityRegulation, vctx))
	}
	return out
}

func (v *Validator) checkDesignCurrent(outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge {
	var out []domain.Challenge
	for _, o := range designOutputs(outputs) {
		s := o.Structured
		if s.DesignCurrentA == nil || s.ProtectiveDeviceRatingA == nil {
			continue
		}
		ib, in := *s.DesignCurrentA, *s.ProtectiveDeviceRatingA
		if ib <= in {
			continue
		}
		out = append(out, v.challenge(RuleDesignCurrent, domain.AgentHealthSafety, o.AgentID, domain.SeverityHigh,
			fmt.Sprintf("Design current (Ib %sA) exceeds the protective device rating (In %sA); the device will trip under normal load.",
				num(ib), num(in)),
			fmt.Sprintf("Select a protective device rated at least %sA and confirm the cable capacity still exceeds it.", num(ib)),
			v.rules.CapacityRegulation, vctx))
	}
	return out
}

func (v *Validator) checkVoltageDrop(outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge {
	var out []domain.Challenge
	for _, o := range designOutputs(outputs) {
		s := o.Structured
		if s.VoltageDropPercent == nil || s.VoltageDropFlagged {
			continue
		}
		vd := *s.VoltageDropPercent
		if vd <= v.rules.VoltageDropLimitPercent {
			continue
		}
		out = append(out, v.challenge(RuleVoltageDrop, domain.AgentHealthSafety, o.AgentID, domain.SeverityHigh,
			fmt.Sprintf("Calculated voltage drop of %s%% exceeds the %s%% limit and was not flagged.",
				num(vd), num(v.rules.VoltageDropLimitPercent)),
			fmt.Sprintf("Increase the conductor size or shorten the run so the voltage drop is within %s%%, and flag the figure in the design.",
				num(v.rules.VoltageDropLimitPercent)),
			v.rules.VoltageDropRegulation, vctx))
	}
	return out
}

func (v *Validator) checkRCD(outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge {
	var out []domain.Challenge
	for _, o := range usable(outputs) {
		if o.AgentID != domain.AgentDesigner {
			continue
		}
		kind := o.Structured.CircuitKind
		if kind == "" {
			kind = v.firstQualifying(vctx.CircuitKinds)
		}
		if !v.requiresRCD(kind) || hasRCD(o.Structured) {
			continue
		}
		out = append(out, v.challenge(RuleRCDRequired, domain.AgentHealthSafety, o.AgentID, domain.SeverityHigh,
			fmt.Sprintf("The %s circuit requires 30mA RCD additional protection but the design does not include it.", kind),
			"Protect the circuit with a 30mA RCD or use an RCBO in place of the MCB.",
			v.rules.RCDRegulation, vctx))
	}
	return out
}

func (v *Validator) checkCableConsistency(outputs []domain.AgentOutput, vctx ValidationContext) []domain.Challenge {
	designer, okD := findUsable(outputs, domain.AgentDesigner)
	cost, okC := findUsable(outputs, domain.AgentCostEngineer)
	if !okD || !okC || designer.Structured.CableSizeMM2 == nil || cost.Structured.CableSizeMM2 == nil {
		return nil
	}
	designed, costed := *designer.Structured.CableSizeMM2, *cost.Structured.CableSizeMM2
	if designed <= 0 || math.Abs(costed-designed)/designed*100 <= v.rules.CostTolerancePercent {
		return nil
	}
	return []domain.Challenge{v.challenge(RuleCableConsistency, domain.AgentCostEngineer, domain.AgentDesigner, domain.SeverityMedium,
		fmt.Sprintf("The cost estimate is based on %smm² cable but the design specifies %smm².", num(costed), num(designed)),
		"Confirm the cable size so the design and the cost estimate agree.",
		"", vctx)}
}

func (v *Validator) challenge(
	ruleName string,
	challenger, target domain.AgentID,
	severity domain.Severity,
	issue, recommendation, ref string,
	vctx ValidationContext,
) domain.Challenge {
	return domain.Challenge{
		ID:             challengeID(ruleName, target, issue),
		ChallengerID:   challenger,
		TargetID:       target,
		Rule:           ruleName,
		Issue:          issue,
		Recommendation: recommendation,
		Severity:       severity,
		RuleReference:  ref,
		CreatedAt:      vctx.At,
	}
}

func (v *Validator) requiresRCD(kind string) bool {
	if kind == "" {
		return false
	}
	for _, k := range v.rules.RCDRequiredCircuitKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

func (v *Validator) firstQualifying(kinds []string) string {
	for _, k := range kinds {
		if v.requiresRCD(k) {
			return k
		}
	}
	return ""
}

func hasRCD(s *domain.StructuredData) bool {
	if s.RCDProtected != nil && *s.RCDProtected {
		return true
	}
	t := strings.ToUpper(s.ProtectiveDeviceType)
	return strings.Contains(t, "RCBO") || strings.Contains(t, "RCD")
}

// usable returns the outputs that carry structured data and did not degrade.
func usable(outputs []domain.AgentOutput) []domain.AgentOutput {
	var out []domain.AgentOutput
	for _, o := range outputs {
		if !o.Degraded && o.Structured != nil {
			out = append(out, o)
		}
	}
	return out
}

// designOutputs returns the usable outputs that speak for the design: the
// designer's, and any other agent's reported (not text-extracted) data.
// Figures other agents merely repeat are compared by the cross-agent rules.
func designOutputs(outputs []domain.AgentOutput) []domain.AgentOutput {
	var out []domain.AgentOutput
	for _, o := range usable(outputs) {
		if o.AgentID == domain.AgentDesigner || !o.Structured.Legacy {
			out = append(out, o)
		}
	}
	return out
}

func findUsable(outputs []domain.AgentOutput, id domain.AgentID) (domain.AgentOutput, bool) {
	for _, o := range usable(outputs) {
		if o.AgentID == id {
			return o, true
		}
	}
	return domain.AgentOutput{}, false
}

// challengeID is stable for the same rule, target and issue.
func challengeID(ruleName string, target domain.AgentID, issue string) string {
	return "chl-" + fingerprint([]byte(ruleName + "|" + string(target) + "|" + issue))[:16]
}

// challengeKey identifies a rule violation independent of its wording.
func challengeKey(c domain.Challenge) string {
	return c.Rule + "|" + string(c.TargetID)
}

func num(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}
