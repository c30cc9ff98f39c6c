package usecase

import (
	"fmt"
	"sort"
	"strings"

	"sparkwise/internal/domain"
)

// SynthesisInput is everything the synthesizer combines.
type SynthesisInput struct {
	Plan        domain.AgentPlan
	Outputs     []domain.AgentOutput
	Facts       []domain.Citation // shared citations from the facts pool
	Resolutions []domain.ChallengeResolution
	Warnings    []string
	Notes       []string
}

// Synthesis is the combined response.
type Synthesis struct {
	Text       string
	Confidence float64
}

// Synthesize assembles one narrative from the outputs. Sections follow plan
// priority, never completion order, so the same outputs always produce the
// same text.
func Synthesize(in SynthesisInput) Synthesis {
	ordered := orderByPriority(in.Plan, in.Outputs)

	var b strings.Builder
	if len(in.Plan.Sequence) <= 1 {
		for i, o := range ordered {
			if i > 0 {
				b.WriteString("\n\n")
			}
			writeOutputBody(&b, o)
		}
	} else {
		for i, o := range ordered {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\n\n", o.AgentID.Title())
			writeOutputBody(&b, o)
		}
	}

	if refs := references(ordered, in.Facts, in.Resolutions); len(refs) > 0 {
		b.WriteString("\n\n### References\n")
		for _, r := range refs {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}
	if len(in.Notes) > 0 {
		b.WriteString("\n\n### Notes\n")
		for _, n := range in.Notes {
			fmt.Fprintf(&b, "\n- %s", n)
		}
	}
	if len(in.Warnings) > 0 {
		b.WriteString("\n\n### Warnings\n")
		for _, w := range in.Warnings {
			fmt.Fprintf(&b, "\n- %s", w)
		}
	}

	return Synthesis{Text: b.String(), Confidence: combinedConfidence(ordered)}
}

func writeOutputBody(b *strings.Builder, o domain.AgentOutput) {
	b.WriteString(strings.TrimSpace(o.Narrative))
	for _, rev := range o.Revisions {
		if rev.AutoAccepted {
			fmt.Fprintf(b, "\n\n_Revised: %s._", rev.Note)
			continue
		}
		line := fmt.Sprintf("\n\n_Revised (%s) after cross-check", rev.Action)
		if rev.Note != "" {
			line += ": " + rev.Note
		}
		b.WriteString(line + "_")
	}
}

// orderByPriority returns outputs sorted by their step priority. Outputs
// for agents missing from the plan keep their relative order at the end.
func orderByPriority(plan domain.AgentPlan, outputs []domain.AgentOutput) []domain.AgentOutput {
	rank := make(map[domain.AgentID]int, len(plan.Sequence))
	for _, s := range plan.Sequence {
		rank[s.AgentID] = s.Priority
	}
	ordered := append([]domain.AgentOutput(nil), outputs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, iok := rank[ordered[i].AgentID]
		pj, jok := rank[ordered[j].AgentID]
		if iok != jok {
			return iok
		}
		if pi != pj {
			return pi < pj
		}
		return ordered[i].AgentID.Rank() < ordered[j].AgentID.Rank()
	})
	return ordered
}

// references lists the distinct citations actually used plus the
// regulations cited by challenges.
func references(outputs []domain.AgentOutput, facts []domain.Citation, resolutions []domain.ChallengeResolution) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(id, label string) {
		if label == "" || seen[id] {
			return
		}
		seen[id] = true
		refs = append(refs, label)
	}
	for _, o := range outputs {
		if o.Degraded {
			continue
		}
		for _, c := range o.Citations {
			add(CitationID(c), c.Label())
		}
	}
	for _, c := range facts {
		add(CitationID(c), c.Label())
	}
	for _, r := range resolutions {
		if ref := r.Challenge.RuleReference; ref != "" {
			add("rule:"+ref, ref)
		}
	}
	return refs
}

// combinedConfidence is the mean confidence of successful outputs scaled by
// the fraction of steps that succeeded.
func combinedConfidence(outputs []domain.AgentOutput) float64 {
	if len(outputs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range outputs {
		if !o.Degraded {
			sum += o.Confidence
		}
	}
	return clamp01(sum / float64(len(outputs)))
}
