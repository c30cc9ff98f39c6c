package usecase

import (
	"regexp"
	"strings"

	"sparkwise/internal/domain"
)

type keywordRule[T any] struct {
	value    T
	patterns []*regexp.Regexp
}

func words(ws ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(ws))
	for i, w := range ws {
		out[i] = regexp.MustCompile(`(?i)(^|[^a-z0-9])` + regexp.QuoteMeta(w) + `($|[^a-z0-9])`)
	}
	return out
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func countMatches(text string, patterns []*regexp.Regexp) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

// Rules are evaluated in order; the first match wins for single-valued fields.
var projectRules = []keywordRule[domain.ProjectKind]{
	{domain.ProjectEVCharging, words("ev charger", "car charger", "electric vehicle", "wallbox", "ev charging")},
	{domain.ProjectSolar, words("solar", "pv", "photovoltaic", "battery storage")},
	{domain.ProjectRewire, words("rewire", "full rewire", "rewiring")},
	{domain.ProjectNewBuild, words("new build", "new-build", "newbuild")},
	{domain.ProjectExtension, words("extension", "loft conversion", "conservatory", "garage conversion")},
	{domain.ProjectIndustrial, words("industrial", "factory", "warehouse", "three phase", "3-phase", "workshop")},
	{domain.ProjectCommercial, words("commercial", "office", "shop", "retail", "restaurant", "landlord")},
	{domain.ProjectDomestic, words("domestic", "house", "home", "flat", "bungalow", "kitchen", "bathroom", "bedroom", "3-bed", "2-bed", "4-bed")},
}

var circuitRules = []keywordRule[string]{
	{"socket", words("socket", "sockets", "ring main", "ring final", "radial", "power circuit")},
	{"lighting", words("lighting", "lights", "light fitting", "downlights", "downlighter")},
	{"cooker", words("cooker", "oven", "hob", "range cooker")},
	{"shower", words("shower", "electric shower")},
	{"ev-charger", words("ev charger", "car charger", "wallbox", "electric vehicle")},
	{"heat-pump", words("heat pump", "ashp", "air source")},
	{"immersion", words("immersion", "water heater")},
	{"bathroom", words("bathroom", "en-suite", "ensuite")},
	{"outdoor", words("outdoor", "garden", "shed", "outbuilding", "outside socket")},
	{"solar-pv", words("solar", "pv array", "inverter")},
}

var buildingRules = []keywordRule[string]{
	{"house", words("house", "semi", "detached", "terrace", "3-bed", "2-bed", "4-bed")},
	{"flat", words("flat", "apartment")},
	{"bungalow", words("bungalow")},
	{"office", words("office")},
	{"shop", words("shop", "retail unit")},
	{"warehouse", words("warehouse", "factory", "workshop")},
	{"garage", words("garage")},
}

var stageRules = []keywordRule[domain.Stage]{
	{domain.StageDesign, append(words("cable size", "design current", "voltage drop", "circuit design", "mcb", "rcbo"), cableSizePattern)},
	{domain.StageCosting, append(words("cost", "estimate", "quote", "materials list", "price"), poundPattern)},
	{domain.StageImplementation, words("install", "installation", "route the cable", "first fix", "second fix", "method statement")},
	{domain.StageTesting, words("test", "testing", "commissioning", "certificate", "eicr", "insulation resistance")},
	{domain.StageRefinement, words("revised", "revise", "alternative", "adjusted", "updated design")},
}

var stageRank = map[domain.Stage]int{
	domain.StageDiscovery:      0,
	domain.StageDesign:         1,
	domain.StageCosting:        2,
	domain.StageImplementation: 3,
	domain.StageTesting:        4,
	domain.StageRefinement:     5,
}

var (
	budgetPattern     = regexp.MustCompile(`(?i)(?:budget(?: of| is)?\s*)?£\s?(\d[\d,]*(?:\.\d+)?k?)`)
	budgetWordPattern = regexp.MustCompile(`(?i)budget(?: of| is| around)?\s+(\d[\d,]*(?:\.\d+)?k?)\s*(?:pounds|gbp)?`)
	timelinePattern   = regexp.MustCompile(`(?i)\b(?:within|in|by|over)\s+(\d+\s+(?:days?|weeks?|months?)|next\s+(?:week|month)|the\s+end\s+of\s+\w+)`)
	locationPattern   = regexp.MustCompile(`\b(?:in|located in|based in)\s+([A-Z][a-zA-Z]+(?:\s[A-Z][a-zA-Z]+)?)`)
	loadPattern       = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?(kw|w|kva)\b`)
	currentPattern    = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?(a|amps?)\b`)
	cableSizePattern  = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?mm(?:²|2|sq)`)
	devicePattern     = regexp.MustCompile(`(?i)\b(?:\d+\s?a\s+(?:mcb|rcbo|rcd|fuse)|[bcd]\d{1,3}\s+(?:mcb|rcbo))\b`)
	poundPattern      = regexp.MustCompile(`£\s?\d`)
	sentenceSplit     = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)
)

var (
	requirementWords = words("need", "needs", "must", "require", "required", "want", "would like", "has to")
	decisionWords    = words("recommend", "we'll use", "we will use", "decided", "go with", "agreed", "selected", "specify")
	notCapitalised   = map[string]bool{"The": true, "A": true, "My": true, "Our": true, "This": true}
)

// BuildState derives a ConversationState from the message list. It performs
// no I/O and returns an identical state for identical input.
func BuildState(msgs []domain.Message) domain.ConversationState {
	state := domain.ConversationState{
		ProjectKind:   domain.ProjectUnknown,
		Stage:         domain.StageDiscovery,
		Circuits:      []domain.Circuit{},
		Decisions:     []domain.Decision{},
		Requirements:  []string{},
		OpenQuestions: []string{},
	}

	var lastUser, lastAssistant string
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			applyUserMessage(&state, m.Content)
			lastUser = m.Content
		case domain.RoleAssistant:
			applyAssistantMessage(&state, m.Content)
			lastAssistant = m.Content
		}
	}

	state.OpenQuestions = appendUnique(state.OpenQuestions, questionsIn(lastAssistant)...)
	state.OpenQuestions = appendUnique(state.OpenQuestions, questionsIn(lastUser)...)
	return state
}

func applyUserMessage(state *domain.ConversationState, text string) {
	if state.ProjectKind == domain.ProjectUnknown {
		for _, r := range projectRules {
			if matchesAny(text, r.patterns) {
				state.ProjectKind = r.value
				break
			}
		}
	}

	for _, r := range circuitRules {
		if !matchesAny(text, r.patterns) {
			continue
		}
		c := domain.Circuit{Type: r.value, Status: domain.CircuitPending}
		c.Load = firstMatch(loadPattern, text)
		if c.Load == "" {
			c.Load = firstMatch(currentPattern, text)
		}
		c.CableSize = firstMatch(cableSizePattern, text)
		c.ProtectionDevice = firstMatch(devicePattern, text)
		mergeCircuit(state, c)
	}

	extractConstraints(&state.Constraints, text)

	for _, s := range sentences(text) {
		if matchesAny(s, requirementWords) {
			state.Requirements = appendUnique(state.Requirements, s)
		}
	}
}

func applyAssistantMessage(state *domain.ConversationState, text string) {
	for _, r := range stageRules {
		if matchesAny(text, r.patterns) && stageRank[r.value] > stageRank[state.Stage] {
			state.Stage = r.value
		}
	}

	for _, s := range sentences(text) {
		if !matchesAny(s, decisionWords) {
			continue
		}
		topic := "general"
		for _, r := range circuitRules {
			if matchesAny(s, r.patterns) {
				topic = r.value
				break
			}
		}
		d := domain.Decision{Topic: topic, Choice: truncate(s, 200)}
		if !containsDecision(state.Decisions, d) {
			state.Decisions = append(state.Decisions, d)
		}
	}

	for i := range state.Circuits {
		c := &state.Circuits[i]
		for _, r := range circuitRules {
			if r.value != c.Type || !matchesAny(text, r.patterns) {
				continue
			}
			next := c.Status
			switch {
			case matchesAny(text, words("approved", "signed off")):
				next = domain.CircuitApproved
			case matchesAny(text, stageRules[1].patterns):
				next = domain.CircuitCosted
			case matchesAny(text, stageRules[0].patterns):
				next = domain.CircuitDesigned
			}
			if circuitStatusRank(next) > circuitStatusRank(c.Status) {
				c.Status = next
			}
		}
	}
}

// mergeCircuit keeps circuits unique by type, filling in fields that were
// not known before.
func mergeCircuit(state *domain.ConversationState, c domain.Circuit) {
	for i := range state.Circuits {
		existing := &state.Circuits[i]
		if existing.Type != c.Type {
			continue
		}
		if c.Load != "" {
			existing.Load = c.Load
		}
		if c.CableSize != "" {
			existing.CableSize = c.CableSize
		}
		if c.ProtectionDevice != "" {
			existing.ProtectionDevice = c.ProtectionDevice
		}
		return
	}
	state.Circuits = append(state.Circuits, c)
}

func extractConstraints(c *domain.Constraints, text string) {
	if m := budgetWordPattern.FindStringSubmatch(text); m != nil {
		c.Budget = "£" + m[1]
	} else if m := budgetPattern.FindStringSubmatch(text); m != nil && strings.Contains(strings.ToLower(text), "budget") {
		c.Budget = "£" + m[1]
	}
	if m := timelinePattern.FindStringSubmatch(text); m != nil {
		c.Timeline = strings.TrimSpace(m[1])
	}
	if m := locationPattern.FindStringSubmatch(text); m != nil && !notCapitalised[m[1]] {
		c.Location = m[1]
	}
	if c.BuildingKind == "" {
		for _, r := range buildingRules {
			if matchesAny(text, r.patterns) {
				c.BuildingKind = r.value
				break
			}
		}
	}
}

func circuitStatusRank(s domain.CircuitStatus) int {
	switch s {
	case domain.CircuitDesigned:
		return 1
	case domain.CircuitCosted:
		return 2
	case domain.CircuitApproved:
		return 3
	default:
		return 0
	}
}

func containsDecision(ds []domain.Decision, d domain.Decision) bool {
	for _, x := range ds {
		if x == d {
			return true
		}
	}
	return false
}

func questionsIn(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, part := range strings.SplitAfter(line, "?") {
			part = strings.TrimSpace(part)
			if strings.HasSuffix(part, "?") && len(part) > 3 {
				if idx := strings.LastIndexAny(part[:len(part)-1], ".!"); idx >= 0 {
					part = strings.TrimSpace(part[idx+1:])
				}
				out = append(out, truncate(part, 200))
			}
		}
	}
	return out
}

func sentences(text string) []string {
	var out []string
	for _, s := range sentenceSplit.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstMatch(p *regexp.Regexp, text string) string {
	return strings.TrimSpace(p.FindString(text))
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, existing := range list {
			if existing == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
