package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"sparkwise/internal/domain"
)

// keywordSaturation is the number of distinct keyword hits at which a
// domain's heuristic score reaches 1.0.
const keywordSaturation = 3

var domainKeywords = map[domain.AgentID][]*regexp.Regexp{
	domain.AgentDesigner: append(words(
		"design", "circuit", "cable size", "cable", "socket", "sockets", "ring", "radial",
		"mcb", "rcbo", "breaker", "load", "voltage drop", "shower", "cooker",
		"lighting", "ev charger", "heat pump", "consumer unit", "spur",
	), currentPattern, loadPattern, cableSizePattern),
	domain.AgentCostEngineer: append(words(
		"cost", "costs", "price", "pricing", "quote", "budget", "how much", "estimate",
		"cheap", "cheaper", "expensive", "materials", "labour",
	), poundPattern),
	domain.AgentInstaller: words(
		"install", "installation", "installing", "fit", "fitting", "route", "routing",
		"run the cable", "clip", "trunking", "conduit", "chase", "first fix",
		"second fix", "method statement", "how do i",
	),
	domain.AgentHealthSafety: words(
		"safe", "safety", "risk", "hazard", "isolation", "isolate", "rcd", "shock",
		"fire", "regulation", "regulations", "bs 7671", "compliance", "compliant",
		"ppe", "part p",
	),
	domain.AgentCommissioning: words(
		"test", "testing", "tests", "commission", "commissioning", "certificate",
		"eicr", "insulation resistance", "zs", "r1+r2", "polarity", "continuity",
		"sign off",
	),
}

// scopePatterns describe whole-property requests that need an appliance or
// circuit list before experts can answer safely.
var scopePatterns = words(
	"whole house", "whole home", "entire house", "full rewire", "rewire", "wire a",
	"wire up", "wire the", "house", "flat", "property", "building", "bungalow",
	"3-bed", "2-bed", "4-bed", "5-bed", "new build", "extension",
)

// IntentClassifier maps the latest user message to expert domains.
type IntentClassifier struct {
	semantic domain.SemanticClassifier
	logger   *slog.Logger
}

// NewIntentClassifier creates a classifier. semantic may be nil, in which
// case only the keyword heuristic is used.
func NewIntentClassifier(semantic domain.SemanticClassifier, logger *slog.Logger) *IntentClassifier {
	return &IntentClassifier{semantic: semantic, logger: logger}
}

// Classify never fails: a semantic classification error falls back to the
// keyword heuristic.
func (c *IntentClassifier) Classify(ctx context.Context, message string, summary domain.ConversationSummary) domain.IntentAnalysis {
	var analysis domain.IntentAnalysis
	if c.semantic != nil {
		got, err := c.semantic.Classify(ctx, message, summary)
		switch {
		case err != nil:
			c.logger.Warn("semantic classification failed, using keyword heuristic", "error", err)
		case got == nil || len(got.Scores) == 0:
			c.logger.Warn("semantic classification empty, using keyword heuristic")
		default:
			analysis = normalizeAnalysis(*got)
		}
	}
	if analysis.Scores == nil {
		analysis = KeywordIntent(message)
	}

	if question, ok := clarificationNeeded(message, summary, analysis); ok {
		analysis.RequiresClarification = true
		if analysis.SuggestedFollowUp == "" {
			analysis.SuggestedFollowUp = question
		}
	}
	return analysis
}

// KeywordIntent is the deterministic fallback scorer: each domain scores the
// fraction of its saturation keyword count found in message, 0 if none.
func KeywordIntent(message string) domain.IntentAnalysis {
	scores := make(map[domain.AgentID]float64, len(domain.CanonicalAgents))
	var hits []string
	for _, id := range domain.CanonicalAgents {
		n := countMatches(message, domainKeywords[id])
		score := float64(n) / keywordSaturation
		if score > 1 {
			score = 1
		}
		scores[id] = score
		if n > 0 {
			hits = append(hits, fmt.Sprintf("%s=%d", id, n))
		}
	}

	analysis := domain.IntentAnalysis{Scores: scores}
	analysis.PrimaryDomain = primaryDomain(scores)
	if len(hits) == 0 {
		analysis.Reasoning = "keyword heuristic: no domain keywords found"
	} else {
		analysis.Reasoning = "keyword heuristic: " + strings.Join(hits, ", ")
	}
	return analysis
}

// normalizeAnalysis clamps scores to [0,1], fills missing domains with 0 and
// recomputes the primary domain.
func normalizeAnalysis(a domain.IntentAnalysis) domain.IntentAnalysis {
	scores := make(map[domain.AgentID]float64, len(domain.CanonicalAgents))
	for _, id := range domain.CanonicalAgents {
		v := a.Scores[id]
		switch {
		case v < 0:
			v = 0
		case v > 1:
			v = 1
		}
		scores[id] = v
	}
	a.Scores = scores
	a.PrimaryDomain = primaryDomain(scores)
	return a
}

// primaryDomain returns the highest scoring domain, ties broken by canonical
// order. With no positive score it returns the designer.
func primaryDomain(scores map[domain.AgentID]float64) domain.AgentID {
	ids := append([]domain.AgentID{}, domain.CanonicalAgents...)
	sort.SliceStable(ids, func(i, j int) bool { return scores[ids[i]] > scores[ids[j]] })
	if scores[ids[0]] == 0 {
		return domain.AgentDesigner
	}
	return ids[0]
}

// clarificationNeeded flags messages that span a whole property or several
// domains without naming a circuit, appliance or technical parameter.
func clarificationNeeded(message string, summary domain.ConversationSummary, a domain.IntentAnalysis) (string, bool) {
	if HasTechnicalParameter(message) || len(summary.Circuits) > 0 {
		return "", false
	}
	for _, r := range circuitRules {
		if matchesAny(message, r.patterns) {
			return "", false
		}
	}

	possible := 0
	for _, id := range domain.CanonicalAgents {
		if a.Score(id) >= domain.ConfidencePossible {
			possible++
		}
	}

	if matchesAny(message, scopePatterns) || possible >= 3 {
		return "Before I bring in the specialists, could you list the circuits and appliances you need " +
			"(for example cooker, electric shower, EV charger, socket and lighting circuits), " +
			"their approximate ratings, and roughly how far each run is from the consumer unit?", true
	}
	return "", false
}
