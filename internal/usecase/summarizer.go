package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"sparkwise/internal/domain"
)

// condensedPlaceholder replaces older user messages that carry no technical parameter.
const condensedPlaceholder = "[earlier message condensed]"

// technicalPatterns detect power ratings, currents, distances, cable sizes,
// voltages, percentages and load types. Text matching any of them is never
// compressed.
var technicalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:kw|kva|w|watts?)\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:a|amps?|ma)\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:m|metres?|meters?|ft|feet|km)\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?mm(?:²|2|sq)`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?v\b`),
	regexp.MustCompile(`\b\d+(?:\.\d+)?\s?%`),
	regexp.MustCompile(`(?i)\b(?:inductive|resistive|capacitive|motor load|continuous load|three[- ]phase|single[- ]phase)\b`),
}

var calculationPattern = regexp.MustCompile(`(?i)(voltage drop|design current|\bib\b|\biz\b|\bzs\b|carrying capacity|=)`)

// HasTechnicalParameter reports whether text states a power, current,
// distance, size, voltage, percentage or load type.
func HasTechnicalParameter(text string) bool {
	for _, p := range technicalPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// SummarizerConfig controls history compression.
type SummarizerConfig struct {
	Threshold  int // message count at which compression starts
	KeepRecent int // most recent messages always kept verbatim
	MaxFacts   int // cap on non-technical key facts
}

// Summarizer compresses long histories into a bounded, fact-preserving
// ConversationSummary.
type Summarizer struct {
	semantic domain.SemanticSummarizer
	config   SummarizerConfig
	logger   *slog.Logger
}

// NewSummarizer creates a summarizer. semantic may be nil, in which case the
// structural extraction is always used.
func NewSummarizer(semantic domain.SemanticSummarizer, cfg SummarizerConfig, logger *slog.Logger) *Summarizer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 12
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 6
	}
	if cfg.MaxFacts <= 0 {
		cfg.MaxFacts = 20
	}
	return &Summarizer{
		semantic: semantic,
		config:   cfg,
		logger:   logger,
	}
}

// ShouldCompress returns true if the history is long enough to compress.
func (s *Summarizer) ShouldCompress(msgs []domain.Message) bool {
	return len(msgs) >= s.config.Threshold
}

// Summarize never fails: any problem with the semantic call falls back to
// the structural extraction.
func (s *Summarizer) Summarize(ctx context.Context, msgs []domain.Message, state domain.ConversationState) domain.ConversationSummary {
	base := StructuralSummary(msgs, state)
	if !s.ShouldCompress(msgs) || s.semantic == nil {
		return base
	}

	transcript := s.CompressedTranscript(msgs)
	if strings.TrimSpace(transcript) == "" {
		return base
	}

	got, err := s.semantic.Summarize(ctx, transcript, base)
	if err != nil {
		s.logger.Warn("semantic summary failed, using structural summary", "error", err)
		return base
	}
	if got == nil {
		s.logger.Warn("semantic summary empty, using structural summary")
		return base
	}
	return mergeSummaries(base, *got, s.config.MaxFacts)
}

// CompressedTranscript renders the history with older, non-technical user
// messages collapsed to a placeholder. Messages carrying a technical
// parameter and assistant messages are passed through unmodified.
func (s *Summarizer) CompressedTranscript(msgs []domain.Message) string {
	cut := len(msgs) - s.config.KeepRecent
	if cut < 0 {
		cut = 0
	}

	var sb strings.Builder
	for i, msg := range msgs {
		if msg.Role == domain.RoleSystem {
			continue
		}
		content := msg.Content
		if i < cut && msg.Role == domain.RoleUser && !HasTechnicalParameter(content) {
			content = condensedPlaceholder
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, content)
	}
	return sb.String()
}

// StructuralSummary projects state and history into a summary without any
// external call.
func StructuralSummary(msgs []domain.Message, state domain.ConversationState) domain.ConversationSummary {
	sum := domain.ConversationSummary{
		ProjectKind:   state.ProjectKind,
		Decisions:     append([]domain.Decision{}, state.Decisions...),
		Requirements:  append([]string{}, state.Requirements...),
		OpenQuestions: append([]string{}, state.OpenQuestions...),
		KeyFacts:      TechnicalFacts(msgs),
		LastTopic:     truncate(strings.TrimSpace(domain.LatestUserMessage(msgs)), 160),
	}
	if len(state.Circuits) > 0 {
		sum.Circuits = append([]domain.Circuit{}, state.Circuits...)
	}
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		for _, sentence := range sentences(m.Content) {
			if calculationPattern.MatchString(sentence) && HasTechnicalParameter(sentence) {
				sum.Calculations = appendUnique(sum.Calculations, sentence)
			}
		}
	}
	if !state.Constraints.IsZero() {
		c := state.Constraints
		sum.Constraints = &c
	}
	return sum
}

// TechnicalFacts returns every sentence in the history that states a
// technical parameter, verbatim and in order.
func TechnicalFacts(msgs []domain.Message) []string {
	facts := []string{}
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		for _, sentence := range sentences(m.Content) {
			if HasTechnicalParameter(sentence) {
				facts = appendUnique(facts, sentence)
			}
		}
	}
	return facts
}

// mergeSummaries prefers the semantic summary's prose fields but keeps every
// technical fact and structural field from base.
func mergeSummaries(base, semantic domain.ConversationSummary, maxFacts int) domain.ConversationSummary {
	out := base
	if semantic.ProjectKind != "" && semantic.ProjectKind != domain.ProjectUnknown && base.ProjectKind == domain.ProjectUnknown {
		out.ProjectKind = semantic.ProjectKind
	}
	if semantic.LastTopic != "" {
		out.LastTopic = semantic.LastTopic
	}
	out.Requirements = appendUnique(append([]string{}, base.Requirements...), semantic.Requirements...)
	out.OpenQuestions = appendUnique(append([]string{}, base.OpenQuestions...), semantic.OpenQuestions...)
	for _, d := range semantic.Decisions {
		if !containsDecision(out.Decisions, d) {
			out.Decisions = append(out.Decisions, d)
		}
	}

	facts := append([]string{}, base.KeyFacts...)
	extra := 0
	for _, f := range semantic.KeyFacts {
		if HasTechnicalParameter(f) || extra < maxFacts {
			before := len(facts)
			facts = appendUnique(facts, f)
			if len(facts) > before && !HasTechnicalParameter(f) {
				extra++
			}
		}
	}
	out.KeyFacts = facts
	out.Calculations = appendUnique(append([]string{}, base.Calculations...), semantic.Calculations...)
	return out
}
