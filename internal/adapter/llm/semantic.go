package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"sparkwise/internal/domain"
)

const classifyPrompt = `You route questions about electrical installation work to expert domains.
Domains: designer (circuit design, cable sizing, protection), cost-engineer (prices, budgets, quotes),
installer (installation method, routing, containment), health-safety (regulations, RCDs, isolation, hazards),
commissioning (testing, certification, inspection).
Score every domain between 0 and 1 for how strongly the latest message needs it.
Set requires_clarification when the message spans many circuits or a whole property without the detail
needed to answer safely, and put the question to ask in suggested_follow_up.
Reply with JSON: {"scores":{"<domain>":<0..1>},"primary_domain":"<domain>","reasoning":"...",
"requires_clarification":false,"suggested_follow_up":""}`

const summarizePrompt = `You maintain a running summary of an electrical installation consultation.
Keep every technical value (currents, cable sizes, ratings, lengths, percentages) exactly as written.
Reply with JSON: {"project_kind":"...","decisions":[{"topic":"...","choice":"..."}],"requirements":["..."],
"open_questions":["..."],"key_facts":["..."],"last_topic":"...","calculations":["..."]}`

const intentSchema = `{
  "type": "object",
  "required": ["scores"],
  "properties": {
    "scores": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "primary_domain": {"type": "string"},
    "reasoning": {"type": "string"},
    "requires_clarification": {"type": "boolean"},
    "suggested_follow_up": {"type": "string"}
  }
}`

const summarySchema = `{
  "type": "object",
  "properties": {
    "project_kind": {"enum": ["unknown", "domestic", "commercial", "industrial", "rewire", "new-build", "extension", "ev-charging", "solar", ""]},
    "decisions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["topic", "choice"],
        "properties": {"topic": {"type": "string"}, "choice": {"type": "string"}}
      }
    },
    "requirements": {"type": "array", "items": {"type": "string"}},
    "open_questions": {"type": "array", "items": {"type": "string"}},
    "key_facts": {"type": "array", "items": {"type": "string"}},
    "last_topic": {"type": "string"},
    "calculations": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	compiledIntentSchema  = mustCompile(intentSchema)
	compiledSummarySchema = mustCompile(summarySchema)
)

func mustCompile(src string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// decodeValidated strips code fences, validates content against schema and
// decodes it into v.
func decodeValidated(op, content string, schema *jsonschema.Schema, v any) error {
	raw := []byte(stripCodeFences(content))

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.NewDomainError(op, domain.ErrMalformedResponse, err.Error())
	}
	if result := schema.Validate(parsed); !result.IsValid() {
		return domain.NewDomainError(op, domain.ErrSchemaViolation, fmt.Sprintf("%v", result.Error()))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.NewDomainError(op, domain.ErrMalformedResponse, err.Error())
	}
	return nil
}

// SemanticClassifier implements domain.SemanticClassifier over an LLMProvider.
type SemanticClassifier struct {
	provider  domain.LLMProvider
	maxTokens int
	logger    *slog.Logger
}

// NewSemanticClassifier creates a classifier backed by provider.
func NewSemanticClassifier(provider domain.LLMProvider, maxTokens int, logger *slog.Logger) *SemanticClassifier {
	return &SemanticClassifier{provider: provider, maxTokens: maxTokens, logger: logger}
}

type intentReply struct {
	Scores                map[string]float64 `json:"scores"`
	PrimaryDomain         string             `json:"primary_domain"`
	Reasoning             string             `json:"reasoning"`
	RequiresClarification bool               `json:"requires_clarification"`
	SuggestedFollowUp     string             `json:"suggested_follow_up"`
}

// Classify asks the model to score message against every domain. Domain
// names in the reply go through domain.ParseAgentID; unknown names are
// dropped and an empty result is returned as ErrMalformedResponse.
func (c *SemanticClassifier) Classify(ctx context.Context, message string, summary domain.ConversationSummary) (*domain.IntentAnalysis, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}

	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: classifyPrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Conversation summary:\n%s\n\nLatest message:\n%s", summaryJSON, message)},
		},
		MaxTokens:  c.maxTokens,
		JSONOutput: true,
	})
	if err != nil {
		return nil, domain.WrapOp("SemanticClassifier.Classify", err)
	}

	var reply intentReply
	if err := decodeValidated("SemanticClassifier.Classify", resp.Message.Content, compiledIntentSchema, &reply); err != nil {
		return nil, err
	}

	analysis := &domain.IntentAnalysis{
		Scores:                make(map[domain.AgentID]float64, len(reply.Scores)),
		Reasoning:             reply.Reasoning,
		RequiresClarification: reply.RequiresClarification,
		SuggestedFollowUp:     strings.TrimSpace(reply.SuggestedFollowUp),
	}
	for name, score := range reply.Scores {
		id, err := domain.ParseAgentID(name)
		if err != nil {
			c.logger.Debug("semantic classifier returned unknown domain", "domain", name)
			continue
		}
		if score > analysis.Scores[id] {
			analysis.Scores[id] = score
		}
	}
	if len(analysis.Scores) == 0 {
		return nil, domain.NewDomainError("SemanticClassifier.Classify", domain.ErrMalformedResponse, "no known domains scored")
	}
	if id, err := domain.ParseAgentID(reply.PrimaryDomain); err == nil {
		analysis.PrimaryDomain = id
	}
	return analysis, nil
}

// SemanticSummarizer implements domain.SemanticSummarizer over an LLMProvider.
type SemanticSummarizer struct {
	provider  domain.LLMProvider
	maxTokens int
}

// NewSemanticSummarizer creates a summarizer backed by provider.
func NewSemanticSummarizer(provider domain.LLMProvider, maxTokens int) *SemanticSummarizer {
	return &SemanticSummarizer{provider: provider, maxTokens: maxTokens}
}

type summaryReply struct {
	ProjectKind   string            `json:"project_kind"`
	Decisions     []domain.Decision `json:"decisions"`
	Requirements  []string          `json:"requirements"`
	OpenQuestions []string          `json:"open_questions"`
	KeyFacts      []string          `json:"key_facts"`
	LastTopic     string            `json:"last_topic"`
	Calculations  []string          `json:"calculations"`
}

// Summarize asks the model to extend base with what the transcript adds.
// The caller merges the result so base facts are never lost.
func (s *SemanticSummarizer) Summarize(ctx context.Context, transcript string, base domain.ConversationSummary) (*domain.ConversationSummary, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}

	resp, err := s.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: summarizePrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Current summary:\n%s\n\nTranscript:\n%s", baseJSON, transcript)},
		},
		MaxTokens:  s.maxTokens,
		JSONOutput: true,
	})
	if err != nil {
		return nil, domain.WrapOp("SemanticSummarizer.Summarize", err)
	}

	var reply summaryReply
	if err := decodeValidated("SemanticSummarizer.Summarize", resp.Message.Content, compiledSummarySchema, &reply); err != nil {
		return nil, err
	}

	kind := domain.ProjectKind(reply.ProjectKind)
	if kind == "" {
		kind = domain.ProjectUnknown
	}
	return &domain.ConversationSummary{
		ProjectKind:   kind,
		Decisions:     reply.Decisions,
		Requirements:  reply.Requirements,
		OpenQuestions: reply.OpenQuestions,
		KeyFacts:      reply.KeyFacts,
		LastTopic:     reply.LastTopic,
		Calculations:  reply.Calculations,
	}, nil
}

var (
	_ domain.SemanticClassifier = (*SemanticClassifier)(nil)
	_ domain.SemanticSummarizer = (*SemanticSummarizer)(nil)
)
