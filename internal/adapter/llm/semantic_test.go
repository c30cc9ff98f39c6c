package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
)

// replyProvider returns content for every chat and records the last request.
type replyProvider struct {
	content string
	err     error
	last    domain.ChatRequest
}

func (p *replyProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: p.content}}, nil
}

func (p *replyProvider) Name() string { return "reply" }

func TestSemanticClassifierParsesScores(t *testing.T) {
	p := &replyProvider{content: "```json\n" + `{
		"scores": {"designer": 0.9, "Cost Engineer": 0.5, "safety": 0.8, "plumbing": 0.7},
		"primary_domain": "design",
		"reasoning": "cable sizing with RCD question"
	}` + "\n```"}

	c := NewSemanticClassifier(p, 256, slog.Default())
	got, err := c.Classify(context.Background(), "What cable for a 9.5kW shower with RCD?", domain.ConversationSummary{LastTopic: "shower"})
	require.NoError(t, err)

	assert.InDelta(t, 0.9, got.Scores[domain.AgentDesigner], 1e-9)
	assert.InDelta(t, 0.5, got.Scores[domain.AgentCostEngineer], 1e-9)
	assert.InDelta(t, 0.8, got.Scores[domain.AgentHealthSafety], 1e-9)
	assert.Len(t, got.Scores, 3, "unknown domains are dropped")
	assert.Equal(t, domain.AgentDesigner, got.PrimaryDomain)
	assert.Equal(t, "cable sizing with RCD question", got.Reasoning)

	assert.True(t, p.last.JSONOutput)
	assert.Equal(t, 256, p.last.MaxTokens)
	require.Len(t, p.last.Messages, 2)
	assert.Equal(t, domain.RoleSystem, p.last.Messages[0].Role)
	assert.Contains(t, p.last.Messages[1].Content, "9.5kW shower")
	assert.Contains(t, p.last.Messages[1].Content, `"last_topic":"shower"`)
}

func TestSemanticClassifierClarification(t *testing.T) {
	p := &replyProvider{content: `{"scores":{"designer":0.6},"requires_clarification":true,"suggested_follow_up":"  Which appliances?  "}`}

	got, err := NewSemanticClassifier(p, 0, slog.Default()).Classify(context.Background(), "wire my house", domain.ConversationSummary{})
	require.NoError(t, err)
	assert.True(t, got.RequiresClarification)
	assert.Equal(t, "Which appliances?", got.SuggestedFollowUp)
	assert.Empty(t, got.PrimaryDomain, "missing primary domain is left for the caller to recompute")
}

func TestSemanticClassifierErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
		wantErr error
	}{
		{"provider failure", "", domain.ErrRateLimit, domain.ErrRateLimit},
		{"not json", "I think it's the designer.", nil, domain.ErrMalformedResponse},
		{"score out of range", `{"scores":{"designer":1.7}}`, nil, domain.ErrSchemaViolation},
		{"missing scores", `{"reasoning":"none"}`, nil, domain.ErrSchemaViolation},
		{"only unknown domains", `{"scores":{"plumbing":0.9}}`, nil, domain.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &replyProvider{content: tt.content, err: tt.err}
			_, err := NewSemanticClassifier(p, 0, slog.Default()).Classify(context.Background(), "msg", domain.ConversationSummary{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSemanticSummarizer(t *testing.T) {
	p := &replyProvider{content: `{
		"project_kind": "rewire",
		"decisions": [{"topic": "kitchen ring", "choice": "2.5mm2 T&E on 32A RCBO"}],
		"requirements": ["EV charger on drive"],
		"open_questions": ["Is the consumer unit metal-clad?"],
		"key_facts": ["Ze measured at 0.35 ohm"],
		"last_topic": "consumer unit",
		"calculations": ["Ib = 40A for 9.2kW shower"]
	}`}

	base := domain.ConversationSummary{ProjectKind: domain.ProjectUnknown, KeyFacts: []string{"3-bed semi"}}
	got, err := NewSemanticSummarizer(p, 512).Summarize(context.Background(), "user: full rewire\n", base)
	require.NoError(t, err)

	assert.Equal(t, domain.ProjectRewire, got.ProjectKind)
	assert.Equal(t, []domain.Decision{{Topic: "kitchen ring", Choice: "2.5mm2 T&E on 32A RCBO"}}, got.Decisions)
	assert.Equal(t, []string{"Ze measured at 0.35 ohm"}, got.KeyFacts)
	assert.Equal(t, "consumer unit", got.LastTopic)
	assert.Equal(t, []string{"Ib = 40A for 9.2kW shower"}, got.Calculations)

	assert.True(t, p.last.JSONOutput)
	assert.True(t, strings.Contains(p.last.Messages[1].Content, "3-bed semi"), "base summary is sent to the model")
	assert.Contains(t, p.last.Messages[1].Content, "user: full rewire")
}

func TestSemanticSummarizerDefaultsProjectKind(t *testing.T) {
	p := &replyProvider{content: `{"last_topic":"lighting"}`}
	got, err := NewSemanticSummarizer(p, 0).Summarize(context.Background(), "t", domain.ConversationSummary{})
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectUnknown, got.ProjectKind)
}

func TestSemanticSummarizerRejectsInvalidReply(t *testing.T) {
	p := &replyProvider{content: `{"project_kind":"spaceship"}`}
	_, err := NewSemanticSummarizer(p, 0).Summarize(context.Background(), "t", domain.ConversationSummary{})
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)

	p = &replyProvider{err: errors.New("boom")}
	_, err = NewSemanticSummarizer(p, 0).Summarize(context.Background(), "t", domain.ConversationSummary{})
	assert.ErrorContains(t, err, "SemanticSummarizer.Summarize: boom")
}
