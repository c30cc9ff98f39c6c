package llm

import (
	"context"
	"errors"
	"testing"

	"sparkwise/internal/domain"
)

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(failing("openai", nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(failing("openai", nil))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if got := r.List(); len(got) != 1 {
		t.Errorf("List() = %v, want one name", got)
	}
}

func TestRegistryListIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"openai", "bedrock", "groq"} {
		if err := r.Register(failing(name, nil)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	got := r.List()
	want := []string{"bedrock", "groq", "openai"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestRegistryChain(t *testing.T) {
	log := discardLogger()
	ok := &mockProvider{
		name: "backup",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Message: domain.Message{Content: "from backup"}}, nil
		},
	}
	r := NewRegistry()
	for _, p := range []domain.LLMProvider{failing("primary", errors.New("down")), ok} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	single, err := r.Chain("primary", nil, log)
	if err != nil {
		t.Fatalf("Chain without fallbacks: %v", err)
	}
	if single.Name() != "primary" {
		t.Errorf("Name() = %q, want primary unwrapped", single.Name())
	}

	self, err := r.Chain("primary", []string{"primary"}, log)
	if err != nil {
		t.Fatal(err)
	}
	if self.Name() != "primary" {
		t.Errorf("a primary listed as its own fallback should not be wrapped, got %q", self.Name())
	}

	chained, err := r.Chain("primary", []string{"backup"}, log)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	resp, err := chained.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "from backup" {
		t.Errorf("Content = %q, want fallback reply", resp.Message.Content)
	}

	if _, err := r.Chain("primary", []string{"absent"}, log); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("missing fallback: expected ErrProviderNotFound, got %v", err)
	}
	if _, err := r.Chain("absent", nil, log); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("missing primary: expected ErrProviderNotFound, got %v", err)
	}
}
