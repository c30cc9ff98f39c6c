package usecase

import (
	"strings"
	"sync"

	"sparkwise/internal/domain"
)

// FactsPool holds the reference material already fetched during one
// consultation. It is append-only and deduplicated by citation ID.
type FactsPool struct {
	mu          sync.RWMutex
	facts       []domain.Citation
	index       map[string]int
	contributor []domain.AgentID
}

// NewFactsPool creates an empty pool.
func NewFactsPool() *FactsPool {
	return &FactsPool{index: make(map[string]int)}
}

// CitationID returns c.ID, or a stable identifier derived from its source
// and reference when the expert left it empty.
func CitationID(c domain.Citation) string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	key := strings.ToLower(strings.TrimSpace(c.Source) + ":" + strings.TrimSpace(c.Reference))
	return strings.Join(strings.Fields(key), "-")
}

// Add appends citations not yet in the pool and returns how many were new.
func (p *FactsPool) Add(from domain.AgentID, citations []domain.Citation) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, c := range citations {
		id := CitationID(c)
		if id == "" || id == ":" {
			continue
		}
		if _, ok := p.index[id]; ok {
			continue
		}
		c.ID = id
		p.index[id] = len(p.facts)
		p.facts = append(p.facts, c)
		p.contributor = append(p.contributor, from)
		added++
	}
	return added
}

// All returns a copy of every citation in insertion order.
func (p *FactsPool) All() []domain.Citation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.Citation(nil), p.facts...)
}

// From returns the citations contributed by the given agents, in insertion order.
func (p *FactsPool) From(agents map[domain.AgentID]bool) []domain.Citation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []domain.Citation
	for i, c := range p.facts {
		if agents[p.contributor[i]] {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of distinct citations.
func (p *FactsPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.facts)
}
