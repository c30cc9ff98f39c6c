package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sparkwise/internal/domain"
)

// Pruner deletes consultation records older than the retention window.
type Pruner struct {
	store     domain.ConsultationStore
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPruner creates a Pruner. A non-positive retention keeps records forever.
func NewPruner(store domain.ConsultationStore, retention time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{store: store, retention: retention, now: time.Now, logger: logger}
}

// Prune removes expired records. It is registered as a scheduled action.
func (p *Pruner) Prune(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune consultations before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		p.logger.Info("consultations pruned", "removed", n, "cutoff", cutoff)
	}
	return nil
}
