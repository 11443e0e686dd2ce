package frequency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/model"
)

// InteractionStore is the slice of interaction persistence the gate needs
type InteractionStore interface {
	Exists(ctx context.Context, userID string, ruleID uuid.UUID) (bool, error)
	Append(ctx context.Context, userID string, ruleID uuid.UUID) error
}

// Gate decides whether a rule may fire again for a user
type Gate struct {
	store InteractionStore
	log   *zap.Logger
}

// NewGate creates a Gate backed by store
func NewGate(store InteractionStore, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{store: store, log: log}
}

// ShouldRespond reports whether the rule may fire for userID under policy.
// ALWAYS never touches the store.
func (g *Gate) ShouldRespond(ctx context.Context, userID string, ruleID uuid.UUID, policy model.Frequency) (bool, error) {
	if policy != model.FrequencyOnce {
		return true, nil
	}
	seen, err := g.store.Exists(ctx, userID, ruleID)
	if err != nil {
		return false, fmt.Errorf("check interaction: %w", err)
	}
	return !seen, nil
}

// LogInteraction appends an interaction record. Failures are logged and swallowed
// so an already approved send is never blocked.
func (g *Gate) LogInteraction(ctx context.Context, userID string, ruleID uuid.UUID) {
	if err := g.store.Append(ctx, userID, ruleID); err != nil {
		g.log.Warn("interaction_log_failed",
			zap.String("user", userID),
			zap.String("rule", ruleID.String()),
			zap.Error(err),
		)
	}
}
