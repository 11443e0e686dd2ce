package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InteractionRepo defines the interface for the append-only interaction log
type InteractionRepo interface {
	Append(ctx context.Context, userID string, ruleID uuid.UUID) error
	Exists(ctx context.Context, userID string, ruleID uuid.UUID) (bool, error)
}

type interactionRepo struct {
	db *sql.DB
}

// NewInteractionRepo creates a new InteractionRepo instance
func NewInteractionRepo(db *sql.DB) InteractionRepo {
	return &interactionRepo{db: db}
}

// Append records that userID triggered ruleID
func (r *interactionRepo) Append(ctx context.Context, userID string, ruleID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO interactions (user_id, rule_id)
		VALUES ($1, $2)
	`, userID, ruleID)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// Exists reports whether userID has ever triggered ruleID
func (r *interactionRepo) Exists(ctx context.Context, userID string, ruleID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM interactions WHERE user_id = $1 AND rule_id = $2)
	`, userID, ruleID).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("query interaction: %w", err)
	}
	return exists, nil
}
