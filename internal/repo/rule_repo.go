package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/model"
)

// ErrInvalidRule is returned when a rule input fails validation
var ErrInvalidRule = errors.New("invalid rule")

// RuleRepo defines the interface for rule repository operations
type RuleRepo interface {
	ListEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Rule, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Rule, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Rule, error)
	Create(ctx context.Context, tenantID uuid.UUID, in model.RuleInput) (model.Rule, error)
	Update(ctx context.Context, id uuid.UUID, in model.RuleInput) (model.Rule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type ruleRepo struct {
	db  *sql.DB
	log *zap.Logger
}

// NewRuleRepo creates a new RuleRepo instance. Step decode warnings go to log.
func NewRuleRepo(db *sql.DB, log *zap.Logger) RuleRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &ruleRepo{db: db, log: log}
}

const ruleColumns = `id, tenant_id, triggers, match_type, frequency, enabled, created_at`

func scanRule(row rowScanner) (model.Rule, error) {
	var rule model.Rule
	var idStr, tenantStr, match, freq string
	var triggers pq.StringArray
	if err := row.Scan(&idStr, &tenantStr, &triggers, &match, &freq, &rule.Enabled, &rule.CreatedAt); err != nil {
		return model.Rule{}, err
	}
	var err error
	if rule.ID, err = uuid.Parse(idStr); err != nil {
		return model.Rule{}, fmt.Errorf("failed to parse rule ID: %w", err)
	}
	if rule.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return model.Rule{}, fmt.Errorf("failed to parse tenant ID: %w", err)
	}
	rule.Triggers = []string(triggers)
	rule.Match = model.MatchMode(match)
	rule.Frequency = model.Frequency(freq)
	return rule, nil
}

// ListEnabledByTenant returns the tenant's enabled rules in creation order, each
// with its steps ordered by position and decoded
func (r *ruleRepo) ListEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Rule, error) {
	return r.listByTenant(ctx, tenantID, true)
}

// ListByTenant returns all of the tenant's rules, disabled ones included
func (r *ruleRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Rule, error) {
	return r.listByTenant(ctx, tenantID, false)
}

func (r *ruleRepo) listByTenant(ctx context.Context, tenantID uuid.UUID, enabledOnly bool) ([]model.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND (enabled OR NOT $2)
		ORDER BY created_at, id
	`, tenantID, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	if err := r.attachSteps(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// GetByID retrieves a rule with its steps
func (r *ruleRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return model.Rule{}, fmt.Errorf("failed to query rule: %w", err)
	}
	rules := []model.Rule{rule}
	if err := r.attachSteps(ctx, rules); err != nil {
		return model.Rule{}, err
	}
	return rules[0], nil
}

// attachSteps loads the steps of every rule in one query
func (r *ruleRepo) attachSteps(ctx context.Context, rules []model.Rule) error {
	ids := make([]string, len(rules))
	byID := make(map[uuid.UUID]*model.Rule, len(rules))
	for i := range rules {
		ids[i] = rules[i].ID.String()
		byID[rules[i].ID] = &rules[i]
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, position, kind, content, options
		FROM rule_steps
		WHERE rule_id = ANY($1::uuid[])
		ORDER BY rule_id, position
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query rule steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr, ruleStr, kind, content string
		var position int
		var options []byte
		if err := rows.Scan(&idStr, &ruleStr, &position, &kind, &content, &options); err != nil {
			return fmt.Errorf("failed to scan rule step: %w", err)
		}
		stepID, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("failed to parse step ID: %w", err)
		}
		ruleID, err := uuid.Parse(ruleStr)
		if err != nil {
			return fmt.Errorf("failed to parse rule ID: %w", err)
		}
		rule, ok := byID[ruleID]
		if !ok {
			continue
		}
		step, warnings := model.DecodeStep(stepID, position, model.StepKind(kind), content, options)
		for _, w := range warnings {
			r.log.Warn("rule_step_decoded_with_defaults",
				zap.String("rule", ruleID.String()),
				zap.Int("position", position),
				zap.String("warning", w),
			)
		}
		rule.Steps = append(rule.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rule steps: %w", err)
	}
	return nil
}

func validateRule(in model.RuleInput) (model.RuleInput, error) {
	triggers := make([]string, 0, len(in.Triggers))
	for _, t := range in.Triggers {
		// stored as written; spaces are part of the phrase
		if strings.TrimSpace(t) != "" {
			triggers = append(triggers, t)
		}
	}
	if len(triggers) == 0 {
		return in, fmt.Errorf("%w: at least one trigger is required", ErrInvalidRule)
	}
	if !in.Match.Valid() {
		return in, fmt.Errorf("%w: unknown match type %q", ErrInvalidRule, in.Match)
	}
	if !in.Frequency.Valid() {
		return in, fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, in.Frequency)
	}
	for i, s := range in.Steps {
		switch s.Kind {
		case model.StepDelay, model.StepText, model.StepImage, model.StepAudio:
		default:
			return in, fmt.Errorf("%w: step %d has unknown kind %q", ErrInvalidRule, i+1, s.Kind)
		}
	}
	in.Triggers = triggers
	return in, nil
}

// Create inserts a rule and its steps in one transaction
func (r *ruleRepo) Create(ctx context.Context, tenantID uuid.UUID, in model.RuleInput) (model.Rule, error) {
	in, err := validateRule(in)
	if err != nil {
		return model.Rule{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Rule{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var idStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rules (tenant_id, triggers, match_type, frequency, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, tenantID, pq.Array(in.Triggers), string(in.Match), string(in.Frequency), in.Enabled).Scan(&idStr)
	if err != nil {
		return model.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	ruleID, err := uuid.Parse(idStr)
	if err != nil {
		return model.Rule{}, fmt.Errorf("parse rule ID: %w", err)
	}

	if err := insertSteps(ctx, tx, ruleID, in.Steps); err != nil {
		return model.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Rule{}, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, ruleID)
}

// Update replaces a rule's attributes and its whole step sequence
func (r *ruleRepo) Update(ctx context.Context, id uuid.UUID, in model.RuleInput) (model.Rule, error) {
	in, err := validateRule(in)
	if err != nil {
		return model.Rule{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Rule{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE rules
		SET triggers = $2, match_type = $3, frequency = $4, enabled = $5
		WHERE id = $1
	`, id, pq.Array(in.Triggers), string(in.Match), string(in.Frequency), in.Enabled)
	if err != nil {
		return model.Rule{}, fmt.Errorf("update rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_steps WHERE rule_id = $1`, id); err != nil {
		return model.Rule{}, fmt.Errorf("delete rule steps: %w", err)
	}
	if err := insertSteps(ctx, tx, id, in.Steps); err != nil {
		return model.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Rule{}, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, id)
}

// insertSteps writes steps with dense positions 1..N in input order
func insertSteps(ctx context.Context, tx *sql.Tx, ruleID uuid.UUID, steps []model.StepInput) error {
	for i, s := range steps {
		options := []byte(s.Options)
		if len(options) == 0 {
			options = []byte("{}")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_steps (rule_id, position, kind, content, options)
			VALUES ($1, $2, $3, $4, $5)
		`, ruleID, i+1, string(s.Kind), s.Content, string(options))
		if err != nil {
			return fmt.Errorf("insert rule step %d: %w", i+1, err)
		}
	}
	return nil
}

// Delete removes a rule and its steps
func (r *ruleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}
