package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/repo"
	"github.com/signalix/autoresponder/internal/trigger"
)

// seedFile is the YAML layout accepted by the seed command
type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	Name  string     `yaml:"name"`
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	Triggers  []string   `yaml:"triggers"`
	Match     string     `yaml:"match"`
	Frequency string     `yaml:"frequency"`
	Enabled   *bool      `yaml:"enabled"`
	Steps     []seedStep `yaml:"steps"`
}

type seedStep struct {
	Kind    string                 `yaml:"kind"`
	Content string                 `yaml:"content"`
	Options map[string]interface{} `yaml:"options"`
}

func newSeedCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create tenants and rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open seed file: %w", err)
			}
			defer f.Close()

			seed, err := parseSeed(f)
			if err != nil {
				return err
			}

			cfg, log, err := setup(v)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := context.Background()
			database, err := openDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()

			return applySeed(ctx, seed, repo.NewTenantRepo(database), repo.NewRuleRepo(database, log), log)
		},
	}
}

// parseSeed decodes a seed file, rejecting unknown fields
func parseSeed(r io.Reader) (seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return seedFile{}, fmt.Errorf("parse seed file: %w", err)
	}
	for i, t := range seed.Tenants {
		if strings.TrimSpace(t.Name) == "" {
			return seedFile{}, fmt.Errorf("tenant %d: name is required", i)
		}
	}
	return seed, nil
}

// ruleInput converts a seed rule to the repository write shape
func (r seedRule) ruleInput() (model.RuleInput, error) {
	in := model.RuleInput{
		Triggers:  r.Triggers,
		Match:     model.MatchMode(strings.ToUpper(r.Match)),
		Frequency: model.Frequency(strings.ToUpper(r.Frequency)),
		Enabled:   true,
	}
	if in.Match == "" {
		in.Match = model.MatchContains
	}
	if in.Frequency == "" {
		in.Frequency = model.FrequencyAlways
	}
	if r.Enabled != nil {
		in.Enabled = *r.Enabled
	}

	for i, s := range r.Steps {
		step := model.StepInput{
			Kind:    model.StepKind(strings.ToUpper(s.Kind)),
			Content: s.Content,
		}
		if len(s.Options) > 0 {
			raw, err := json.Marshal(s.Options)
			if err != nil {
				return model.RuleInput{}, fmt.Errorf("step %d options: %w", i+1, err)
			}
			step.Options = raw
		}
		in.Steps = append(in.Steps, step)
	}
	return in, nil
}

type tenantCreator interface {
	GetOrCreateByName(ctx context.Context, name string) (model.Tenant, error)
}

type ruleCreator interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Rule, error)
	Create(ctx context.Context, tenantID uuid.UUID, in model.RuleInput) (model.Rule, error)
}

// triggerKey identifies a rule by its case-folded trigger set
func triggerKey(triggers []string) string {
	keys := make([]string, 0, len(triggers))
	for _, t := range triggers {
		if strings.TrimSpace(t) != "" {
			keys = append(keys, trigger.Fold(t))
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x00")
}

// applySeed creates the seeded tenants and rules. A rule whose trigger set the
// tenant already has is skipped, so seeding twice is harmless.
func applySeed(ctx context.Context, seed seedFile, tenants tenantCreator, rules ruleCreator, log *zap.Logger) error {
	for _, t := range seed.Tenants {
		tenant, err := tenants.GetOrCreateByName(ctx, strings.TrimSpace(t.Name))
		if err != nil {
			return fmt.Errorf("tenant %q: %w", t.Name, err)
		}
		existing, err := rules.ListByTenant(ctx, tenant.ID)
		if err != nil {
			return fmt.Errorf("tenant %q: %w", t.Name, err)
		}
		seen := make(map[string]bool, len(existing))
		for _, rule := range existing {
			seen[triggerKey(rule.Triggers)] = true
		}

		for i, r := range t.Rules {
			in, err := r.ruleInput()
			if err != nil {
				return fmt.Errorf("tenant %q rule %d: %w", t.Name, i+1, err)
			}
			key := triggerKey(in.Triggers)
			if seen[key] {
				log.Info("rule_seed_skipped",
					zap.String("tenant", tenant.ID.String()),
					zap.Strings("triggers", in.Triggers))
				continue
			}
			rule, err := rules.Create(ctx, tenant.ID, in)
			if err != nil {
				return fmt.Errorf("tenant %q rule %d: %w", t.Name, i+1, err)
			}
			seen[key] = true
			log.Info("rule_seeded",
				zap.String("tenant", tenant.ID.String()),
				zap.String("rule", rule.ID.String()),
				zap.Strings("triggers", rule.Triggers))
		}
	}
	return nil
}
