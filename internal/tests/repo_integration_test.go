package tests

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/repo"
)

func TestTenantRepo_Integration(t *testing.T) {
	database := OpenTestDB(t)
	ctx := context.Background()
	tenants := repo.NewTenantRepo(database)

	a, err := tenants.GetOrCreateByName(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, a.Status)

	again, err := tenants.GetOrCreateByName(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID, "get-or-create returns the existing tenant")

	require.NoError(t, tenants.UpdateStatus(ctx, a.ID, model.StatusConnected))
	got, err := tenants.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status)

	list, err := tenants.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, tenants.Delete(ctx, a.ID))
	_, err = tenants.GetByID(ctx, a.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, tenants.Delete(ctx, a.ID), repo.ErrNotFound)
	assert.ErrorIs(t, tenants.UpdateStatus(ctx, uuid.New(), model.StatusQR), repo.ErrNotFound)
}

func TestRuleRepo_Integration(t *testing.T) {
	database := OpenTestDB(t)
	ctx := context.Background()
	tenant, err := repo.NewTenantRepo(database).GetOrCreateByName(ctx, "shop")
	require.NoError(t, err)
	rules := repo.NewRuleRepo(database, zaptest.NewLogger(t))

	created, err := rules.Create(ctx, tenant.ID, model.RuleInput{
		Triggers:  []string{" hola", "", "  ", "precio"},
		Match:     model.MatchContains,
		Frequency: model.FrequencyOnce,
		Enabled:   true,
		Steps: []model.StepInput{
			{Kind: model.StepText, Content: "hi", Options: json.RawMessage(`{"simulateTyping":false}`)},
			{Kind: model.StepDelay, Content: "250"},
			{Kind: model.StepAudio, Content: "https://cdn/a.ogg"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{" hola", "precio"}, created.Triggers, "blank triggers dropped, spacing kept")
	require.Len(t, created.Steps, 3)
	for i, s := range created.Steps {
		assert.Equal(t, i+1, s.Position)
	}
	assert.Equal(t, model.TextOptions{SimulateTyping: false}, created.Steps[0].Options)
	audio, ok := created.Steps[2].Options.(model.AudioOptions)
	require.True(t, ok)
	assert.True(t, audio.VoiceNote)
	assert.Equal(t, model.DefaultAudioMimetype, audio.Mimetype)

	_, err = rules.Create(ctx, tenant.ID, model.RuleInput{
		Triggers: []string{"  "}, Match: model.MatchExact, Frequency: model.FrequencyAlways,
	})
	assert.ErrorIs(t, err, repo.ErrInvalidRule)

	updated, err := rules.Update(ctx, created.ID, model.RuleInput{
		Triggers:  []string{"hola"},
		Match:     model.MatchExact,
		Frequency: model.FrequencyAlways,
		Enabled:   true,
		Steps:     []model.StepInput{{Kind: model.StepText, Content: "only"}},
	})
	require.NoError(t, err)
	require.Len(t, updated.Steps, 1)
	assert.Equal(t, 1, updated.Steps[0].Position)
	assert.Equal(t, "only", updated.Steps[0].Content)

	_, err = rules.Create(ctx, tenant.ID, model.RuleInput{
		Triggers: []string{"off"}, Match: model.MatchExact, Frequency: model.FrequencyAlways, Enabled: false,
	})
	require.NoError(t, err)

	enabled, err := rules.ListEnabledByTenant(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, created.ID, enabled[0].ID)

	all, err := rules.ListByTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2, "disabled rules are listed too")

	require.NoError(t, rules.Delete(ctx, created.ID))
	_, err = rules.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInteractionRepo_Integration(t *testing.T) {
	database := OpenTestDB(t)
	ctx := context.Background()
	tenant, err := repo.NewTenantRepo(database).GetOrCreateByName(ctx, "shop")
	require.NoError(t, err)
	rule, err := repo.NewRuleRepo(database, nil).Create(ctx, tenant.ID, model.RuleInput{
		Triggers: []string{"hola"}, Match: model.MatchExact, Frequency: model.FrequencyOnce, Enabled: true,
	})
	require.NoError(t, err)

	interactions := repo.NewInteractionRepo(database)
	exists, err := interactions.Exists(ctx, "u1@s.whatsapp.net", rule.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, interactions.Append(ctx, "u1@s.whatsapp.net", rule.ID))
	require.NoError(t, interactions.Append(ctx, "u1@s.whatsapp.net", rule.ID), "duplicates are allowed")

	exists, err = interactions.Exists(ctx, "u1@s.whatsapp.net", rule.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = interactions.Exists(ctx, "u2@s.whatsapp.net", rule.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}
