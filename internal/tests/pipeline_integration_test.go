package tests

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalix/autoresponder/internal/credstore"
	"github.com/signalix/autoresponder/internal/dispatch"
	"github.com/signalix/autoresponder/internal/flow"
	"github.com/signalix/autoresponder/internal/frequency"
	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/repo"
	"github.com/signalix/autoresponder/internal/session"
	"github.com/signalix/autoresponder/internal/transport/memtransport"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func textsTo(conn *memtransport.Conn, to string) []string {
	var out []string
	for _, a := range conn.Actions() {
		if a.Kind == "text" && a.To == to {
			out = append(out, a.Text)
		}
	}
	return out
}

// A ONCE rule answers the first matching message from a user and stays silent afterwards,
// with the interaction persisted in Postgres.
func TestPipeline_onceRuleAgainstPostgres(t *testing.T) {
	database := OpenTestDB(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	tenants := repo.NewTenantRepo(database)
	rules := repo.NewRuleRepo(database, log)
	interactions := repo.NewInteractionRepo(database)

	tenant, err := tenants.GetOrCreateByName(ctx, "shop")
	require.NoError(t, err)
	rule, err := rules.Create(ctx, tenant.ID, model.RuleInput{
		Triggers:  []string{"info"},
		Match:     model.MatchContains,
		Frequency: model.FrequencyOnce,
		Enabled:   true,
		Steps: []model.StepInput{
			{Kind: model.StepText, Content: "Hola, te comparto la información"},
			{Kind: model.StepDelay, Content: "500"},
			{Kind: model.StepText, Content: "¿Algo más?"},
		},
	})
	require.NoError(t, err)

	creds, err := credstore.OpenFS("creds", vfs.NewMem(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = creds.Close() })

	client := memtransport.NewClient()
	gate := frequency.NewGate(interactions, log)
	executor := flow.NewExecutor(flow.Config{}, log, nil, flow.WithSleeper(noSleep))
	registry := session.NewRegistry(client, creds, tenants, func(id uuid.UUID) session.Handler {
		return dispatch.New(id, rules, gate, executor, log, nil)
	}, session.Config{RetryDelay: 10 * time.Millisecond}, log, nil)
	t.Cleanup(registry.StopAll)

	restored, err := registry.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	var conn *memtransport.Conn
	select {
	case conn = <-client.Conns():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	conn.Open()
	require.Eventually(t, func() bool {
		return registry.GetStatus(tenant.ID).Status == model.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn.Text("m1", "u1", "quiero INFO por favor")
	require.Eventually(t, func() bool { return len(textsTo(conn, "u1")) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hola, te comparto la información", "¿Algo más?"}, textsTo(conn, "u1"))

	exists, err := interactions.Exists(ctx, "u1", rule.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	conn.Text("m2", "u1", "info otra vez")
	conn.Text("m3", "u2", "info")
	require.Eventually(t, func() bool { return len(textsTo(conn, "u2")) == 2 }, 2*time.Second, 5*time.Millisecond)

	// m2 precedes m3 on the event stream
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, textsTo(conn, "u1"), 2, "ONCE rule must not fire twice for the same user")

	require.Eventually(t, func() bool {
		got, err := tenants.GetByID(ctx, tenant.ID)
		return err == nil && got.Status == model.StatusConnected
	}, 2*time.Second, 5*time.Millisecond, "status mirrored to the tenant row")
}
