package frequency

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/signalix/autoresponder/internal/model"
)

type memStore struct {
	mu        sync.Mutex
	seen      map[string]bool
	existsErr error
	appendErr error
	lookups   int
}

func newMemStore() *memStore {
	return &memStore{seen: make(map[string]bool)}
}

func (s *memStore) Exists(_ context.Context, userID string, ruleID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.seen[userID+"/"+ruleID.String()], nil
}

func (s *memStore) Append(_ context.Context, userID string, ruleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.seen[userID+"/"+ruleID.String()] = true
	return nil
}

func TestShouldRespond_always(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, nil)
	ctx := context.Background()
	ruleID := uuid.New()

	for i := 0; i < 3; i++ {
		ok, err := gate.ShouldRespond(ctx, "u1", ruleID, model.FrequencyAlways)
		require.NoError(t, err)
		assert.True(t, ok)
		gate.LogInteraction(ctx, "u1", ruleID)
	}
	assert.Zero(t, store.lookups, "ALWAYS must not query the store")
}

func TestShouldRespond_oncePerUserAndRule(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, nil)
	ctx := context.Background()
	ruleA, ruleB := uuid.New(), uuid.New()

	ok, err := gate.ShouldRespond(ctx, "u1", ruleA, model.FrequencyOnce)
	require.NoError(t, err)
	assert.True(t, ok)
	gate.LogInteraction(ctx, "u1", ruleA)

	ok, err = gate.ShouldRespond(ctx, "u1", ruleA, model.FrequencyOnce)
	require.NoError(t, err)
	assert.False(t, ok, "second trigger by same user must be gated")

	ok, err = gate.ShouldRespond(ctx, "u2", ruleA, model.FrequencyOnce)
	require.NoError(t, err)
	assert.True(t, ok, "other users are unaffected")

	ok, err = gate.ShouldRespond(ctx, "u1", ruleB, model.FrequencyOnce)
	require.NoError(t, err)
	assert.True(t, ok, "other rules are unaffected")
}

func TestShouldRespond_storeError(t *testing.T) {
	store := newMemStore()
	store.existsErr = errors.New("db down")
	gate := NewGate(store, nil)

	ok, err := gate.ShouldRespond(context.Background(), "u1", uuid.New(), model.FrequencyOnce)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestLogInteraction_swallowsErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := newMemStore()
	store.appendErr = errors.New("db down")
	gate := NewGate(store, zap.New(core))

	assert.NotPanics(t, func() {
		gate.LogInteraction(context.Background(), "u1", uuid.New())
	})
	require.Equal(t, 1, logs.FilterMessage("interaction_log_failed").Len())
}
