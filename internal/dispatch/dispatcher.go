package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/flow"
	"github.com/signalix/autoresponder/internal/metrics"
	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/transport"
	"github.com/signalix/autoresponder/internal/trigger"
)

// RuleSource loads a tenant's enabled rules with their steps
type RuleSource interface {
	ListEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Rule, error)
}

// Gate applies a rule's frequency policy
type Gate interface {
	ShouldRespond(ctx context.Context, userID string, ruleID uuid.UUID, policy model.Frequency) (bool, error)
	LogInteraction(ctx context.Context, userID string, ruleID uuid.UUID)
}

// Runner replays a rule's steps
type Runner interface {
	Execute(ctx context.Context, conn flow.Messenger, to string, steps []model.Step)
}

// Conn is what the pipeline needs from a live connection
type Conn interface {
	flow.Messenger
	MarkRead(ctx context.Context, msg transport.Message) error
}

// Dispatcher runs the intake pipeline for one tenant. At most one automation run
// is in flight per sender; a message from a busy sender is dropped, not queued.
type Dispatcher struct {
	tenantID uuid.UUID
	rules    RuleSource
	gate     Gate
	runner   Runner
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a Dispatcher for tenantID
func New(tenantID uuid.UUID, rules RuleSource, gate Gate, runner Runner, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		tenantID: tenantID,
		rules:    rules,
		gate:     gate,
		runner:   runner,
		log:      log.With(zap.String("tenant", tenantID.String())),
		metrics:  m,
		inFlight: make(map[string]struct{}),
	}
}

// Dispatch accepts msg for processing in the background. It reports whether a run
// was started. Own messages, status broadcasts, history sync, messages without text
// and messages from a sender already in flight are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, msg transport.Message) bool {
	if msg.FromMe || msg.Status || msg.History {
		d.metrics.MessageReceived(metrics.OutcomeIgnored)
		return false
	}
	text := msg.Payload.Text()
	if strings.TrimSpace(text) == "" {
		d.metrics.MessageReceived(metrics.OutcomeIgnored)
		return false
	}

	user := msg.UserID()
	if !d.acquire(user) {
		d.log.Debug("message_dropped_in_flight", zap.String("user", user), zap.String("message", msg.ID))
		d.metrics.MessageReceived(metrics.OutcomeBusy)
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(user)
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("dispatch_panic", zap.String("user", user), zap.Any("panic", r))
				d.metrics.MessageReceived(metrics.OutcomeError)
			}
		}()
		d.metrics.MessageReceived(d.handle(ctx, conn, msg, user, text))
	}()
	return true
}

func (d *Dispatcher) handle(ctx context.Context, conn Conn, msg transport.Message, user, text string) string {
	rules, err := d.rules.ListEnabledByTenant(ctx, d.tenantID)
	if err != nil {
		d.log.Error("rules_load_failed", zap.Error(err))
		return metrics.OutcomeError
	}

	rule := trigger.Resolve(rules, text)
	if rule == nil {
		return metrics.OutcomeNoMatch
	}
	d.metrics.RuleMatched(rule.Frequency)

	ok, err := d.gate.ShouldRespond(ctx, user, rule.ID, rule.Frequency)
	if err != nil {
		d.log.Error("frequency_check_failed", zap.String("user", user), zap.String("rule", rule.ID.String()), zap.Error(err))
		return metrics.OutcomeError
	}
	if !ok {
		d.log.Debug("rule_gated", zap.String("user", user), zap.String("rule", rule.ID.String()))
		return metrics.OutcomeGated
	}

	d.gate.LogInteraction(ctx, user, rule.ID)

	if err := conn.MarkRead(ctx, msg); err != nil {
		d.log.Debug("mark_read_failed", zap.String("message", msg.ID), zap.Error(err))
	}

	d.log.Info("rule_matched",
		zap.String("user", user),
		zap.String("rule", rule.ID.String()),
		zap.Int("steps", len(rule.Steps)),
	)
	d.runner.Execute(ctx, conn, msg.ReplyTo(), rule.Steps)
	return metrics.OutcomeResponded
}

func (d *Dispatcher) acquire(user string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[user]; busy {
		return false
	}
	d.inFlight[user] = struct{}{}
	return true
}

func (d *Dispatcher) release(user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, user)
}

// InFlight reports whether user has a run in progress
func (d *Dispatcher) InFlight(user string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[user]
	return ok
}

// Wait blocks until every started run has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
