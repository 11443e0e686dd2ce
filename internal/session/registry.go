package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalix/autoresponder/internal/metrics"
	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/transport"
)

const (
	defaultRestoreConcurrency = 4
	statusWriteTimeout        = 5 * time.Second
)

// TenantStore is the tenant persistence the registry reads and mirrors status into
type TenantStore interface {
	List(ctx context.Context) ([]model.Tenant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error
}

// HandlerFactory builds the message handler for a tenant's lifecycle
type HandlerFactory func(tenantID uuid.UUID) Handler

// Config tunes the registry
type Config struct {
	RetryDelay         time.Duration
	RestoreConcurrency int
}

// Registry maps tenant ids to their live Lifecycle. It is the only place
// lifecycles are created, so a tenant never has two live connections.
type Registry struct {
	client     transport.Client
	creds      CredentialStore
	tenants    TenantStore
	newHandler HandlerFactory
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*Lifecycle
}

// NewRegistry creates an empty Registry
func NewRegistry(client transport.Client, creds CredentialStore, tenants TenantStore, newHandler HandlerFactory, cfg Config, log *zap.Logger, m *metrics.Metrics) *Registry {
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = defaultRestoreConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		client:     client,
		creds:      creds,
		tenants:    tenants,
		newHandler: newHandler,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		sessions:   make(map[uuid.UUID]*Lifecycle),
	}
}

// StartSession returns the tenant's lifecycle, creating it if absent, and starts it
func (r *Registry) StartSession(tenantID uuid.UUID) (*Lifecycle, error) {
	r.mu.Lock()
	l, ok := r.sessions[tenantID]
	if !ok {
		l = r.newLifecycle(tenantID)
		r.sessions[tenantID] = l
		r.metrics.SessionTransition("", l.Status().Status)
	}
	r.mu.Unlock()

	if err := l.Start(); err != nil {
		return nil, fmt.Errorf("start session %s: %w", tenantID, err)
	}
	return l, nil
}

func (r *Registry) newLifecycle(tenantID uuid.UUID) *Lifecycle {
	var h Handler
	if r.newHandler != nil {
		h = r.newHandler(tenantID)
	}
	return NewLifecycle(tenantID, LifecycleConfig{
		Client:     r.client,
		Creds:      r.creds,
		Handler:    h,
		OnStatus:   r.statusChanged,
		RetryDelay: r.cfg.RetryDelay,
		Logger:     r.log,
		Metrics:    r.metrics,
	})
}

// statusChanged mirrors a transition into metrics and, best effort, the tenant row
func (r *Registry) statusChanged(tenantID uuid.UUID, from, to model.SessionStatus) {
	r.metrics.SessionTransition(from, to)
	if r.tenants == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := r.tenants.UpdateStatus(ctx, tenantID, to); err != nil {
		r.log.Debug("tenant_status_write_failed", zap.String("tenant", tenantID.String()), zap.Error(err))
	}
}

// GetStatus returns the tenant's status. Unknown tenants are DISCONNECTED.
func (r *Registry) GetStatus(tenantID uuid.UUID) Snapshot {
	r.mu.Lock()
	l, ok := r.sessions[tenantID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{Status: model.StatusDisconnected}
	}
	return l.Status()
}

// Len returns the number of registered lifecycles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DeleteSession tears down the tenant's lifecycle, if any, and removes its
// stored credentials
func (r *Registry) DeleteSession(tenantID uuid.UUID) error {
	r.mu.Lock()
	l, ok := r.sessions[tenantID]
	delete(r.sessions, tenantID)
	r.mu.Unlock()

	if ok {
		l.Close()
		r.metrics.SessionTransition(l.Status().Status, "")
	}
	if err := r.creds.Delete(tenantID); err != nil {
		return fmt.Errorf("delete session %s: %w", tenantID, err)
	}
	r.log.Info("session_deleted", zap.String("tenant", tenantID.String()))
	return nil
}

// RestoreAll starts a session for every stored tenant. A tenant that fails to
// start is logged and skipped; only failing to list tenants is an error.
func (r *Registry) RestoreAll(ctx context.Context) (int, error) {
	tenants, err := r.tenants.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		restored int
	)
	g.SetLimit(r.cfg.RestoreConcurrency)
	for _, t := range tenants {
		t := t
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := r.StartSession(t.ID); err != nil {
				r.log.Warn("session_restore_failed", zap.String("tenant", t.ID.String()), zap.String("name", t.Name), zap.Error(err))
				return nil
			}
			mu.Lock()
			restored++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("sessions_restored", zap.Int("restored", restored), zap.Int("tenants", len(tenants)))
	return restored, nil
}

// StopAll stops every lifecycle without forgetting them; used on shutdown
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Lifecycle, 0, len(r.sessions))
	for _, l := range r.sessions {
		all = append(all, l)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, l := range all {
		l := l
		g.Go(func() error {
			l.Stop()
			return nil
		})
	}
	_ = g.Wait()
}
