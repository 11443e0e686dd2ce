package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/dispatch"
	"github.com/signalix/autoresponder/internal/metrics"
	"github.com/signalix/autoresponder/internal/model"
	"github.com/signalix/autoresponder/internal/transport"
)

// ErrClosed is returned when starting a lifecycle that was deleted
var ErrClosed = errors.New("session: lifecycle closed")

const (
	defaultRetryDelay = 2 * time.Second
	maxQuickCloses    = 3
)

// CredentialStore persists the transport's opaque credential blob
type CredentialStore interface {
	Load(tenantID uuid.UUID) ([]byte, error)
	Save(tenantID uuid.UUID, blob []byte) error
	Delete(tenantID uuid.UUID) error
}

// Handler consumes inbound messages of a connected session
type Handler interface {
	Dispatch(ctx context.Context, conn dispatch.Conn, msg transport.Message) bool
	Wait()
}

// StatusFunc observes status transitions
type StatusFunc func(tenantID uuid.UUID, from, to model.SessionStatus)

// Snapshot is a point-in-time view of a session. QR is only set in StatusQR.
type Snapshot struct {
	Status model.SessionStatus
	QR     string
}

// Lifecycle owns one tenant's live connection: connect, follow transport events,
// persist credentials and reconnect after transient closes.
type Lifecycle struct {
	tenantID   uuid.UUID
	client     transport.Client
	creds      CredentialStore
	handler    Handler
	onStatus   StatusFunc
	retryDelay time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics

	// opMu serializes Start and Stop
	opMu    sync.Mutex
	mu      sync.Mutex
	status  model.SessionStatus
	qr      string
	conn    transport.Conn
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// LifecycleConfig wires a Lifecycle
type LifecycleConfig struct {
	Client     transport.Client
	Creds      CredentialStore
	Handler    Handler
	OnStatus   StatusFunc
	RetryDelay time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// NewLifecycle creates a stopped Lifecycle
func NewLifecycle(tenantID uuid.UUID, cfg LifecycleConfig) *Lifecycle {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Lifecycle{
		tenantID:   tenantID,
		client:     cfg.Client,
		creds:      cfg.Creds,
		handler:    cfg.Handler,
		onStatus:   cfg.OnStatus,
		retryDelay: cfg.RetryDelay,
		log:        cfg.Logger.With(zap.String("tenant", tenantID.String())),
		metrics:    cfg.Metrics,
		status:     model.StatusDisconnected,
	}
}

// Start begins connecting in the background. Calling Start on a running lifecycle
// does nothing.
func (l *Lifecycle) Start() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.running {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	l.setStatus(model.StatusConnecting, "")
	l.log.Info("session_starting")
	go l.run(ctx, done)
	return nil
}

// Stop closes the connection and waits for the run loop and any in-flight
// automation to finish. Stopping a stopped lifecycle does nothing.
func (l *Lifecycle) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done, conn := l.cancel, l.done, l.conn
	l.mu.Unlock()

	cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			l.log.Debug("session_close_failed", zap.Error(err))
		}
	}
	<-done
	if l.handler != nil {
		l.handler.Wait()
	}
	l.setStatus(model.StatusDisconnected, "")
	l.log.Info("session_stopped")
}

// Close stops the lifecycle for good; Start then returns ErrClosed
func (l *Lifecycle) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Stop()
}

// Status returns the current state and pending login code
func (l *Lifecycle) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{Status: l.status}
	if l.status == model.StatusQR {
		s.QR = l.qr
	}
	return s
}

// Running reports whether the run loop is active
func (l *Lifecycle) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Lifecycle) setStatus(to model.SessionStatus, qr string) {
	l.mu.Lock()
	from := l.status
	l.status = to
	l.qr = qr
	l.mu.Unlock()

	if from != to {
		l.log.Info("session_status", zap.String("from", string(from)), zap.String("to", string(to)))
		if l.onStatus != nil {
			l.onStatus(l.tenantID, from, to)
		}
	}
}

// run connects and follows events until stopped or logged out. A transient close
// loops straight back into connect. Connect failures wait retryDelay, and so do
// reconnects once maxQuickCloses connections in a row ended without opening or
// showing a QR code.
func (l *Lifecycle) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	quickCloses := 0
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			return
		}

		loggedOut, progressed := l.follow(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if loggedOut {
			l.loggedOut()
			return
		}

		if progressed {
			quickCloses = 0
		} else {
			quickCloses++
		}

		l.log.Info("session_reconnecting")
		l.metrics.Reconnected()
		l.setStatus(model.StatusConnecting, "")

		if quickCloses >= maxQuickCloses {
			l.log.Warn("session_flapping", zap.Int("closes", quickCloses), zap.Duration("retry_in", l.retryDelay))
			if !pause(ctx, l.retryDelay) {
				return
			}
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (l *Lifecycle) connect(ctx context.Context) (transport.Conn, error) {
	var conn transport.Conn
	err := retry.Do(ctx, retry.NewConstant(l.retryDelay), func(ctx context.Context) error {
		creds, err := l.creds.Load(l.tenantID)
		if err != nil {
			l.log.Warn("credentials_load_failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		c, err := l.client.Connect(ctx, l.tenantID, creds)
		if err != nil {
			l.log.Warn("session_connect_failed", zap.Duration("retry_in", l.retryDelay), zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	l.conn = conn
	return conn, nil
}

// follow consumes conn's events. It reports whether the close was a logout and
// whether the connection opened or offered a QR code before ending.
func (l *Lifecycle) follow(ctx context.Context, conn transport.Conn) (loggedOut, progressed bool) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return false, progressed
		case ev, ok := <-events:
			if !ok {
				return false, progressed
			}
			switch ev.Kind {
			case transport.EventCredentials:
				if err := l.creds.Save(l.tenantID, ev.Credentials); err != nil {
					l.log.Error("credentials_save_failed", zap.Error(err))
				}
			case transport.EventConnection:
				if ev.Connection == nil {
					continue
				}
				u := *ev.Connection
				if u.State == transport.ConnOpen || u.QR != "" {
					progressed = true
				}
				if closed, loggedOut := l.onConnection(ctx, conn, u); closed {
					return loggedOut, progressed
				}
			case transport.EventMessage:
				if ev.Message == nil || l.Status().Status != model.StatusConnected {
					continue
				}
				if l.handler != nil {
					l.handler.Dispatch(ctx, l, *ev.Message)
				}
			}
		}
	}
}

func (l *Lifecycle) onConnection(ctx context.Context, conn transport.Conn, u transport.ConnectionUpdate) (closed, loggedOut bool) {
	switch u.State {
	case transport.ConnConnecting:
		l.setStatus(model.StatusConnecting, "")
	case transport.ConnOpen:
		l.setStatus(model.StatusConnected, "")
		if err := conn.SetPresence(ctx, "", transport.PresenceAvailable); err != nil {
			l.log.Debug("presence_update_failed", zap.Error(err))
		}
	case transport.ConnClose:
		reason := u.Reason
		if reason == nil {
			reason = &transport.CloseReason{}
		}
		l.log.Info("session_closed",
			zap.Int("code", reason.Code),
			zap.String("reason", reason.Message),
			zap.Bool("logged_out", reason.LoggedOut),
		)
		return true, reason.LoggedOut
	}
	if u.QR != "" {
		l.setStatus(model.StatusQR, u.QR)
	}
	return false, false
}

// loggedOut ends the lifecycle after the credential was invalidated. The stale
// blob is removed so the next Start begins a fresh login.
func (l *Lifecycle) loggedOut() {
	l.log.Warn("session_logged_out")
	if err := l.creds.Delete(l.tenantID); err != nil {
		l.log.Error("credentials_delete_failed", zap.Error(err))
	}
	l.mu.Lock()
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()
	cancel()
	l.setStatus(model.StatusDisconnected, "")
}

// current returns the live connection, or transport.ErrClosed while reconnecting
func (l *Lifecycle) current() (transport.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, transport.ErrClosed
	}
	return l.conn, nil
}

// SendText sends through whichever connection is live at the time of the call,
// so a flow started before a reconnect continues on the new connection.
func (l *Lifecycle) SendText(ctx context.Context, to, text string) error {
	conn, err := l.current()
	if err != nil {
		return err
	}
	return conn.SendText(ctx, to, text)
}

func (l *Lifecycle) SendImage(ctx context.Context, to string, media transport.MediaSource, caption string) error {
	conn, err := l.current()
	if err != nil {
		return err
	}
	return conn.SendImage(ctx, to, media, caption)
}

func (l *Lifecycle) SendAudio(ctx context.Context, to string, media transport.MediaSource, voiceNote bool, mimetype string) error {
	conn, err := l.current()
	if err != nil {
		return err
	}
	return conn.SendAudio(ctx, to, media, voiceNote, mimetype)
}

func (l *Lifecycle) SetPresence(ctx context.Context, to string, state transport.Presence) error {
	conn, err := l.current()
	if err != nil {
		return err
	}
	return conn.SetPresence(ctx, to, state)
}

func (l *Lifecycle) MarkRead(ctx context.Context, msg transport.Message) error {
	conn, err := l.current()
	if err != nil {
		return err
	}
	return conn.MarkRead(ctx, msg)
}
