// Package memtransport is an in-process transport. Connections are driven by the
// caller, which emits inbound events and reads back every outbound action. It backs
// tests and the TRANSPORT=memory dry-run mode.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/signalix/autoresponder/internal/transport"
)

const eventBuffer = 64

// Action is one recorded outbound call
type Action struct {
	Kind      string
	To        string
	Text      string
	Media     transport.MediaSource
	VoiceNote bool
	Mimetype  string
	Presence  transport.Presence
	MessageID string
}

func (a Action) String() string {
	switch a.Kind {
	case "text":
		return fmt.Sprintf("text to=%s %q", a.To, a.Text)
	case "image":
		return fmt.Sprintf("image to=%s %s caption=%q", a.To, mediaString(a.Media), a.Text)
	case "audio":
		return fmt.Sprintf("audio to=%s %s ptt=%t mimetype=%s", a.To, mediaString(a.Media), a.VoiceNote, a.Mimetype)
	case "presence":
		return fmt.Sprintf("presence to=%s %s", a.To, a.Presence)
	case "read":
		return fmt.Sprintf("read %s/%s", a.To, a.MessageID)
	}
	return a.Kind
}

func mediaString(m transport.MediaSource) string {
	if m.Path != "" {
		return "path=" + m.Path
	}
	return "url=" + m.URL
}

// Client hands out Conns and records every connect
type Client struct {
	mu          sync.Mutex
	connects    int
	failN       int
	failErr     error
	credentials [][]byte
	onConnect   func(*Conn)
	conns       chan *Conn
}

// NewClient creates a Client
func NewClient() *Client {
	return &Client{conns: make(chan *Conn, eventBuffer)}
}

// FailConnects makes the next n Connect calls return err
func (c *Client) FailConnects(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failN, c.failErr = n, err
}

// OnConnect registers a hook run for every new connection
func (c *Client) OnConnect(fn func(*Conn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Connects returns the number of Connect calls, failed ones included
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Credentials returns the credential blob passed to each successful Connect
func (c *Client) Credentials() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.credentials))
	copy(out, c.credentials)
	return out
}

// Conns delivers every connection as it is opened
func (c *Client) Conns() <-chan *Conn {
	return c.conns
}

func (c *Client) Connect(ctx context.Context, tenantID uuid.UUID, credentials []byte) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.connects++
	if c.failN > 0 {
		c.failN--
		err := c.failErr
		c.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", tenantID, err)
	}
	c.credentials = append(c.credentials, credentials)
	hook := c.onConnect
	c.mu.Unlock()

	conn := NewConn(tenantID)
	if hook != nil {
		hook(conn)
	}
	select {
	case c.conns <- conn:
	default:
	}
	return conn, nil
}

// Conn is a scriptable connection
type Conn struct {
	TenantID uuid.UUID

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once

	// emitMu guards the events channel against close during send
	emitMu  sync.RWMutex
	closed  bool
	mu      sync.Mutex
	actions []Action
	fail    map[string]error
}

// NewConn creates an open Conn
func NewConn(tenantID uuid.UUID) *Conn {
	return &Conn{
		TenantID: tenantID,
		events:   make(chan transport.Event, eventBuffer),
		done:     make(chan struct{}),
		fail:     make(map[string]error),
	}
}

func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Emit delivers an inbound event. It reports false once the connection is closed.
func (c *Conn) Emit(ev transport.Event) bool {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Open emits connection-open
func (c *Conn) Open() bool {
	return c.Emit(transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{State: transport.ConnOpen}})
}

// QR emits a pending login code
func (c *Conn) QR(code string) bool {
	return c.Emit(transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{QR: code}})
}

// UpdateCredentials emits a credential change
func (c *Conn) UpdateCredentials(blob []byte) bool {
	return c.Emit(transport.Event{Kind: transport.EventCredentials, Credentials: blob})
}

// Text emits an inbound plain text message from sender
func (c *Conn) Text(id, sender, text string) bool {
	return c.Emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID:      id,
		Chat:    sender,
		Payload: &transport.Payload{Conversation: text},
	}})
}

// Drop emits a close event and ends the connection
func (c *Conn) Drop(loggedOut bool) {
	c.Emit(transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{
		State:  transport.ConnClose,
		Reason: &transport.CloseReason{LoggedOut: loggedOut},
	}})
	_ = c.Close()
}

// FailOn makes every outbound call of kind ("text", "image", "audio", "presence", "read") return err
func (c *Conn) FailOn(kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[kind] = err
}

// Actions returns a copy of the recorded outbound calls
func (c *Conn) Actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Action, len(c.actions))
	copy(out, c.actions)
	return out
}

// Closed reports whether Close has been called
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) record(ctx context.Context, a Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return transport.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[a.Kind]; err != nil {
		return err
	}
	c.actions = append(c.actions, a)
	return nil
}

func (c *Conn) SendText(ctx context.Context, to, text string) error {
	return c.record(ctx, Action{Kind: "text", To: to, Text: text})
}

func (c *Conn) SendImage(ctx context.Context, to string, media transport.MediaSource, caption string) error {
	return c.record(ctx, Action{Kind: "image", To: to, Media: media, Text: caption})
}

func (c *Conn) SendAudio(ctx context.Context, to string, media transport.MediaSource, voiceNote bool, mimetype string) error {
	return c.record(ctx, Action{Kind: "audio", To: to, Media: media, VoiceNote: voiceNote, Mimetype: mimetype})
}

func (c *Conn) SetPresence(ctx context.Context, to string, state transport.Presence) error {
	return c.record(ctx, Action{Kind: "presence", To: to, Presence: state})
}

func (c *Conn) MarkRead(ctx context.Context, msg transport.Message) error {
	return c.record(ctx, Action{Kind: "read", To: msg.Chat, MessageID: msg.ID})
}

// Close ends the connection and closes the event channel. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.emitMu.Lock()
		c.closed = true
		close(c.events)
		c.emitMu.Unlock()
	})
	return nil
}
