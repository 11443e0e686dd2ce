// Package transport defines the contract of the chat network client. The core never
// speaks the wire protocol itself; it connects, subscribes to events and sends through
// these interfaces.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a connection that has ended
var ErrClosed = errors.New("transport: connection closed")

// Client opens connections for tenants
type Client interface {
	// Connect starts a session using the tenant's stored credentials (nil for a fresh login).
	Connect(ctx context.Context, tenantID uuid.UUID, credentials []byte) (Conn, error)
}

// Presence is a chat presence indicator
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresenceRecording Presence = "recording"
	PresencePaused    Presence = "paused"
	PresenceAvailable Presence = "available"
)

// MediaSource locates media to send. Exactly one of URL or Path is set.
type MediaSource struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// Conn is one live connection. Events is closed when the connection ends.
type Conn interface {
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to string, media MediaSource, caption string) error
	SendAudio(ctx context.Context, to string, media MediaSource, voiceNote bool, mimetype string) error
	// SetPresence announces state to a chat, or globally when to is empty.
	SetPresence(ctx context.Context, to string, state Presence) error
	MarkRead(ctx context.Context, msg Message) error
	Close() error
}

// EventKind discriminates Event
type EventKind string

const (
	EventCredentials EventKind = "credentials"
	EventConnection  EventKind = "connection"
	EventMessage     EventKind = "message"
)

// ConnState is the transport-level connection state
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
)

// CloseReason describes why a connection closed
type CloseReason struct {
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	LoggedOut bool   `json:"loggedOut,omitempty"`
}

// ConnectionUpdate reports a connection state change. QR is set while a login code
// awaits scanning.
type ConnectionUpdate struct {
	State  ConnState    `json:"state,omitempty"`
	QR     string       `json:"qr,omitempty"`
	Reason *CloseReason `json:"reason,omitempty"`
}

// Event is one inbound transport event
type Event struct {
	Kind        EventKind         `json:"kind"`
	Credentials []byte            `json:"credentials,omitempty"`
	Connection  *ConnectionUpdate `json:"connection,omitempty"`
	Message     *Message          `json:"message,omitempty"`
}

// Message is an inbound chat message
type Message struct {
	ID      string   `json:"id"`
	Chat    string   `json:"chat"`
	Sender  string   `json:"sender,omitempty"`
	FromMe  bool     `json:"fromMe,omitempty"`
	Status  bool     `json:"status,omitempty"`
	History bool     `json:"history,omitempty"`
	Payload *Payload `json:"payload,omitempty"`
}

// Payload is the message body. Wrapper shapes nest another Payload.
type Payload struct {
	Conversation string        `json:"conversation,omitempty"`
	ExtendedText *ExtendedText `json:"extendedText,omitempty"`
	Ephemeral    *Payload      `json:"ephemeral,omitempty"`
	ViewOnce     *Payload      `json:"viewOnce,omitempty"`
}

// ExtendedText is a text message carrying link previews or quotes
type ExtendedText struct {
	Text string `json:"text"`
}

// maxPayloadDepth bounds wrapper recursion
const maxPayloadDepth = 8

// Text returns the first non-empty text found in the payload, looking through
// ephemeral and view-once wrappers.
func (p *Payload) Text() string {
	return payloadText(p, 0)
}

func payloadText(p *Payload, depth int) string {
	if p == nil || depth > maxPayloadDepth {
		return ""
	}
	if s := strings.TrimSpace(p.Conversation); s != "" {
		return p.Conversation
	}
	if p.ExtendedText != nil && strings.TrimSpace(p.ExtendedText.Text) != "" {
		return p.ExtendedText.Text
	}
	if s := payloadText(p.Ephemeral, depth+1); s != "" {
		return s
	}
	return payloadText(p.ViewOnce, depth+1)
}

// ReplyTo returns the address replies should go to
func (m Message) ReplyTo() string {
	return m.Chat
}

// UserID identifies the human behind the message. In direct chats this is the chat
// itself; in groups it is the participant.
func (m Message) UserID() string {
	if m.Sender != "" {
		return m.Sender
	}
	return m.Chat
}
