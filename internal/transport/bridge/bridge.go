// Package bridge talks to a chat gateway sidecar over HTTP. The gateway owns the
// network protocol; connect opens a newline-delimited JSON event stream and every
// outbound action is a small JSON POST.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/transport"
)

const (
	maxEventSize  = 4 << 20
	closeTimeout  = 5 * time.Second
	eventBuffer   = 32
	errBodyPrefix = 512
)

// Client connects tenants through the gateway at baseURL
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// New creates a Client. httpClient must not set a Timeout: the event stream is long lived.
func New(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log,
	}
}

type connectRequest struct {
	Credentials []byte `json:"credentials,omitempty"`
}

// Connect opens the session's event stream
func (c *Client) Connect(ctx context.Context, tenantID uuid.UUID, credentials []byte) (transport.Conn, error) {
	body, err := json.Marshal(connectRequest{Credentials: credentials})
	if err != nil {
		return nil, fmt.Errorf("encode connect request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.sessionURL(tenantID, "connect"), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build connect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect %s: %w", tenantID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, statusError("connect", resp)
	}

	conn := &conn{
		client:   c,
		tenantID: tenantID,
		events:   make(chan transport.Event, eventBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
		log:      c.log.With(zap.String("tenant", tenantID.String())),
	}
	go conn.readLoop(resp.Body)
	return conn, nil
}

func (c *Client) sessionURL(tenantID uuid.UUID, action string) string {
	u := c.baseURL + "/v1/sessions/" + tenantID.String()
	if action != "" {
		u += "/" + action
	}
	return u
}

// do sends a JSON request and discards a 2xx response body
func (c *Client) do(ctx context.Context, method, url string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(method+" "+url, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyPrefix))
	return fmt.Errorf("%s: gateway returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

type conn struct {
	client   *Client
	tenantID uuid.UUID
	events   chan transport.Event
	done     chan struct{}
	finished chan struct{}
	cancel   context.CancelFunc
	once     sync.Once
	log      *zap.Logger
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

// readLoop is the only writer and the closer of c.events
func (c *conn) readLoop(body io.ReadCloser) {
	defer close(c.finished)
	defer close(c.events)
	defer body.Close()

	sawClose := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev transport.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Warn("bridge_event_invalid", zap.Error(err))
			continue
		}
		if ev.Kind == transport.EventConnection && ev.Connection != nil && ev.Connection.State == transport.ConnClose {
			sawClose = true
		}
		if !c.deliver(ev) {
			return
		}
	}

	if sawClose {
		return
	}
	reason := &transport.CloseReason{Message: "event stream ended"}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		reason.Message = err.Error()
	}
	c.deliver(transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{
		State:  transport.ConnClose,
		Reason: reason,
	}})
}

func (c *conn) deliver(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

type sendRequest struct {
	To       string                 `json:"to"`
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	Caption  string                 `json:"caption,omitempty"`
	Media    *transport.MediaSource `json:"media,omitempty"`
	PTT      bool                   `json:"ptt,omitempty"`
	Mimetype string                 `json:"mimetype,omitempty"`
}

func (c *conn) send(ctx context.Context, req sendRequest) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	if err := c.client.do(ctx, http.MethodPost, c.client.sessionURL(c.tenantID, "send"), req); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	return nil
}

func (c *conn) SendText(ctx context.Context, to, text string) error {
	return c.send(ctx, sendRequest{To: to, Type: "text", Text: text})
}

func (c *conn) SendImage(ctx context.Context, to string, media transport.MediaSource, caption string) error {
	return c.send(ctx, sendRequest{To: to, Type: "image", Media: &media, Caption: caption})
}

func (c *conn) SendAudio(ctx context.Context, to string, media transport.MediaSource, voiceNote bool, mimetype string) error {
	return c.send(ctx, sendRequest{To: to, Type: "audio", Media: &media, PTT: voiceNote, Mimetype: mimetype})
}

type presenceRequest struct {
	To    string             `json:"to,omitempty"`
	State transport.Presence `json:"state"`
}

func (c *conn) SetPresence(ctx context.Context, to string, state transport.Presence) error {
	if err := c.client.do(ctx, http.MethodPost, c.client.sessionURL(c.tenantID, "presence"), presenceRequest{To: to, State: state}); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	return nil
}

type readRequest struct {
	Chat   string `json:"chat"`
	ID     string `json:"id"`
	Sender string `json:"sender,omitempty"`
}

func (c *conn) MarkRead(ctx context.Context, msg transport.Message) error {
	if err := c.client.do(ctx, http.MethodPost, c.client.sessionURL(c.tenantID, "read"), readRequest{Chat: msg.Chat, ID: msg.ID, Sender: msg.Sender}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Close tells the gateway to drop the socket and ends the event stream
func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if e := c.client.do(ctx, http.MethodDelete, c.client.sessionURL(c.tenantID, ""), nil); e != nil {
			err = fmt.Errorf("close session: %w", e)
		}
		c.cancel()
		<-c.finished
	})
	return err
}
