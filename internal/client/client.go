// Package client is the Go side of the relay protocol: a WebSocket client
// with request/ack correlation, and the optimistic timeline that reconciles
// locally submitted messages with their server-confirmed copies.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chatline/relay/internal/protocol"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

// Options configures Dial. Token is sent as a bearer token; UserID and
// Username are the identity asserted to the relay, left empty for an
// anonymous connection.
type Options struct {
	URL      string
	Token    string
	UserID   string
	Username string
	Logger   *slog.Logger
}

// Handler receives the full JSON of one server message.
type Handler func(data json.RawMessage)

// RequestError is a failed ack.
type RequestError struct {
	Event   string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("client: %s failed: %s: %s", e.Event, e.Code, e.Message)
}

type ack struct {
	RequestID string             `json:"requestId"`
	Event     string             `json:"event"`
	OK        bool               `json:"ok"`
	Data      json.RawMessage    `json:"data"`
	Error     *protocol.AckError `json:"error"`
}

// Client is one connection to the relay. Handlers run on the read loop
// goroutine and must not block for long.
type Client struct {
	conn net.Conn
	src  io.Reader
	log  *slog.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	sessionID string
	userID    string
	username  string
	handlers  map[string]map[uint64]Handler
	nextID    uint64
	pending   map[string]chan ack
	err       error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	if opts.UserID != "" {
		q.Set("user_id", opts.UserID)
	}
	if opts.Username != "" {
		q.Set("username", opts.Username)
	}
	u.RawQuery = q.Encode()

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + opts.Token},
		}),
	}
	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := newClient(conn, opts.Logger)
	if br != nil {
		c.src = br
	}
	c.userID = opts.UserID
	c.username = opts.Username
	go c.readLoop()
	return c, nil
}

func newClient(conn net.Conn, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn:     conn,
		src:      conn,
		log:      log,
		handlers: make(map[string]map[uint64]Handler),
		pending:  make(map[string]chan ack),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// On registers h for msgType and returns a function that removes it.
func (c *Client) On(msgType string, h Handler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[uint64]Handler)
	}
	c.handlers[msgType][id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[msgType], id)
		c.mu.Unlock()
	}
}

// Send writes a fire-and-forget message.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := encode(msgType, "", payload)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Request sends msgType with a fresh requestId and waits for its ack. A
// successful ack's data is decoded into out when out is not nil.
func (c *Client) Request(ctx context.Context, msgType string, payload, out interface{}) error {
	requestID := uuid.NewString()
	data, err := encode(msgType, requestID, payload)
	if err != nil {
		return err
	}

	ch := make(chan ack, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.write(data); err != nil {
		return err
	}

	select {
	case a := <-ch:
		if !a.OK {
			re := &RequestError{Event: a.Event}
			if a.Error != nil {
				re.Code, re.Message = a.Error.Code, a.Error.Message
			}
			return re
		}
		if out != nil && len(a.Data) > 0 {
			if err := json.Unmarshal(a.Data, out); err != nil {
				return fmt.Errorf("client: decode %s reply: %w", msgType, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// WaitForSession blocks until session_created has been received.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// UserID is the identity the relay knows this connection by.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) setUser(userID, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.mu.Unlock()
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
		close(c.done)
	}
	c.mu.Unlock()
}

func (c *Client) write(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// handleControl answers pings and closes under the write lock so replies
// never interleave with application frames.
func (c *Client) handleControl(h ws.Header, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(h, r)
}

func (c *Client) readLoop() {
	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.fail(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				c.fail(err)
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("client: malformed server message", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeSessionCreated:
		c.mu.Lock()
		c.sessionID = env.SessionID
		if env.UserID != "" {
			c.userID = env.UserID
		}
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
	case protocol.TypeAck:
		var a ack
		if err := json.Unmarshal(data, &a); err != nil {
			c.log.Warn("client: malformed ack", "error", err)
			return
		}
		c.mu.RLock()
		ch, ok := c.pending[a.RequestID]
		c.mu.RUnlock()
		if ok {
			select {
			case ch <- a:
			default:
			}
		}
	}

	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

// encode flattens payload into a JSON object carrying type and requestId.
func encode(msgType, requestID string, payload interface{}) ([]byte, error) {
	m := make(map[string]interface{})
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("client: marshal %s: %w", msgType, err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("client: %s payload is not an object: %w", msgType, err)
		}
		if m == nil {
			m = make(map[string]interface{})
		}
	}
	m["type"] = msgType
	if requestID != "" {
		m["requestId"] = requestID
	}
	return json.Marshal(m)
}
