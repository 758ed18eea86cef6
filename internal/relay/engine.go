// Package relay is the event-driven core of the chat server. It owns the
// subscription table, routes client events to handlers, persists through the
// store and fans results out to the connections of each conversation.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatline/relay/internal/assembler"
	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/metrics"
	"github.com/chatline/relay/internal/presence"
	"github.com/chatline/relay/internal/ratelimit"
	"github.com/chatline/relay/internal/store"
)

// Conn is one live client connection as seen by the engine. The transport
// guarantees that Dispatch is never called concurrently for the same Conn.
type Conn interface {
	SessionID() string
	// UserID is the authenticated user, or "" for a connection that has not
	// created its profile yet.
	UserID() string
	Username() string
	// SetUser binds the connection to a profile after create_user or a
	// username change.
	SetUser(userID, username string)
	Send(data []byte) error
}

// Limiter is the rate limiting contract; *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Publisher receives a copy of every persisted change; *messaging.NATSClient
// satisfies it.
type Publisher interface {
	PublishEvent(ev chat.Event) error
}

// SessionMirror records which user a session belongs to once the
// connection identifies itself; *session.Store satisfies it.
type SessionMirror interface {
	Identify(ctx context.Context, sessionID, userID, username string) error
}

// Options configures an Engine. Store is required; everything else is
// optional.
type Options struct {
	Store     *store.Store
	Presence  *presence.Registry
	Limiter   Limiter
	Publisher Publisher
	Sessions  SessionMirror
	Logger    *slog.Logger
	// Timeout bounds the store work of one event. Zero means 10s.
	Timeout time.Duration
	// Now overrides the clock used for message timestamps.
	Now func() time.Time
}

// Engine routes client events. It is safe for concurrent use.
type Engine struct {
	store     *store.Store
	presence  *presence.Registry
	rooms     *Rooms
	assembler *assembler.Assembler
	limiter   Limiter
	publisher Publisher
	sessions  SessionMirror
	log       *slog.Logger
	timeout   time.Duration
	now       func() time.Time
	handlers  map[string]handler
}

// New creates an Engine from opts.
func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		presence:  opts.Presence,
		rooms:     NewRooms(),
		assembler: assembler.New(opts.Store),
		limiter:   opts.Limiter,
		publisher: opts.Publisher,
		sessions:  opts.Sessions,
		log:       opts.Logger,
		timeout:   opts.Timeout,
		now:       opts.Now,
	}
	if e.presence == nil {
		e.presence = presence.NewRegistry()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.timeout <= 0 {
		e.timeout = 10 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.registerHandlers()
	return e
}

// Presence returns the registry the engine maintains.
func (e *Engine) Presence() *presence.Registry { return e.presence }

// Rooms returns the engine's subscription table.
func (e *Engine) Rooms() *Rooms { return e.rooms }

// Connect is called by the transport once a connection is established. An
// identified connection is registered as its user's live session and
// subscribed to every conversation the user participates in.
func (e *Engine) Connect(c Conn) {
	if c.UserID() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	e.identify(ctx, c)
}

func (e *Engine) identify(ctx context.Context, c Conn) {
	userID := c.UserID()
	e.presence.Register(userID, c.SessionID())
	metrics.OnlineUsers.Set(float64(e.presence.Count()))
	e.rooms.Attach(c)

	convs, err := e.store.Conversations.ListForUser(ctx, userID)
	if err != nil {
		e.log.Error("relay: list conversations on connect", "user", userID, "session", c.SessionID(), "error", err)
		return
	}
	for i := range convs {
		e.rooms.Join(convs[i].ID, c)
	}
	e.log.Debug("relay: connection identified", "user", userID, "session", c.SessionID(), "rooms", len(convs))
}

// Disconnect is called by the transport after a connection is gone. The
// presence entry is only cleared when it still points at this session, so
// a late disconnect of a replaced connection cannot mark the user offline.
func (e *Engine) Disconnect(c Conn) {
	e.rooms.Detach(c.SessionID())
	if userID := c.UserID(); userID != "" {
		if e.presence.Unregister(userID, c.SessionID()) {
			metrics.OnlineUsers.Set(float64(e.presence.Count()))
		}
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var errUnauthenticated = errors.New("relay: connection has no user")

// rateLimitedError is returned by handlers refused by the limiter.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return "relay: rate limited" }

// allow applies rule to userID. Without a limiter every event is allowed.
func (e *Engine) allow(ctx context.Context, userID, event string, rule ratelimit.Rule) error {
	if e.limiter == nil {
		return nil
	}
	ok, err := e.limiter.Allow(ctx, userID, rule)
	if err != nil {
		e.log.Warn("relay: rate limiter unavailable", "rule", rule.Key, "error", err)
	}
	if ok {
		return nil
	}
	metrics.RateLimitedTotal.WithLabelValues(event).Inc()
	return &rateLimitedError{retryAfter: e.limiter.RetryAfter(ctx, userID, rule)}
}

func (e *Engine) publish(ev chat.Event) {
	if e.publisher == nil {
		return
	}
	if ev.Ts == 0 {
		ev.Ts = e.now().UnixMilli()
	}
	if err := e.publisher.PublishEvent(ev); err != nil {
		e.log.Warn("relay: publish event", "kind", ev.Kind, "conversation", ev.ConversationID, "error", err)
	}
}
