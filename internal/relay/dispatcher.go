package relay

import (
	"context"
	"errors"
	"time"

	"github.com/chatline/relay/internal/chat"
	"github.com/chatline/relay/internal/metrics"
	"github.com/chatline/relay/internal/protocol"
)

// handler processes one decoded client message. The result is only used for
// request types, where it becomes the ack payload.
type handler func(ctx context.Context, c Conn, msg interface{}) (interface{}, error)

// request adapts a typed request handler.
func request[T any](fn func(context.Context, Conn, T) (interface{}, error)) handler {
	return func(ctx context.Context, c Conn, msg interface{}) (interface{}, error) {
		return fn(ctx, c, msg.(T))
	}
}

// event adapts a typed fire-and-forget handler.
func event[T any](fn func(context.Context, Conn, T) error) handler {
	return func(ctx context.Context, c Conn, msg interface{}) (interface{}, error) {
		return nil, fn(ctx, c, msg.(T))
	}
}

func (e *Engine) registerHandlers() {
	e.handlers = map[string]handler{
		protocol.TypeCheckUsername:      request(e.handleCheckUsername),
		protocol.TypeCreateUser:         request(e.handleCreateUser),
		protocol.TypeUpdateProfile:      request(e.handleUpdateProfile),
		protocol.TypeGetConversations:   request(e.handleGetConversations),
		protocol.TypeSearch:             request(e.handleSearch),
		protocol.TypeSearchUser:         request(e.handleSearchUser),
		protocol.TypeCreateConversation: request(e.handleCreateConversation),

		protocol.TypeCreateGroup:       event(e.handleCreateGroup),
		protocol.TypeUpdateGroupInfo:   event(e.handleUpdateGroupInfo),
		protocol.TypeAddGroupMembers:   event(e.handleAddGroupMembers),
		protocol.TypeRemoveGroupMember: event(e.handleRemoveGroupMember),
		protocol.TypePromoteAdmin:      event(e.handlePromoteAdmin),
		protocol.TypeDemoteAdmin:       event(e.handleDemoteAdmin),
		protocol.TypeGetHistory:        event(e.handleGetHistory),
		protocol.TypeSendMessage:       event(e.handleSendMessage),
		protocol.TypeMessagesRead:      event(e.handleMessagesRead),
		protocol.TypeReactToMessage:    event(e.handleReactToMessage),
		protocol.TypeTyping:            event(e.handleTyping),
	}
}

// Dispatch is the transport's onMessage callback. It parses the raw bytes
// into a typed message, answers ping itself and routes everything else to
// its handler. Requests always receive exactly one ack; failed
// fire-and-forget events are reported to the sender only.
func (e *Engine) Dispatch(c Conn, data []byte) {
	start := time.Now()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		e.log.Debug("relay: dispatch parse error", "session", c.SessionID(), "error", err)
		code, text := protocol.CodeParseError, "invalid message format"
		if errors.Is(err, protocol.ErrUnknownType) {
			code, text = protocol.CodeUnsupportedType, "unsupported message type"
		}
		if requestID := protocol.PeekRequestID(data); requestID != "" && protocol.IsRequest(msgType) {
			e.sendAckError(c, msgType, requestID, code, text)
		} else {
			e.sendError(c, msgType, code, text)
		}
		metrics.EventsTotal.WithLabelValues(metricLabel(msgType), "rejected").Inc()
		return
	}

	// Built-in ping handler.
	if msgType == protocol.TypePing {
		e.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	h, ok := e.handlers[msgType]
	if !ok {
		e.sendError(c, msgType, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	result, err := h(ctx, c, msg)
	if corr, ok := msg.(protocol.Correlated); ok {
		e.reply(c, msgType, corr.Correlation(), result, err)
	} else if err != nil {
		e.fail(c, msgType, err)
	}

	metrics.EventsTotal.WithLabelValues(msgType, outcome(err)).Inc()
	metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

// reply sends the single ack of a request.
func (e *Engine) reply(c Conn, event, requestID string, result interface{}, err error) {
	if err == nil {
		data, buildErr := protocol.NewAck(event, requestID, result)
		if buildErr != nil {
			e.log.Error("relay: build ack", "event", event, "error", buildErr)
			e.sendAckError(c, event, requestID, protocol.CodeInternal, "internal error")
			return
		}
		e.write(c, data)
		return
	}

	var rl *rateLimitedError
	if errors.As(err, &rl) {
		e.sendAckError(c, event, requestID, protocol.CodeRateLimited, "too many requests")
		return
	}
	code, text := classify(err)
	if code == protocol.CodeInternal {
		e.log.Error("relay: request failed", "event", event, "session", c.SessionID(), "error", err)
	}
	e.sendAckError(c, event, requestID, code, text)
}

// fail reports a failed fire-and-forget event. Domain errors go back to the
// sender; store failures are only logged.
func (e *Engine) fail(c Conn, event string, err error) {
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		e.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			Event:      event,
			RetryAfter: int(rl.retryAfter.Round(time.Second) / time.Second),
		})
		return
	}
	code, text := classify(err)
	if code == protocol.CodeInternal {
		e.log.Error("relay: event failed", "event", event, "session", c.SessionID(), "user", c.UserID(), "error", err)
		return
	}
	e.log.Debug("relay: event rejected", "event", event, "session", c.SessionID(), "code", code, "error", err)
	e.sendError(c, event, code, text)
}

// classify maps an error to a wire code and a client-facing message.
func classify(err error) (code, message string) {
	switch {
	case errors.Is(err, errUnauthenticated):
		return protocol.CodeUnauthenticated, "create a profile first"
	case errors.Is(err, chat.ErrUsernameTaken):
		return protocol.CodeConflict, "That username is already taken."
	case errors.Is(err, chat.ErrInvalid):
		return protocol.CodeInvalidRequest, err.Error()
	case errors.Is(err, chat.ErrForbidden):
		return protocol.CodeForbidden, err.Error()
	case errors.Is(err, chat.ErrNotFound):
		return protocol.CodeNotFound, err.Error()
	}
	return protocol.CodeInternal, "internal error"
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return "rejected"
	}
	if code, _ := classify(err); code == protocol.CodeInternal {
		return "failed"
	}
	return "rejected"
}

// metricLabel keeps arbitrary client-chosen types out of label values.
func metricLabel(msgType string) string {
	if protocol.IsRequest(msgType) {
		return msgType
	}
	switch msgType {
	case protocol.TypeCreateGroup, protocol.TypeUpdateGroupInfo, protocol.TypeAddGroupMembers,
		protocol.TypeRemoveGroupMember, protocol.TypePromoteAdmin, protocol.TypeDemoteAdmin,
		protocol.TypeGetHistory, protocol.TypeSendMessage, protocol.TypeMessagesRead,
		protocol.TypeReactToMessage, protocol.TypeTyping, protocol.TypePing:
		return msgType
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Outbound helpers
// ---------------------------------------------------------------------------

// send builds a server message and writes it to c.
func (e *Engine) send(c Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.log.Error("relay: build message", "type", msgType, "error", err)
		return
	}
	e.write(c, data)
}

func (e *Engine) write(c Conn, data []byte) {
	if err := c.Send(data); err != nil {
		e.log.Debug("relay: send failed", "session", c.SessionID(), "error", err)
	}
}

func (e *Engine) sendError(c Conn, event, code, message string) {
	e.send(c, protocol.TypeError, protocol.ErrorMsg{Event: event, Code: code, Message: message})
}

func (e *Engine) sendAckError(c Conn, event, requestID, code, message string) {
	data, err := protocol.NewAckError(event, requestID, code, message)
	if err != nil {
		e.log.Error("relay: build ack", "event", event, "error", err)
		return
	}
	e.write(c, data)
}

// broadcast sends a server message to every subscriber of convID except
// exceptSession.
func (e *Engine) broadcast(convID, msgType string, payload interface{}, exceptSession string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.log.Error("relay: build broadcast", "type", msgType, "error", err)
		return
	}
	n := e.rooms.Broadcast(convID, data, exceptSession)
	metrics.BroadcastFanout.Observe(float64(n))
}

// sendToUser writes a server message to every attached connection of userID.
func (e *Engine) sendToUser(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.log.Error("relay: build message", "type", msgType, "error", err)
		return
	}
	for _, c := range e.rooms.UserConns(userID) {
		e.write(c, data)
	}
}
