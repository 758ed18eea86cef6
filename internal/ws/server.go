// Package ws is the relay's WebSocket transport. It upgrades HTTP requests,
// tracks live connections, reads frames through epoll and a bounded worker
// pool, and hands each complete text frame to the application callback.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chatline/relay/internal/config"
	"github.com/chatline/relay/internal/metrics"
	"github.com/chatline/relay/internal/protocol"
	"github.com/chatline/relay/internal/ratelimit"
	"github.com/chatline/relay/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on live connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-frame write deadline
	// MaxMessageBytes caps one reassembled message. Larger messages close
	// the connection.
	MaxMessageBytes int64
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: defaultMaxMessageBytes,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

const defaultMaxMessageBytes = 64 << 10

// ServerConfigFrom maps the loaded configuration onto the transport.
func ServerConfigFrom(c config.Server) ServerConfig {
	cfg := ServerConfig{
		ListenAddr:      c.ListenAddr,
		WorkerPoolSize:  c.WorkerPoolSize,
		MaxConnections:  c.MaxConnections,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		MaxMessageBytes: int64(c.MaxMessageBytes),
		Heartbeat:       DefaultHeartbeatConfig(),
	}
	if c.HeartbeatInterval > 0 {
		cfg.Heartbeat.Interval = c.HeartbeatInterval
	}
	return cfg
}

// ConnectLimiter throttles new connections per client address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Identity is what the handshake asserts about the connecting client. The
// token is required but not verified here; an empty UserID is an anonymous
// connection that may create a profile later.
type Identity struct {
	Token    string
	UserID   string
	Username string
}

var errMissingToken = errors.New("ws: missing bearer token")

// HandshakeIdentity extracts the identity from the upgrade request. The token
// comes from the Authorization header or the token query parameter, user_id
// and username from the query string.
func HandshakeIdentity(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		Token:    q.Get("token"),
		UserID:   strings.TrimSpace(q.Get("user_id")),
		Username: strings.TrimSpace(q.Get("username")),
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			id.Token = strings.TrimSpace(tok)
		}
	}
	if id.Token == "" {
		return Identity{}, errMissingToken
	}
	return id, nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server upgrades HTTP connections, registers them with epoll and dispatches
// ready connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	epollErr     error
	conns        *ConnectionManager
	sessionStore *session.Store // optional Redis mirror
	limiter      ConnectLimiter // optional
	log          *slog.Logger
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame; frames of one connection are never processed
// concurrently.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		log:          slog.Default(),
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}
	s.epoll, s.epollErr = NewEpoll()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetLimiter enables per-address connection throttling.
func (s *Server) SetLimiter(l ConnectLimiter) { s.limiter = l }

func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// SetOnConnect registers a callback run after the session is announced and
// before the first frame from the connection is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once per removed connection,
// before its Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Handler returns the HTTP routes served alongside the upgrade endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve starts the event loop and heartbeat and blocks serving HTTP on l
// until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if s.epollErr != nil {
		_ = l.Close()
		return fmt.Errorf("ws: failed to create epoll: %w", s.epollErr)
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("ws: server listening",
		"addr", l.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.epoll == nil {
		http.Error(w, "transport unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ident, err := HandshakeIdentity(r)
	if err != nil {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		ok, err := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if err != nil {
			s.log.Warn("ws: connect limiter", "ip", ip, "error", err)
		}
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("ws: upgrade failed", "error", err)
		return
	}
	netConn = s.epoll.Wrap(netConn)

	c := NewConnection(uuid.NewString(), netConn, socketFD(netConn), s.config.WriteTimeout)
	c.SetUser(ident.UserID, ident.Username)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, ident.UserID, ident.Username); err != nil {
			s.log.Warn("ws: failed to create redis session", "session", c.ID, "error", err)
		}
		cancel()
	}

	hello, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    ident.UserID,
	})
	if err != nil {
		s.log.Error("ws: build session_created", "session", c.ID, "error", err)
	} else if err := c.Send(hello); err != nil {
		s.log.Warn("ws: send session_created", "session", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(netConn); err != nil {
		s.log.Error("ws: epoll add failed", "session", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Info("ws: new connection",
		"session", c.ID,
		"user", ident.UserID,
		"fd", c.Fd,
		"total", s.conns.Count())
}

// handleHealth reports liveness for the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("ws: epoll wait error", "error", err)
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one message from a ready connection. Fragmented messages
// are reassembled up to MaxMessageBytes; control frames are handled in place
// and a read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	// Clear the flag before re-arming so the next readiness report is
	// never dropped as a duplicate.
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	rd := &wsutil.Reader{
		Source: netConn,
		State:  ws.StateServerSide,
		// Control frames may arrive between the fragments of a message.
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.handleControl(c, h, r)
		},
	}
	header, err := rd.NextFrame()
	if err != nil {
		// Timeout means a stale readiness report; the heartbeat handles
		// connections that are really dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	c.Touch()

	if header.OpCode.IsControl() {
		if err := s.handleControl(c, header, rd); err != nil {
			s.RemoveConnection(c)
		}
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	limit := s.config.MaxMessageBytes
	if header.Length > limit {
		s.log.Warn("message too large", "conn_id", c.ID, "length", header.Length, "limit", limit)
		s.RemoveConnection(c)
		return
	}
	// The reader follows continuation frames until the final fragment, so
	// the limit applies to the whole message.
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if int64(len(data)) > limit {
		s.log.Warn("message too large", "conn_id", c.ID, "limit", limit)
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

var errCloseFrame = errors.New("ws: close frame received")

// handleControl consumes a control frame payload. Pings are answered with a
// pong; a close frame returns errCloseFrame.
func (s *Server) handleControl(c *Connection, h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(io.LimitReader(r, ws.MaxControlFramePayloadSize))
	if err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpClose:
		return errCloseFrame
	case ws.OpPing:
		return c.WritePong(payload)
	}
	return nil
}

// RemoveConnection detaches a connection from epoll and the manager, closes
// it, and deletes its Redis session. Concurrent calls clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			s.log.Warn("ws: failed to delete redis session", "session", c.ID, "error", err)
		}
	}

	s.log.Info("ws: connection closed", "session", c.ID, "user", c.UserID(), "total", s.conns.Count())
}

// Connections exposes the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop and closes every live
// connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.log.Info("ws: shutting down server")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			s.log.Warn("ws: http shutdown error", "error", herr)
			err = herr
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("ws: server stopped")
	})
	return err
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
