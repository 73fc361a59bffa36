package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingInterval matches the device-link protocol's 30s heartbeat.
	pingInterval = 30 * time.Second

	// pongWait is how long the server waits for a pong before the
	// connection is considered unresponsive. The protocol disconnects
	// after two missed pongs, so this is double the ping interval.
	pongWait = 2 * pingInterval

	// writeWait bounds a single control-frame write.
	writeWait = 10 * time.Second

	// sessionTTL is how long a RelaySession survives without a reconnect.
	sessionTTL = 24 * time.Hour
)

// TokenValidator authenticates an inbound device connection. The server
// binary supplies one backed by its user/device auth store; tests can
// supply a stub.
type TokenValidator interface {
	// Validate returns the authenticated user id for token, or an error.
	Validate(ctx context.Context, token string) (userID string, err error)
}

// PendingCall tracks a remote client's in-flight relayed RPC request,
// resolved when the desktop's relay_response envelope arrives.
type PendingCall struct {
	ClientID string
	done     chan json.RawMessage
}

// Server is the WebSocket hub's HTTP surface: it upgrades inbound
// desktop connections, authenticates them, and keeps them registered in
// the Hub for the lifetime of the socket: upgrader, one goroutine per
// connection, graceful shutdown.
type Server struct {
	logger    *slog.Logger
	hub       *Hub
	sessions  *SessionStore
	validator TokenValidator
	upgrader  websocket.Upgrader

	pendingMu sync.Mutex
	pending   map[string]*PendingCall // correlationID -> call

	sweepStop chan struct{}
	sweepOnce sync.Once

	presence   PresenceBackend
	instanceID string
}

// NewServer constructs a relay server. Pass nil for validator in tests
// that don't exercise authentication.
func NewServer(logger *slog.Logger, validator TokenValidator) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:    logger,
		hub:       NewHub(),
		sessions:  NewSessionStore(sessionTTL),
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pending: make(map[string]*PendingCall),
	}
}

// Hub exposes the underlying device hub, e.g. for the RPC dispatcher to
// forward relayed calls through.
func (s *Server) Hub() *Hub { return s.hub }

// SetPresence attaches a fleet-wide presence backend, identifying this
// process's connections as instanceID. Optional: a nil backend (the
// default) leaves ConnectedDeviceCount scoped to this instance's own Hub.
func (s *Server) SetPresence(backend PresenceBackend, instanceID string) {
	s.presence = backend
	s.instanceID = instanceID
}

// StartSweeper runs the session and stale-connection sweeps on interval
// until StopSweeper is called or the context is canceled.
func (s *Server) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	s.sweepStop = make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pruned := s.sessions.Sweep()
				staleConns := s.hub.CleanupStale(maxIdle)
				if pruned > 0 || staleConns > 0 {
					s.logger.Debug("relay sweep",
						slog.Int("sessions_pruned", pruned),
						slog.Int("connections_pruned", staleConns))
				}
			case <-s.sweepStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ConnectedDeviceCount reports the number of devices currently holding a
// live connection, for metrics reporting. When a fleet-wide presence
// backend is attached, this counts every instance's connections rather
// than only this process's Hub; on a presence lookup error it falls back
// to the local count rather than reporting zero.
func (s *Server) ConnectedDeviceCount() int {
	if s.presence != nil {
		if n, err := s.presence.ConnectedDeviceCount(context.Background()); err == nil {
			return int(n)
		}
	}
	return s.hub.ConnectionCount()
}

// StopSweeper halts the background sweeper goroutine. Safe to call more
// than once.
func (s *Server) StopSweeper() {
	s.sweepOnce.Do(func() {
		if s.sweepStop != nil {
			close(s.sweepStop)
		}
	})
}

// ServeHTTP handles GET /relay/ws: it authenticates the X-Auth-Token
// header, upgrades to a WebSocket, and runs the connection loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Auth-Token")
	var userID string
	var err error
	if s.validator != nil {
		userID, err = s.validator.Validate(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", slog.Any("error", err))
		return
	}

	s.handleConnection(conn, userID, r.RemoteAddr)
}

func (s *Server) handleConnection(conn *websocket.Conn, userID, remoteAddr string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// First frame must be a register envelope claiming (or resuming) a device.
	var deviceID string
	var session *RelaySession
	env, err := s.readEnvelope(conn)
	if err != nil || env.Type != MessageTypeRegister {
		conn.WriteJSON(&Envelope{Type: MessageTypeEvent, EventType: "error", Payload: jsonString("expected register")})
		return
	}
	deviceID = env.DeviceID

	if env.SessionID != "" && env.ResumeToken != "" {
		if resumed, ok := s.sessions.Resume(userID, deviceID, env.SessionID, env.ResumeToken); ok {
			session = resumed
		}
	}
	if session == nil {
		session, err = s.sessions.Create(userID, deviceID)
		if err != nil {
			s.logger.Error("creating relay session failed", slog.Any("error", err))
			return
		}
	}

	if err := s.hub.Register(userID, deviceID, env.DeviceName, conn, session); err != nil {
		s.logger.Error("registering device failed", slog.Any("error", err))
		return
	}
	defer s.hub.Unregister(userID, deviceID)

	if s.presence != nil {
		if err := s.presence.MarkConnected(context.Background(), userID, deviceID, s.instanceID, presenceTTL); err != nil {
			s.logger.Warn("relay presence mark-connected failed", slog.Any("error", err))
		}
		defer func() {
			if err := s.presence.MarkDisconnected(context.Background(), userID, deviceID); err != nil {
				s.logger.Warn("relay presence mark-disconnected failed", slog.Any("error", err))
			}
		}()
	}

	s.logger.Info("device connected",
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("remote_addr", remoteAddr))

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing, userID, deviceID)
	defer close(stopPing)

	for {
		env, err := s.readEnvelope(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("relay connection closed unexpectedly", slog.Any("error", err))
			}
			return
		}

		s.hub.Touch(userID, deviceID)
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch env.Type {
		case MessageTypePong:
			// Read deadline already extended by SetPongHandler for control
			// frames; a text-framed pong still counts as activity.
		case MessageTypeRelayResponse:
			s.resolvePending(env.ClientID, env.Response)
		case MessageTypeEvent:
			s.logger.Debug("device event",
				slog.String("device_id", deviceID),
				slog.String("event_type", env.EventType))
		default:
			s.logger.Warn("unexpected envelope type from device", slog.String("type", string(env.Type)))
		}
	}
}

func (s *Server) readEnvelope(conn *websocket.Conn) (*Envelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(data)
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}, userID, deviceID string) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			if s.presence != nil {
				if err := s.presence.Refresh(context.Background(), userID, deviceID, presenceTTL); err != nil {
					s.logger.Warn("relay presence refresh failed", slog.Any("error", err))
				}
			}
		case <-stop:
			return
		}
	}
}

// RelayRequest forwards req to the named device and blocks until the
// corresponding relay_response arrives or ctx is canceled.
func (s *Server) RelayRequest(ctx context.Context, userID, deviceID string, req *RPCRequest) (json.RawMessage, error) {
	call := &PendingCall{ClientID: req.CorrelationID, done: make(chan json.RawMessage, 1)}

	s.pendingMu.Lock()
	s.pending[req.CorrelationID] = call
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.CorrelationID)
		s.pendingMu.Unlock()
	}()

	err := s.hub.Send(userID, deviceID, &Envelope{
		Type:     MessageTypeRelay,
		ClientID: req.CorrelationID,
		Request:  req,
	})
	if err != nil {
		if errors.Is(err, ErrNoSuchDevice) {
			return nil, fmt.Errorf("relay: device %s not connected: %w", deviceID, err)
		}
		return nil, err
	}

	select {
	case resp := <-call.done:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) resolvePending(correlationID string, response json.RawMessage) {
	s.pendingMu.Lock()
	call, ok := s.pending[correlationID]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case call.done <- response:
	default:
	}
}

// InvalidateUserSessions removes every relay session for userID, used on
// logout. Live sockets are unaffected; a subsequent reconnect attempt
// presenting the invalidated session id is simply treated as a fresh
// connection.
func (s *Server) InvalidateUserSessions(userID string) int {
	return s.sessions.InvalidateUser(userID)
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
