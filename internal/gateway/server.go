// Package gateway is the WebSocket front door of the runtime: it admits and
// authenticates client connections, dispatches their commands and fans
// gateway events out to every authenticated subscriber.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ankittk/aide/internal/otel"
	"github.com/ankittk/aide/pkg/models"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
	writeWait           = 10 * time.Second
	sessionRetention    = time.Hour
)

// TaskHandler runs tasks submitted by clients. SubmitTask must not block on
// the task itself, and must not retain ctx beyond the call.
type TaskHandler interface {
	SubmitTask(ctx context.Context, taskID, description string) error
	CancelTask(taskID string) bool
	ActiveTasks() int
}

// StatusProvider answers ListChannels and ListNodes.
type StatusProvider interface {
	ChannelStatuses() []models.ChannelInfo
	NodeStatuses() []models.NodeInfo
}

// Config is the admission and auth policy.
type Config struct {
	MaxConnections int
	// AuthTokens is the allow-list; empty means any token authenticates.
	AuthTokens []string
}

// Connection is a snapshot of one connection table entry.
type Connection struct {
	ID            string    `json:"connection_id"`
	Authenticated bool      `json:"authenticated"`
	LastActivity  time.Time `json:"last_activity"`
}

// Session is opened when a connection authenticates and ends with it.
type Session struct {
	ID           string     `json:"session_id"`
	ConnectionID string     `json:"connection_id"`
	Active       bool       `json:"active"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

type conn struct {
	info      Connection // guarded by Server.mu
	sessionID string     // guarded by Server.mu
	ws        *websocket.Conn
	writeMu   sync.Mutex
	authed    atomic.Bool
}

func (c *conn) send(msg models.ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// Server owns the connection and session tables.
type Server struct {
	Tasks        TaskHandler
	Status       StatusProvider
	Now          func() time.Time
	NewID        func() string
	Logger       *slog.Logger
	PingInterval time.Duration
	ReadTimeout  time.Duration

	cfg      Config
	hub      *Hub
	started  time.Time
	upgrader websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	conns    map[string]*conn
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewServer returns a gateway with cfg. MaxConnections <= 0 uses the default.
func NewServer(cfg Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = models.DefaultMaxConnections
	}
	tokens := make([]string, 0, len(cfg.AuthTokens))
	for _, t := range cfg.AuthTokens {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	cfg.AuthTokens = tokens
	return &Server{
		cfg:     cfg,
		hub:     NewHub(models.DefaultBroadcastBuffer),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:    make(map[string]*conn),
		sessions: make(map[string]*Session),
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Server) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval > 0 {
		return s.PingInterval
	}
	return defaultPingInterval
}

func (s *Server) readTimeout() time.Duration {
	if s.ReadTimeout > 0 {
		return s.ReadTimeout
	}
	return defaultReadTimeout
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler serves /ws, /health and /events.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /events", s.hub.SSEHandler())
	return mux
}

// Broadcast publishes ev to every authenticated connection and SSE observer.
// A zero Time is stamped with the server clock.
func (s *Server) Broadcast(ev models.GatewayEvent) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.hub.Publish(ev)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Debug("gateway: upgrade failed", "err", err)
		return
	}
	c, ok := s.admit(ws)
	if !ok {
		s.reject(ws)
		return
	}
	s.serve(r.Context(), c)
}

func (s *Server) admit(ws *websocket.Conn) (*conn, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.conns) >= s.cfg.MaxConnections {
		return nil, false
	}
	c := &conn{ws: ws, info: Connection{ID: s.newID(), LastActivity: now}}
	s.conns[c.info.ID] = c
	s.wg.Add(1)
	return c, true
}

func (s *Server) reject(ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()
	ev := models.ErrorEvent(models.CodeCapacityFull, "gateway is at capacity", s.now())
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(models.EventFrame(ev)); err != nil {
		s.logger().Debug("gateway: capacity frame", "err", err)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capacity full"),
		time.Now().Add(writeWait))
	s.logger().Warn("gateway: connection rejected", "reason", "capacity full", "max_connections", s.cfg.MaxConnections)
}

func (s *Server) serve(ctx context.Context, c *conn) {
	defer s.wg.Done()
	otel.AddGatewayConnection()
	id := c.info.ID
	s.logger().Info("gateway: connection opened", "connection_id", id)

	sub := s.hub.Subscribe()
	done := make(chan struct{})
	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		s.forward(c, sub, done)
	}()

	s.Broadcast(models.GatewayEvent{Type: models.EventConnected, ConnectionID: id})
	s.readLoop(ctx, c)

	close(done)
	fwd.Wait()
	s.hub.Unsubscribe(sub)
	s.remove(c)
	_ = c.ws.Close()
	otel.RemoveGatewayConnection()
	s.Broadcast(models.GatewayEvent{Type: models.EventDisconnected, ConnectionID: id})
	s.logger().Info("gateway: connection closed", "connection_id", id)
}

// forward writes hub events and keepalive pings until done closes.
func (s *Server) forward(c *conn, sub <-chan models.GatewayEvent, done <-chan struct{}) {
	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !c.authed.Load() {
				continue
			}
			if err := c.send(models.EventFrame(ev)); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	timeout := s.readTimeout()
	c.ws.SetReadLimit(models.DefaultMaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger().Debug("gateway: read", "connection_id", c.info.ID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		s.touch(c)
		if kind != websocket.TextMessage {
			s.sendError(c, models.CodeParseError, "expected a JSON text frame")
			continue
		}
		s.handleFrame(ctx, c, data)
	}
}

func (s *Server) touch(c *conn) {
	now := s.now()
	s.mu.Lock()
	c.info.LastActivity = now
	s.mu.Unlock()
}

func (s *Server) remove(c *conn) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.info.ID)
	if sess, ok := s.sessions[c.sessionID]; ok && sess.Active {
		sess.Active = false
		ended := now
		sess.EndedAt = &ended
	}
	s.pruneLocked(now)
}

func (s *Server) handleFrame(ctx context.Context, c *conn, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(c, models.CodeParseError, err.Error())
		return
	}
	otel.RecordGatewayFrame(ctx, msg.Type)
	switch msg.Type {
	case models.ClientAuthenticate:
		s.authenticate(c, msg.Token)
	case models.ClientSubmitTask:
		if s.requireAuth(c) {
			s.submitTask(ctx, c, msg.Description)
		}
	case models.ClientCancelTask:
		if s.requireAuth(c) {
			s.cancelTask(c, msg.TaskID)
		}
	case models.ClientGetStatus:
		s.reply(c, models.ServerMessage{Type: models.ServerStatusResponse, StatusInfo: s.statusInfo()})
	case models.ClientPing:
		s.reply(c, models.ServerMessage{Type: models.ServerPong, Timestamp: msg.Timestamp})
	case models.ClientListChannels:
		var channels []models.ChannelInfo
		if s.Status != nil {
			channels = s.Status.ChannelStatuses()
		}
		s.reply(c, models.ServerMessage{Type: models.ServerChannelStatus, Channels: channels})
	case models.ClientListNodes:
		var nodes []models.NodeInfo
		if s.Status != nil {
			nodes = s.Status.NodeStatuses()
		}
		s.reply(c, models.ServerMessage{Type: models.ServerNodeStatus, Nodes: nodes})
	default:
		s.sendError(c, models.CodeParseError, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) reply(c *conn, msg models.ServerMessage) {
	if err := c.send(msg); err != nil {
		s.logger().Debug("gateway: write", "connection_id", c.info.ID, "type", msg.Type, "err", err)
	}
}

func (s *Server) sendError(c *conn, code, message string) {
	s.reply(c, models.EventFrame(models.ErrorEvent(code, message, s.now())))
}

func (s *Server) validToken(token string) bool {
	if len(s.cfg.AuthTokens) == 0 {
		return true
	}
	for _, t := range s.cfg.AuthTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) authenticate(c *conn, token string) {
	if !s.validToken(token) {
		s.logger().Warn("gateway: authentication failed", "connection_id", c.info.ID)
		s.reply(c, models.ServerMessage{Type: models.ServerAuthFailed, Reason: "invalid token"})
		return
	}
	now := s.now()
	s.mu.Lock()
	c.info.Authenticated = true
	if c.sessionID == "" {
		sess := &Session{ID: s.newID(), ConnectionID: c.info.ID, Active: true, StartedAt: now}
		s.sessions[sess.ID] = sess
		c.sessionID = sess.ID
	}
	s.mu.Unlock()
	c.authed.Store(true)
	s.reply(c, models.ServerMessage{Type: models.ServerAuthenticated, ConnectionID: c.info.ID})
}

func (s *Server) requireAuth(c *conn) bool {
	if c.authed.Load() {
		return true
	}
	s.reply(c, models.ServerMessage{Type: models.ServerAuthFailed, Reason: "not authenticated"})
	return false
}

func (s *Server) submitTask(ctx context.Context, c *conn, description string) {
	if description == "" {
		s.sendError(c, models.CodeInvalidRequest, "description is required")
		return
	}
	if s.Tasks == nil {
		s.sendError(c, models.CodeUnavailable, "no task handler configured")
		return
	}
	taskID := s.newID()
	s.Broadcast(models.GatewayEvent{
		Type:         models.EventTaskSubmitted,
		TaskID:       taskID,
		Description:  description,
		ConnectionID: c.info.ID,
	})
	if err := s.Tasks.SubmitTask(ctx, taskID, description); err != nil {
		s.logger().Error("gateway: submit task", "task_id", taskID, "err", err)
		s.sendError(c, models.CodeTaskFailed, fmt.Sprintf("task %s: %v", taskID, err))
		s.Broadcast(models.GatewayEvent{
			Type:    models.EventTaskCompleted,
			TaskID:  taskID,
			Status:  models.TaskFailed,
			Message: err.Error(),
		})
	}
}

func (s *Server) cancelTask(c *conn, taskID string) {
	if taskID == "" || s.Tasks == nil || !s.Tasks.CancelTask(taskID) {
		s.sendError(c, models.CodeNotFound, fmt.Sprintf("task %q not found", taskID))
	}
}

func (s *Server) statusInfo() *models.StatusInfo {
	info := &models.StatusInfo{
		ConnectedClients: s.ConnectionCount(),
		UptimeSecs:       int64(time.Since(s.started).Seconds()),
	}
	if s.Tasks != nil {
		info.ActiveTasks = s.Tasks.ActiveTasks()
	}
	return info
}

// ConnectionCount returns the number of admitted connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connections returns a snapshot of the connection table ordered by id.
func (s *Server) Connections() []Connection {
	s.mu.Lock()
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns a snapshot of the session table ordered by start time.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PruneSessions drops sessions that ended more than an hour ago.
func (s *Server) PruneSessions() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

func (s *Server) pruneLocked(now time.Time) int {
	n := 0
	for id, sess := range s.sessions {
		if !sess.Active && sess.EndedAt != nil && now.Sub(*sess.EndedAt) > sessionRetention {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Health reports the gateway's connection and session counts.
func (s *Server) Health() models.Health {
	s.mu.Lock()
	active := 0
	for _, sess := range s.sessions {
		if sess.Active {
			active++
		}
	}
	h := models.Health{Status: "ok", Connections: len(s.conns), Sessions: active}
	s.mu.Unlock()
	h.UptimeSecs = int64(time.Since(s.started).Seconds())
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Health())
}

// Close closes every connection and waits for their handlers to finish.
// Later connections are rejected.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	}
	s.wg.Wait()
}
