package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ankittk/aide/pkg/models"
)

type fakeTasks struct {
	mu        sync.Mutex
	submitted map[string]string
	failWith  error
}

func (f *fakeTasks) SubmitTask(_ context.Context, taskID, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if f.submitted == nil {
		f.submitted = make(map[string]string)
	}
	f.submitted[taskID] = description
	return nil
}

func (f *fakeTasks) CancelTask(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.submitted[taskID]
	delete(f.submitted, taskID)
	return ok
}

func (f *fakeTasks) ActiveTasks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeStatus struct{}

func (fakeStatus) ChannelStatuses() []models.ChannelInfo {
	return []models.ChannelInfo{{Name: "email", Status: "full_auto"}}
}

func (fakeStatus) NodeStatuses() []models.NodeInfo {
	return []models.NodeInfo{{Name: "local", Health: "ok"}}
}

func newTestGateway(t *testing.T, cfg Config, opts ...func(*Server)) (*Server, *httptest.Server, string) {
	t.Helper()
	gw := NewServer(cfg)
	gw.Tasks = &fakeTasks{}
	gw.Status = fakeStatus{}
	for _, opt := range opts {
		opt(gw)
	}
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.Close()
		ts.Close()
	})
	return gw, ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg models.ClientMessage) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) models.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg models.ServerMessage
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil skips frames until match returns true.
func readUntil(t *testing.T, c *websocket.Conn, match func(models.ServerMessage) bool) models.ServerMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		if msg := read(t, c); match(msg) {
			return msg
		}
	}
	t.Fatal("expected frame never arrived")
	return models.ServerMessage{}
}

func isEvent(kind string) func(models.ServerMessage) bool {
	return func(m models.ServerMessage) bool {
		return m.Type == models.ServerEvent && m.Event != nil && m.Event.Type == kind
	}
}

// ping round-trips a Ping, proving the connection is admitted and reading.
func ping(t *testing.T, c *websocket.Conn, ts string) {
	t.Helper()
	send(t, c, models.ClientMessage{Type: models.ClientPing, Timestamp: json.RawMessage(`"` + ts + `"`)})
	msg := readUntil(t, c, func(m models.ServerMessage) bool { return m.Type == models.ServerPong })
	if string(msg.Timestamp) != `"`+ts+`"` {
		t.Errorf("pong timestamp = %s, want %q", msg.Timestamp, ts)
	}
}

func authenticate(t *testing.T, c *websocket.Conn, token string) string {
	t.Helper()
	send(t, c, models.ClientMessage{Type: models.ClientAuthenticate, Token: token})
	msg := readUntil(t, c, func(m models.ServerMessage) bool {
		return m.Type == models.ServerAuthenticated || m.Type == models.ServerAuthFailed
	})
	if msg.Type != models.ServerAuthenticated || msg.ConnectionID == "" {
		t.Fatalf("authenticate: %+v", msg)
	}
	return msg.ConnectionID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdmissionCapacityFull(t *testing.T) {
	gw, _, url := newTestGateway(t, Config{MaxConnections: 1})
	first := dial(t, url)
	ping(t, first, "2026-05-01T09:00:00Z")

	second := dial(t, url)
	msg := read(t, second)
	if msg.Type != models.ServerEvent || msg.Event == nil || msg.Event.Type != models.EventError || msg.Event.Code != models.CodeCapacityFull {
		t.Fatalf("second connection got %+v", msg)
	}
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("expected rejected connection to be closed")
	}

	ping(t, first, "2026-05-01T09:00:01Z")
	if n := gw.ConnectionCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestParseErrorKeepsConnectionOpen(t *testing.T) {
	_, _, url := newTestGateway(t, Config{})
	c := dial(t, url)

	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, c, isEvent(models.EventError))
	if msg.Event.Code != models.CodeParseError {
		t.Errorf("code = %s", msg.Event.Code)
	}

	send(t, c, models.ClientMessage{Type: "Teleport"})
	msg = readUntil(t, c, isEvent(models.EventError))
	if msg.Event.Code != models.CodeParseError {
		t.Errorf("unknown type code = %s", msg.Event.Code)
	}

	ping(t, c, "still-open")
}

func TestAuthentication(t *testing.T) {
	gw, _, url := newTestGateway(t, Config{AuthTokens: []string{"secret"}})
	c := dial(t, url)

	send(t, c, models.ClientMessage{Type: models.ClientSubmitTask, Description: "deploy"})
	msg := read(t, c)
	if msg.Type != models.ServerAuthFailed || msg.Reason != "not authenticated" {
		t.Fatalf("unauthenticated submit: %+v", msg)
	}

	send(t, c, models.ClientMessage{Type: models.ClientAuthenticate, Token: "wrong"})
	if msg := read(t, c); msg.Type != models.ServerAuthFailed {
		t.Fatalf("wrong token: %+v", msg)
	}
	send(t, c, models.ClientMessage{Type: models.ClientAuthenticate, Token: ""})
	if msg := read(t, c); msg.Type != models.ServerAuthFailed {
		t.Fatalf("empty token: %+v", msg)
	}

	id := authenticate(t, c, "secret")
	conns := gw.Connections()
	if len(conns) != 1 || conns[0].ID != id || !conns[0].Authenticated {
		t.Errorf("connections = %+v", conns)
	}
	if h := gw.Health(); h.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", h.Sessions)
	}
}

func TestOpenModeAcceptsAnyToken(t *testing.T) {
	_, _, url := newTestGateway(t, Config{})
	authenticate(t, dial(t, url), "")
	authenticate(t, dial(t, url), "anything")
}

func TestSubmitAndCancelTask(t *testing.T) {
	gw, _, url := newTestGateway(t, Config{})
	tasks := gw.Tasks.(*fakeTasks)
	c := dial(t, url)
	authenticate(t, c, "")

	send(t, c, models.ClientMessage{Type: models.ClientSubmitTask, Description: "summarize inbox"})
	msg := readUntil(t, c, isEvent(models.EventTaskSubmitted))
	taskID := msg.Event.TaskID
	if taskID == "" || msg.Event.Description != "summarize inbox" {
		t.Fatalf("task submitted event = %+v", msg.Event)
	}
	if tasks.ActiveTasks() != 1 {
		t.Errorf("active tasks = %d", tasks.ActiveTasks())
	}

	send(t, c, models.ClientMessage{Type: models.ClientGetStatus})
	msg = readUntil(t, c, func(m models.ServerMessage) bool { return m.Type == models.ServerStatusResponse })
	if msg.StatusInfo == nil || msg.ConnectedClients != 1 || msg.ActiveTasks != 1 {
		t.Errorf("status = %+v", msg.StatusInfo)
	}

	send(t, c, models.ClientMessage{Type: models.ClientCancelTask, TaskID: "nope"})
	msg = readUntil(t, c, isEvent(models.EventError))
	if msg.Event.Code != models.CodeNotFound {
		t.Errorf("cancel unknown: %+v", msg.Event)
	}

	send(t, c, models.ClientMessage{Type: models.ClientCancelTask, TaskID: taskID})
	ping(t, c, "after-cancel")
	if tasks.ActiveTasks() != 0 {
		t.Errorf("task not cancelled")
	}

	send(t, c, models.ClientMessage{Type: models.ClientSubmitTask})
	msg = readUntil(t, c, isEvent(models.EventError))
	if msg.Event.Code != models.CodeInvalidRequest {
		t.Errorf("empty description: %+v", msg.Event)
	}
}

func TestSubmitFailureReportsTaskFailed(t *testing.T) {
	gw, _, url := newTestGateway(t, Config{})
	gw.Tasks.(*fakeTasks).failWith = errors.New("no default workflow")
	c := dial(t, url)
	authenticate(t, c, "")

	send(t, c, models.ClientMessage{Type: models.ClientSubmitTask, Description: "x"})
	submitted := readUntil(t, c, isEvent(models.EventTaskSubmitted))
	taskID := submitted.Event.TaskID

	var failure, completion *models.GatewayEvent
	for failure == nil || completion == nil {
		msg := readUntil(t, c, func(m models.ServerMessage) bool {
			return isEvent(models.EventError)(m) || isEvent(models.EventTaskCompleted)(m)
		})
		if msg.Event.Type == models.EventError {
			failure = msg.Event
		} else {
			completion = msg.Event
		}
	}
	if failure.Code != models.CodeTaskFailed || !strings.Contains(failure.Message, "no default workflow") || !strings.Contains(failure.Message, taskID) {
		t.Errorf("error = %+v", failure)
	}
	if completion.TaskID != taskID || completion.Status != models.TaskFailed || completion.Message != "no default workflow" {
		t.Errorf("completion = %+v", completion)
	}
}

func TestListChannelsAndNodes(t *testing.T) {
	_, _, url := newTestGateway(t, Config{})
	c := dial(t, url)

	send(t, c, models.ClientMessage{Type: models.ClientListChannels})
	msg := read(t, c)
	if msg.Type != models.ServerChannelStatus || len(msg.Channels) != 1 || msg.Channels[0].Name != "email" {
		t.Errorf("channels = %+v", msg)
	}
	send(t, c, models.ClientMessage{Type: models.ClientListNodes})
	msg = read(t, c)
	if msg.Type != models.ServerNodeStatus || len(msg.Nodes) != 1 || msg.Nodes[0].Health != "ok" {
		t.Errorf("nodes = %+v", msg)
	}
}

func TestBroadcastOnlyToAuthenticated(t *testing.T) {
	gw, _, url := newTestGateway(t, Config{})
	authed := dial(t, url)
	authenticate(t, authed, "")
	anon := dial(t, url)
	ping(t, anon, "ready")

	gw.Broadcast(models.GatewayEvent{Type: models.EventAssistantMessage, Message: "run r1 waiting for approval"})
	msg := readUntil(t, authed, isEvent(models.EventAssistantMessage))
	if msg.Event.Message != "run r1 waiting for approval" || msg.Event.Time.IsZero() {
		t.Errorf("event = %+v", msg.Event)
	}

	send(t, anon, models.ClientMessage{Type: models.ClientPing})
	if msg := read(t, anon); msg.Type != models.ServerPong {
		t.Errorf("unauthenticated connection received %+v", msg)
	}
}

func TestDisconnectBroadcastAndSessionRetention(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	gw, _, url := newTestGateway(t, Config{}, func(s *Server) { s.Now = clock })

	watcher := dial(t, url)
	authenticate(t, watcher, "")

	leaving, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	leavingID := authenticate(t, leaving, "")
	_ = leaving.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = leaving.Close()

	msg := readUntil(t, watcher, func(m models.ServerMessage) bool {
		return isEvent(models.EventDisconnected)(m) && m.Event.ConnectionID == leavingID
	})
	if msg.Event.ConnectionID != leavingID {
		t.Fatal("missing disconnect")
	}
	waitFor(t, func() bool { return gw.ConnectionCount() == 1 })

	sessions := gw.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
	var ended int
	for _, s := range sessions {
		if !s.Active {
			ended++
			if s.ConnectionID != leavingID || s.EndedAt == nil {
				t.Errorf("ended session = %+v", s)
			}
		}
	}
	if ended != 1 {
		t.Errorf("ended sessions = %d", ended)
	}

	mu.Lock()
	now = now.Add(30 * time.Minute)
	mu.Unlock()
	if n := gw.PruneSessions(); n != 0 {
		t.Errorf("pruned %d before retention elapsed", n)
	}
	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()
	if n := gw.PruneSessions(); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if got := len(gw.Sessions()); got != 1 {
		t.Errorf("sessions after prune = %d", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, url := newTestGateway(t, Config{AuthTokens: []string{"secret"}})
	c := dial(t, url)
	ping(t, c, "x")

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h models.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Connections != 1 || h.Sessions != 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestCloseRejectsNewConnections(t *testing.T) {
	gw, _, url := newTestGateway(t, Config{})
	c := dial(t, url)
	ping(t, c, "x")
	gw.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	if n := gw.ConnectionCount(); n != 0 {
		t.Errorf("connections after close = %d", n)
	}
	late := dial(t, url)
	msg := read(t, late)
	if msg.Event == nil || msg.Event.Code != models.CodeCapacityFull {
		t.Errorf("late connection got %+v", msg)
	}
}
