package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ankittk/aide/pkg/models"
)

var (
	// ErrAuthFailed is returned when the gateway rejects a token.
	ErrAuthFailed = errors.New("gateway authentication failed")
	// ErrClosed is returned by calls on a closed connection.
	ErrClosed = errors.New("gateway connection closed")
	// ErrRejected is reported by Err when the gateway refused the connection
	// because it is at capacity.
	ErrRejected = errors.New("gateway rejected connection")
)

const writeWait = 10 * time.Second

// GatewayURL converts an http(s) base URL into the gateway WebSocket URL.
func GatewayURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// Conn is a gateway connection. Requests are serialized; events arrive on
// Events until the connection closes.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	reqMu   sync.Mutex
	replies chan models.ServerMessage
	events  chan models.GatewayEvent
	done    chan struct{}
	err     error
}

// Dial connects to the gateway at url (ws:// or wss://). A gateway at
// capacity accepts the socket and then closes it; Err reports ErrRejected.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c := &Conn{
		ws:      ws,
		replies: make(chan models.ServerMessage, 16),
		events:  make(chan models.GatewayEvent, models.DefaultBroadcastBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var msg models.ServerMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if c.err == nil {
				c.err = err
			}
			return
		}
		if msg.Type == models.ServerEvent && msg.Event != nil {
			if msg.Event.Code == models.CodeCapacityFull {
				c.err = ErrRejected
			}
			select {
			case c.events <- *msg.Event:
			default:
			}
			continue
		}
		select {
		case c.replies <- msg:
		default:
		}
	}
}

// Events returns the event stream. It is closed when the connection ends.
func (c *Conn) Events() <-chan models.GatewayEvent { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) send(msg models.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// request sends msg and waits for the first reply whose type is in want.
func (c *Conn) request(ctx context.Context, msg models.ClientMessage, want ...string) (models.ServerMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
drain:
	for {
		select {
		case <-c.replies:
		default:
			break drain
		}
	}
	if err := c.send(msg); err != nil {
		return models.ServerMessage{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}
	for {
		select {
		case <-ctx.Done():
			return models.ServerMessage{}, ctx.Err()
		case <-c.done:
			return models.ServerMessage{}, ErrClosed
		case reply := <-c.replies:
			for _, w := range want {
				if reply.Type == w {
					return reply, nil
				}
			}
		}
	}
}

// Authenticate presents token and returns the connection id.
func (c *Conn) Authenticate(ctx context.Context, token string) (string, error) {
	reply, err := c.request(ctx, models.ClientMessage{Type: models.ClientAuthenticate, Token: token},
		models.ServerAuthenticated, models.ServerAuthFailed)
	if err != nil {
		return "", err
	}
	if reply.Type == models.ServerAuthFailed {
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, reply.Reason)
	}
	return reply.ConnectionID, nil
}

// SubmitTask submits a task. The gateway reports it with a TaskSubmitted
// event; use WaitEvent to pick it up.
func (c *Conn) SubmitTask(description string) error {
	return c.send(models.ClientMessage{Type: models.ClientSubmitTask, Description: description})
}

// CancelTask asks the gateway to cancel a task. Unknown ids come back as a
// NOT_FOUND Error event.
func (c *Conn) CancelTask(taskID string) error {
	return c.send(models.ClientMessage{Type: models.ClientCancelTask, TaskID: taskID})
}

// GetStatus returns the gateway status.
func (c *Conn) GetStatus(ctx context.Context) (models.StatusInfo, error) {
	reply, err := c.request(ctx, models.ClientMessage{Type: models.ClientGetStatus}, models.ServerStatusResponse)
	if err != nil {
		return models.StatusInfo{}, err
	}
	if reply.StatusInfo == nil {
		return models.StatusInfo{}, nil
	}
	return *reply.StatusInfo, nil
}

// Ping round-trips a timestamp and returns the elapsed time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ts := []byte(`"` + start.UTC().Format(time.RFC3339Nano) + `"`)
	if _, err := c.request(ctx, models.ClientMessage{Type: models.ClientPing, Timestamp: ts}, models.ServerPong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// ListChannels returns channel statuses.
func (c *Conn) ListChannels(ctx context.Context) ([]models.ChannelInfo, error) {
	reply, err := c.request(ctx, models.ClientMessage{Type: models.ClientListChannels}, models.ServerChannelStatus)
	return reply.Channels, err
}

// ListNodes returns node health.
func (c *Conn) ListNodes(ctx context.Context) ([]models.NodeInfo, error) {
	reply, err := c.request(ctx, models.ClientMessage{Type: models.ClientListNodes}, models.ServerNodeStatus)
	return reply.Nodes, err
}

// WaitEvent returns the first event for which match is true.
func (c *Conn) WaitEvent(ctx context.Context, match func(models.GatewayEvent) bool) (models.GatewayEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return models.GatewayEvent{}, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); errors.Is(err, ErrRejected) {
					return models.GatewayEvent{}, err
				}
				return models.GatewayEvent{}, ErrClosed
			}
			if match(ev) {
				return ev, nil
			}
		}
	}
}

// Close sends a close frame, closes the socket and waits for the reader.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
