// Package capabilities delivers approved auto-replies to their channels.
package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ankittk/aide/internal/autoreply"
)

// Sender delivers one reply on a channel (e.g. a chat webhook).
type Sender interface {
	Name() string
	Send(ctx context.Context, r autoreply.PendingReply) error
}

// Registry holds senders by channel name. Channels without a sender use
// Fallback.
type Registry struct {
	Fallback Sender

	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender), Fallback: LogSender{}}
}

func (r *Registry) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Get returns the channel's sender, or Fallback.
func (r *Registry) Get(channel string) Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.senders[channel]; ok {
		return s
	}
	return r.Fallback
}

// Channels lists channels with an explicit sender.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for c := range r.senders {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Send delivers reply through its channel's sender.
func (r *Registry) Send(ctx context.Context, reply autoreply.PendingReply) error {
	s := r.Get(reply.Channel)
	if s == nil {
		return fmt.Errorf("no sender for channel %q", reply.Channel)
	}
	return s.Send(ctx, reply)
}

// Webhook posts replies as JSON to an incoming-webhook URL. The "text" field
// makes the payload acceptable to Slack-style chat webhooks.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Text      string `json:"text"`
	ReplyID   string `json:"reply_id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

func (w Webhook) Send(ctx context.Context, r autoreply.PendingReply) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	body, err := json.Marshal(webhookPayload{
		Text:      r.Draft,
		ReplyID:   r.ID,
		Channel:   r.Channel,
		Recipient: r.Recipient,
		Priority:  string(r.Priority),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender records the reply in the daemon log instead of delivering it.
type LogSender struct {
	Logger *slog.Logger
}

func (LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, r autoreply.PendingReply) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reply delivered to log", "reply_id", r.ID, "channel", r.Channel, "recipient", r.Recipient, "draft", r.Draft)
	return nil
}
