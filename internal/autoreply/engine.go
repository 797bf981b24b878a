// Package autoreply decides what happens to classified inbound messages and
// manages the queue of approval-gated outbound replies under a one-hour
// sliding rate limit.
package autoreply

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const rateWindow = time.Hour

// Config holds the engine's policy.
type Config struct {
	// MaxRepliesPerHour bounds sent replies in any one-hour window; <= 0 is unlimited.
	MaxRepliesPerHour int
	DefaultMode       Mode
	ChannelModes      map[string]Mode
}

// Drafter produces reply text for a classified message.
type Drafter func(ClassifiedMessage) string

// Engine is safe for concurrent use; one instance per process so the rate
// limit holds across callers.
type Engine struct {
	Now     func() time.Time
	NewID   func() string
	Drafter Drafter

	mu      sync.Mutex
	cfg     Config
	replies []*PendingReply
	sent    []time.Time
}

// NewEngine returns an engine with cfg. An empty DefaultMode is
// auto_with_approval.
func NewEngine(cfg Config) *Engine {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeAutoWithApproval
	}
	modes := make(map[string]Mode, len(cfg.ChannelModes))
	for k, v := range cfg.ChannelModes {
		modes[k] = v
	}
	cfg.ChannelModes = modes
	return &Engine{cfg: cfg}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// SetMode sets a channel's mode.
func (e *Engine) SetMode(channel string, m Mode) {
	e.mu.Lock()
	e.cfg.ChannelModes[channel] = m
	e.mu.Unlock()
}

// Mode returns a channel's effective mode.
func (e *Engine) Mode(channel string) Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modeLocked(channel)
}

func (e *Engine) modeLocked(channel string) Mode {
	if m, ok := e.cfg.ChannelModes[channel]; ok {
		return m
	}
	return e.cfg.DefaultMode
}

// Channels returns a copy of the explicit per-channel modes.
func (e *Engine) Channels() map[string]Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Mode, len(e.cfg.ChannelModes))
	for k, v := range e.cfg.ChannelModes {
		out[k] = v
	}
	return out
}

// ProcessClassified applies the decision matrix and enqueues the resulting
// reply. It returns false when no reply is produced: the rate limit is
// reached or the suggested action is neither auto_reply nor draft_reply.
func (e *Engine) ProcessClassified(msg ClassifiedMessage, channel string) (PendingReply, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.evictLocked(now)
	if e.cfg.MaxRepliesPerHour > 0 && len(e.sent) >= e.cfg.MaxRepliesPerHour {
		return PendingReply{}, false
	}

	mode := e.modeLocked(channel)
	var (
		status  Status
		verdict string
	)
	switch msg.SuggestedAction {
	case ActionAutoReply:
		status, verdict = StatusPendingApproval, "needs approval"
		if mode == ModeFullAuto && (msg.Priority == PriorityLow || msg.Priority == PriorityNormal) {
			status, verdict = StatusApproved, "auto-approved"
		}
	case ActionDraftReply:
		status, verdict = StatusPendingApproval, "drafted for review"
	default:
		return PendingReply{}, false
	}

	draft := msg.SuggestedReply
	if draft == "" {
		draft = e.draft(msg)
	}
	r := &PendingReply{
		ID:              e.newID(),
		Channel:         channel,
		Recipient:       msg.Message.Sender,
		OriginalSummary: summarize(msg.Message),
		Priority:        msg.Priority,
		Draft:           draft,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
		Reasoning: fmt.Sprintf("mode %s, priority %s, type %s, confidence %.2f: %s",
			mode, msg.Priority, msg.MessageType, msg.Confidence, verdict),
	}
	e.replies = append(e.replies, r)
	return *r, true
}

func (e *Engine) draft(msg ClassifiedMessage) string {
	if e.Drafter != nil {
		return e.Drafter(msg)
	}
	return DefaultDraft(msg)
}

// DefaultDraft is a short acknowledgement naming the message type.
func DefaultDraft(msg ClassifiedMessage) string {
	kind := msg.MessageType
	if kind == "" {
		kind = "message"
	}
	name := msg.Message.Sender
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, thanks for your %s. I'll get back to you shortly.", name, kind)
}

// Enqueue adds an externally drafted reply. Empty ID and status default to a
// new id and drafting.
func (e *Engine) Enqueue(r PendingReply) (PendingReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.ID == "" {
		r.ID = e.newID()
	}
	if r.Status == "" {
		r.Status = StatusDrafting
	}
	if _, ok := validTransitions[r.Status]; !ok {
		return PendingReply{}, &TransitionError{ReplyID: r.ID, From: r.Status, Action: "enqueue"}
	}
	if e.findLocked(r.ID) != nil {
		return PendingReply{}, fmt.Errorf("reply %s already queued", r.ID)
	}
	now := e.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := r
	e.replies = append(e.replies, &cp)
	return cp, nil
}

// SetDraft attaches draft text to a drafting reply, moving it to pending_approval.
func (e *Engine) SetDraft(id, text string) (PendingReply, error) {
	return e.transition(id, TransitionWithDraft, func(r *PendingReply) { r.Draft = text })
}

// ApproveReply moves a pending reply to approved.
func (e *Engine) ApproveReply(id string) (PendingReply, error) {
	return e.transition(id, TransitionApprove, nil)
}

// RejectReply moves a pending reply to rejected.
func (e *Engine) RejectReply(id string) (PendingReply, error) {
	return e.transition(id, TransitionReject, nil)
}

// MarkSent moves an approved reply to sent and records a send in the rate window.
func (e *Engine) MarkSent(id string) (PendingReply, error) {
	return e.transition(id, TransitionMarkSent, func(r *PendingReply) {
		e.sent = append(e.sent, r.UpdatedAt)
	})
}

func (e *Engine) transition(id string, action Transition, after func(*PendingReply)) (PendingReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.findLocked(id)
	if r == nil {
		return PendingReply{}, fmt.Errorf("%w: %s", ErrReplyNotFound, id)
	}
	if err := r.apply(action, e.now()); err != nil {
		return PendingReply{}, err
	}
	if after != nil {
		after(r)
	}
	return *r, nil
}

// ExpireOldReplies expires drafting and pending replies created more than
// age ago and returns them.
func (e *Engine) ExpireOldReplies(age time.Duration) []PendingReply {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	cutoff := now.Add(-age)
	var out []PendingReply
	for _, r := range e.replies {
		if r.Status != StatusDrafting && r.Status != StatusPendingApproval {
			continue
		}
		if r.CreatedAt.Before(cutoff) && r.apply(TransitionExpire, now) == nil {
			out = append(out, *r)
		}
	}
	return out
}

// CleanupCompleted drops sent, rejected and expired replies and returns how
// many were removed.
func (e *Engine) CleanupCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.replies[:0]
	for _, r := range e.replies {
		if !r.Status.Completed() {
			kept = append(kept, r)
		}
	}
	n := len(e.replies) - len(kept)
	clear(e.replies[len(kept):])
	e.replies = kept
	return n
}

// SentCount returns the number of sends within the last hour.
func (e *Engine) SentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked(e.now())
	return len(e.sent)
}

// evictLocked drops send timestamps older than the window. Timestamps are
// appended in mark_sent order so the oldest is always first.
func (e *Engine) evictLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(e.sent) && e.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.sent = append(e.sent[:0], e.sent[i:]...)
	}
}

// Get returns a copy of one reply.
func (e *Engine) Get(id string) (PendingReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.findLocked(id)
	if r == nil {
		return PendingReply{}, fmt.Errorf("%w: %s", ErrReplyNotFound, id)
	}
	return *r, nil
}

// List returns copies of every queued reply, oldest first.
func (e *Engine) List() []PendingReply {
	return e.filter(func(*PendingReply) bool { return true })
}

// Pending returns replies awaiting approval.
func (e *Engine) Pending() []PendingReply {
	return e.filter(func(r *PendingReply) bool { return r.Status == StatusPendingApproval })
}

// ReadyToSend returns approved replies.
func (e *Engine) ReadyToSend() []PendingReply {
	return e.filter(func(r *PendingReply) bool { return r.Status == StatusApproved })
}

func (e *Engine) filter(keep func(*PendingReply) bool) []PendingReply {
	e.mu.Lock()
	out := make([]PendingReply, 0, len(e.replies))
	for _, r := range e.replies {
		if keep(r) {
			out = append(out, *r)
		}
	}
	e.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) findLocked(id string) *PendingReply {
	for _, r := range e.replies {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func summarize(m InboundMessage) string {
	s := strings.TrimSpace(m.Subject)
	if s == "" {
		s = strings.Join(strings.Fields(m.Body), " ")
	}
	const maxLen = 120
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen-3]) + "..."
	}
	return s
}
