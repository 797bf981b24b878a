package autoreply

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrReplyNotFound     = errors.New("reply not found")
	ErrInvalidTransition = errors.New("invalid reply transition")
)

// Priority of an inbound message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// SuggestedAction is the classifier's recommendation.
type SuggestedAction string

const (
	ActionAutoReply   SuggestedAction = "auto_reply"
	ActionDraftReply  SuggestedAction = "draft_reply"
	ActionAddToDigest SuggestedAction = "add_to_digest"
	ActionIgnore      SuggestedAction = "ignore"
	ActionEscalate    SuggestedAction = "escalate"
)

// Mode is a channel's auto-reply policy.
type Mode string

const (
	ModeFullAuto         Mode = "full_auto"
	ModeAutoWithApproval Mode = "auto_with_approval"
	ModeDraftOnly        Mode = "draft_only"
	ModeDisabled         Mode = "disabled"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFullAuto, ModeAutoWithApproval, ModeDraftOnly, ModeDisabled:
		return m, nil
	}
	return "", fmt.Errorf("unknown auto-reply mode %q", s)
}

// InboundMessage is a message received on a channel.
type InboundMessage struct {
	ID         string    `json:"id,omitempty"`
	Channel    string    `json:"channel"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// ClassifiedMessage is an inbound message with the classifier's verdict.
type ClassifiedMessage struct {
	Message         InboundMessage  `json:"message"`
	Priority        Priority        `json:"priority"`
	MessageType     string          `json:"message_type"`
	SuggestedAction SuggestedAction `json:"suggested_action"`
	Confidence      float64         `json:"confidence"`
	SuggestedReply  string          `json:"suggested_reply,omitempty"`
}

// Status is a PendingReply lifecycle state.
type Status string

const (
	StatusDrafting        Status = "drafting"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusSent            Status = "sent"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// Completed reports whether s is a final state.
func (s Status) Completed() bool {
	return s == StatusSent || s == StatusRejected || s == StatusExpired
}

// Transition names a lifecycle edge.
type Transition string

const (
	TransitionWithDraft Transition = "with_draft"
	TransitionApprove   Transition = "approve"
	TransitionReject    Transition = "reject"
	TransitionMarkSent  Transition = "mark_sent"
	TransitionExpire    Transition = "expire"
)

// validTransitions is the complete lifecycle graph.
var validTransitions = map[Status]map[Transition]Status{
	StatusDrafting:        {TransitionWithDraft: StatusPendingApproval, TransitionExpire: StatusExpired},
	StatusPendingApproval: {TransitionApprove: StatusApproved, TransitionReject: StatusRejected, TransitionExpire: StatusExpired},
	StatusApproved:        {TransitionMarkSent: StatusSent},
}

// TransitionError reports an illegal lifecycle call.
type TransitionError struct {
	ReplyID string
	From    Status
	Action  Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reply %s: cannot %s from %s", e.ReplyID, e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PendingReply is an outbound reply awaiting approval or delivery.
type PendingReply struct {
	ID              string    `json:"id"`
	Channel         string    `json:"channel"`
	Recipient       string    `json:"recipient"`
	OriginalSummary string    `json:"original_summary"`
	Priority        Priority  `json:"priority"`
	Draft           string    `json:"draft"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Reasoning       string    `json:"reasoning"`
}

// apply performs action if the graph allows it; otherwise r is untouched.
func (r *PendingReply) apply(action Transition, now time.Time) error {
	to, ok := validTransitions[r.Status][action]
	if !ok {
		return &TransitionError{ReplyID: r.ID, From: r.Status, Action: action}
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}
