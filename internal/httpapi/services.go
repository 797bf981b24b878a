package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/gateway"
	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/internal/otel"
	"github.com/ankittk/aide/internal/store"
	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
)

// recentDetections bounds the in-memory detection history served when no
// store is configured.
const recentDetections = 500

// Services bundles the engines behind the operations API. Every mutation that
// other parts of the daemon also perform (ingesting events, queueing replies,
// recording incidents) goes through its methods so persistence, broadcasts and
// metrics happen in one place. Store and Gateway are optional.
type Services struct {
	Gateway    *gateway.Server
	Executor   *workflow.Executor
	Workflows  map[string]*workflow.Definition
	Detection  *detection.Engine
	Learning   *learning.Engine
	Replies    *autoreply.Engine
	Classifier autoreply.Classifier
	Digest     *autoreply.Digest
	Store      store.Store
	Now        func() time.Time
	Logger     *slog.Logger

	mu     sync.Mutex
	recent []detection.ThreatDetection
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Services) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Services) broadcast(ev models.GatewayEvent) {
	if s.Gateway != nil {
		s.Gateway.Broadcast(ev)
	}
}

// Workflow returns a loaded definition.
func (s *Services) Workflow(name string) (*workflow.Definition, error) {
	def, ok := s.Workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %q", errNotFound, name)
	}
	return def, nil
}

// IngestEvents runs events through the detection engine in order, then
// persists and broadcasts each detection.
func (s *Services) IngestEvents(ctx context.Context, events []detection.LogEvent) []detection.ThreatDetection {
	dets := s.Detection.AnalyzeBatch(events)
	otel.RecordEventsIngested(ctx, len(events))
	for _, d := range dets {
		otel.RecordDetection(ctx, d.RuleID, string(d.Severity))
		if s.Store != nil {
			if err := s.Store.SaveDetection(ctx, d); err != nil {
				s.logger().Warn("save detection", "detection_id", d.ID, "err", err)
			}
		}
		s.logger().Info("threat detected", "rule", d.RuleID, "severity", d.Severity, "detection_id", d.ID)
		s.broadcast(models.GatewayEvent{
			Type:        models.EventThreatDetected,
			RuleID:      d.RuleID,
			Severity:    string(d.Severity),
			Description: d.Description,
			Time:        d.DetectedAt,
		})
	}
	if len(dets) > 0 {
		s.mu.Lock()
		s.recent = append(s.recent, dets...)
		if n := len(s.recent) - recentDetections; n > 0 {
			s.recent = append(s.recent[:0], s.recent[n:]...)
		}
		s.mu.Unlock()
	}
	return dets
}

// Detections returns recent detections, newest first.
func (s *Services) Detections(ctx context.Context, limit int) ([]detection.ThreatDetection, error) {
	if s.Store != nil {
		return s.Store.ListDetections(ctx, limit)
	}
	limit = store.Limit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]detection.ThreatDetection, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// MessageResult is the outcome of HandleMessage.
type MessageResult struct {
	Classified autoreply.ClassifiedMessage `json:"classified"`
	Reply      *autoreply.PendingReply     `json:"reply,omitempty"`
	Digested   bool                        `json:"digested,omitempty"`
	Escalated  bool                        `json:"escalated,omitempty"`
}

// HandleMessage routes a classified message by its suggested action: digest
// entries are appended to the channel digest, escalations are broadcast and
// reply actions go through the auto-reply decision matrix.
func (s *Services) HandleMessage(ctx context.Context, msg autoreply.ClassifiedMessage, channel string) (MessageResult, error) {
	if channel == "" {
		channel = msg.Message.Channel
	}
	if msg.Message.Channel == "" {
		msg.Message.Channel = channel
	}
	if msg.Message.ReceivedAt.IsZero() {
		msg.Message.ReceivedAt = s.now()
	}
	res := MessageResult{Classified: msg}
	switch msg.SuggestedAction {
	case autoreply.ActionAddToDigest:
		if s.Digest == nil {
			return res, nil
		}
		if err := s.Digest.Append(msg); err != nil {
			return res, err
		}
		res.Digested = true
	case autoreply.ActionEscalate:
		s.broadcast(models.GatewayEvent{
			Type:    models.EventAssistantMessage,
			Channel: channel,
			Message: fmt.Sprintf("%s message from %s on %s: %s", msg.Priority, msg.Message.Sender, channel, msg.Message.Subject),
			Time:    s.now(),
		})
		res.Escalated = true
	case autoreply.ActionAutoReply, autoreply.ActionDraftReply:
		r, ok := s.Replies.ProcessClassified(msg, channel)
		if !ok {
			return res, nil
		}
		s.ReplyChanged(ctx, r)
		s.broadcast(models.GatewayEvent{
			Type:    models.EventReplyQueued,
			ReplyID: r.ID,
			Channel: r.Channel,
			Status:  string(r.Status),
			Message: r.OriginalSummary,
			Time:    r.CreatedAt,
		})
		res.Reply = &r
	}
	return res, nil
}

// ReplyChanged persists a reply's latest state and counts the transition.
func (s *Services) ReplyChanged(ctx context.Context, r autoreply.PendingReply) {
	otel.RecordReply(ctx, r.Channel, string(r.Status))
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveReply(ctx, r); err != nil {
		s.logger().Warn("save reply", "reply_id", r.ID, "err", err)
	}
}

// RecordMapping feeds the learning engine and persists the mapping.
func (s *Services) RecordMapping(ctx context.Context, m learning.IncidentCodeMapping) error {
	if m.IncidentID == "" {
		return fmt.Errorf("%w: incident_id required", errValidation)
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}
	if s.Store != nil {
		if err := s.Store.SaveMapping(ctx, m); err != nil {
			return err
		}
	}
	s.Learning.RecordMapping(m)
	return nil
}

// RecordFeedback feeds the learning engine and persists the verdict.
func (s *Services) RecordFeedback(ctx context.Context, f learning.FindingFeedback) error {
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: unknown feedback kind %q", errValidation, f.Kind)
	}
	if f.RecordedAt.IsZero() {
		f.RecordedAt = s.now()
	}
	if err := s.Learning.RecordFeedback(f); err != nil {
		return err
	}
	if s.Store != nil {
		return s.Store.SaveFeedback(ctx, f)
	}
	return nil
}

// Restore replays persisted mappings and feedback into the learning engine.
func (s *Services) Restore(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	mappings, err := s.Store.ListMappings(ctx)
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	for _, m := range mappings {
		s.Learning.RecordMapping(m)
	}
	feedback, err := s.Store.ListFeedback(ctx)
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}
	for _, f := range feedback {
		if err := s.Learning.RecordFeedback(f); err != nil {
			s.logger().Warn("skip stored feedback", "finding_id", f.FindingID, "err", err)
		}
	}
	s.logger().Info("learning history restored", "mappings", len(mappings), "feedback", len(feedback))
	return nil
}
