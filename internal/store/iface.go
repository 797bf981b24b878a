package store

import (
	"context"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/learning"
)

// Store is the durable audit log behind the in-memory engines: detections,
// incident mappings and feedback (replayed into the learning engine at
// startup) and the final state of auto-replies.
// Implementations: SQLite (this package) and *postgres.Store.
type Store interface {
	// Detections
	SaveDetection(ctx context.Context, d detection.ThreatDetection) error
	ListDetections(ctx context.Context, limit int) ([]detection.ThreatDetection, error)

	// Learning
	SaveMapping(ctx context.Context, m learning.IncidentCodeMapping) error
	ListMappings(ctx context.Context) ([]learning.IncidentCodeMapping, error)
	SaveFeedback(ctx context.Context, f learning.FindingFeedback) error
	ListFeedback(ctx context.Context) ([]learning.FindingFeedback, error)

	// Replies; SaveReply inserts or replaces by id.
	SaveReply(ctx context.Context, r autoreply.PendingReply) error
	ListReplies(ctx context.Context, limit int) ([]autoreply.PendingReply, error)

	Close() error
}

// DefaultListLimit caps list queries when the caller passes limit <= 0.
const DefaultListLimit = 500

// Limit normalizes a caller supplied list limit.
func Limit(n int) int {
	if n <= 0 || n > DefaultListLimit {
		return DefaultListLimit
	}
	return n
}
