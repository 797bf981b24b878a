package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/learning"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	ctx := context.Background()
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	// Migrate is idempotent.
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	now := time.Now().UTC()
	id := "pg-test-" + now.Format("150405.000000000")
	if err := st.SaveReply(ctx, autoreply.PendingReply{ID: id, Channel: "email", Status: autoreply.StatusPendingApproval, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveReply: %v", err)
	}
	if err := st.SaveReply(ctx, autoreply.PendingReply{ID: id, Channel: "email", Status: autoreply.StatusSent, CreatedAt: now, UpdatedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("SaveReply upsert: %v", err)
	}
	replies, err := st.ListReplies(ctx, 0)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	found := false
	for _, r := range replies {
		if r.ID == id {
			found = true
			if r.Status != autoreply.StatusSent {
				t.Errorf("status = %s, want sent", r.Status)
			}
		}
	}
	if !found {
		t.Fatalf("reply %s not listed", id)
	}

	if err := st.SaveMapping(ctx, learning.IncidentCodeMapping{IncidentID: id, ChangedFiles: []string{"a.go"}, RecordedAt: now}); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}
	if _, err := st.ListMappings(ctx); err != nil {
		t.Fatalf("ListMappings: %v", err)
	}
}
