package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/learning"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "aide.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpen_emptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "aide.db")
	if err := EnsureSchema(path); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	st, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st.Close() }()

	var n int
	if err := st.(*sqliteStore).DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("schema_migrations rows = %d, want 2", n)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	tests := map[string]int{"001_init.sql": 1, "002_replies.sql": 2, "010.sql": 10}
	for name, want := range tests {
		got, err := parseMigrationVersion(name)
		if err != nil || got != want {
			t.Errorf("parseMigrationVersion(%q) = %d, %v; want %d", name, got, err, want)
		}
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for missing version prefix")
	}
}

func TestDetectionsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := detection.ThreatDetection{
		ID:          "d1",
		RuleID:      "brute-force",
		RuleName:    "SSH brute force",
		Severity:    detection.SeverityHigh,
		Mitre:       "T1110",
		Description: "5 failed logins",
		DetectedAt:  base,
		Response:    "block source",
		TriggeringEvents: []detection.LogEvent{
			{Timestamp: base.Add(-time.Second), EventType: "auth_failure", Fields: map[string]string{"user": "root"}},
		},
	}
	second := first
	second.ID = "d2"
	second.DetectedAt = base.Add(time.Minute)
	second.TriggeringEvents = nil

	for _, d := range []detection.ThreatDetection{first, second} {
		if err := st.SaveDetection(ctx, d); err != nil {
			t.Fatalf("SaveDetection(%s): %v", d.ID, err)
		}
	}
	// Duplicate ids are ignored.
	if err := st.SaveDetection(ctx, first); err != nil {
		t.Fatalf("SaveDetection duplicate: %v", err)
	}

	got, err := st.ListDetections(ctx, 0)
	if err != nil {
		t.Fatalf("ListDetections: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d2" || got[1].ID != "d1" {
		t.Fatalf("ListDetections order = %+v", got)
	}
	if diff := cmp.Diff(first, got[1]); diff != "" {
		t.Errorf("detection mismatch (-want +got):\n%s", diff)
	}
	if len(got[0].TriggeringEvents) != 0 {
		t.Errorf("nil events should round trip empty, got %v", got[0].TriggeringEvents)
	}

	limited, err := st.ListDetections(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListDetections(1) = %d, %v", len(limited), err)
	}
}

func TestLearningRecordsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	mappings := []learning.IncidentCodeMapping{
		{IncidentID: "inc-1", Commits: []string{"abc"}, ChangedFiles: []string{"auth/login.go"}, ChangedFunctions: []string{"Login"}, Latency: 90 * time.Minute, RecordedAt: at},
		{IncidentID: "inc-2", ChangedFiles: []string{"auth/login.go", "db/pool.go"}, RecordedAt: at.Add(time.Hour)},
	}
	for _, m := range mappings {
		if err := st.SaveMapping(ctx, m); err != nil {
			t.Fatalf("SaveMapping: %v", err)
		}
	}
	gotMappings, err := st.ListMappings(ctx)
	if err != nil {
		t.Fatalf("ListMappings: %v", err)
	}
	mappings[1].Commits = []string{}
	mappings[1].ChangedFunctions = []string{}
	if diff := cmp.Diff(mappings, gotMappings); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	feedback := []learning.FindingFeedback{
		{FindingID: "f1", ScannerID: "semgrep", RuleID: "sqli", Kind: learning.TruePositive, RecordedAt: at},
		{FindingID: "f2", ScannerID: "semgrep", RuleID: "sqli", Kind: learning.FalsePositive, Comment: "test fixture", RecordedAt: at},
	}
	for _, f := range feedback {
		if err := st.SaveFeedback(ctx, f); err != nil {
			t.Fatalf("SaveFeedback: %v", err)
		}
	}
	gotFeedback, err := st.ListFeedback(ctx)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if diff := cmp.Diff(feedback, gotFeedback); diff != "" {
		t.Errorf("feedback mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveReplyUpserts(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)

	r := autoreply.PendingReply{
		ID:              "r1",
		Channel:         "email",
		Recipient:       "alice@example.com",
		OriginalSummary: "Meeting tomorrow?",
		Priority:        autoreply.PriorityNormal,
		Draft:           "Sure.",
		Status:          autoreply.StatusPendingApproval,
		Reasoning:       "drafted for review",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	if err := st.SaveReply(ctx, r); err != nil {
		t.Fatalf("SaveReply: %v", err)
	}
	r.Status = autoreply.StatusSent
	r.UpdatedAt = created.Add(5 * time.Minute)
	if err := st.SaveReply(ctx, r); err != nil {
		t.Fatalf("SaveReply update: %v", err)
	}

	got, err := st.ListReplies(ctx, 10)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListReplies len = %d, want 1", len(got))
	}
	if diff := cmp.Diff(r, got[0]); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestLimit(t *testing.T) {
	for in, want := range map[int]int{0: DefaultListLimit, -1: DefaultListLimit, 10: 10, DefaultListLimit + 1: DefaultListLimit} {
		if got := Limit(in); got != want {
			t.Errorf("Limit(%d) = %d, want %d", in, got, want)
		}
	}
}
