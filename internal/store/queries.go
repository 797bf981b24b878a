package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/learning"
)

var _ Store = (*sqliteStore)(nil)

func (s *sqliteStore) SaveDetection(ctx context.Context, d detection.ThreatDetection) error {
	events, err := EncodeJSON(d.TriggeringEvents)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO detections(id, rule_id, rule_name, severity, mitre, description, response, detected_at, events)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		d.ID, d.RuleID, d.RuleName, string(d.Severity), d.Mitre, d.Description, d.Response, ToNanos(d.DetectedAt), events)
	return err
}

func (s *sqliteStore) ListDetections(ctx context.Context, limit int) ([]detection.ThreatDetection, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, rule_id, rule_name, severity, mitre, description, response, detected_at, events
FROM detections ORDER BY detected_at DESC, id LIMIT ?`, Limit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []detection.ThreatDetection{}
	for rows.Next() {
		var (
			d        detection.ThreatDetection
			severity string
			at       int64
			events   string
		)
		if err := rows.Scan(&d.ID, &d.RuleID, &d.RuleName, &severity, &d.Mitre, &d.Description, &d.Response, &at, &events); err != nil {
			return nil, err
		}
		d.Severity = detection.Severity(severity)
		d.DetectedAt = FromNanos(at)
		if d.TriggeringEvents, err = DecodeEvents(events); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveMapping(ctx context.Context, m learning.IncidentCodeMapping) error {
	commits, err := EncodeJSON(nonNil(m.Commits))
	if err != nil {
		return err
	}
	files, err := EncodeJSON(nonNil(m.ChangedFiles))
	if err != nil {
		return err
	}
	funcs, err := EncodeJSON(nonNil(m.ChangedFunctions))
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO incident_mappings(incident_id, commits, changed_files, changed_functions, latency_ns, recorded_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		m.IncidentID, commits, files, funcs, int64(m.Latency), ToNanos(m.RecordedAt))
	return err
}

func (s *sqliteStore) ListMappings(ctx context.Context) ([]learning.IncidentCodeMapping, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT incident_id, commits, changed_files, changed_functions, latency_ns, recorded_at
FROM incident_mappings ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMappings(rows)
}

func scanMappings(rows *sql.Rows) ([]learning.IncidentCodeMapping, error) {
	out := []learning.IncidentCodeMapping{}
	for rows.Next() {
		var (
			m                      learning.IncidentCodeMapping
			commits, files, funcs  string
			latency, recordedNanos int64
		)
		if err := rows.Scan(&m.IncidentID, &commits, &files, &funcs, &latency, &recordedNanos); err != nil {
			return nil, err
		}
		var err error
		if m.Commits, err = DecodeStrings(commits); err != nil {
			return nil, err
		}
		if m.ChangedFiles, err = DecodeStrings(files); err != nil {
			return nil, err
		}
		if m.ChangedFunctions, err = DecodeStrings(funcs); err != nil {
			return nil, err
		}
		m.Latency = time.Duration(latency)
		m.RecordedAt = FromNanos(recordedNanos)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveFeedback(ctx context.Context, f learning.FindingFeedback) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO finding_feedback(finding_id, scanner_id, rule_id, kind, comment, recorded_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		f.FindingID, f.ScannerID, f.RuleID, string(f.Kind), f.Comment, ToNanos(f.RecordedAt))
	return err
}

func (s *sqliteStore) ListFeedback(ctx context.Context) ([]learning.FindingFeedback, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT finding_id, scanner_id, rule_id, kind, comment, recorded_at
FROM finding_feedback ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []learning.FindingFeedback{}
	for rows.Next() {
		var (
			f    learning.FindingFeedback
			kind string
			at   int64
		)
		if err := rows.Scan(&f.FindingID, &f.ScannerID, &f.RuleID, &kind, &f.Comment, &at); err != nil {
			return nil, err
		}
		f.Kind = learning.FeedbackKind(kind)
		f.RecordedAt = FromNanos(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveReply(ctx context.Context, r autoreply.PendingReply) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO replies(id, channel, recipient, original_summary, priority, draft, status, reasoning, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  draft = excluded.draft,
  status = excluded.status,
  reasoning = excluded.reasoning,
  updated_at = excluded.updated_at`,
		r.ID, r.Channel, r.Recipient, r.OriginalSummary, string(r.Priority), r.Draft, string(r.Status), r.Reasoning,
		ToNanos(r.CreatedAt), ToNanos(r.UpdatedAt))
	return err
}

func (s *sqliteStore) ListReplies(ctx context.Context, limit int) ([]autoreply.PendingReply, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, channel, recipient, original_summary, priority, draft, status, reasoning, created_at, updated_at
FROM replies ORDER BY updated_at DESC, id LIMIT ?`, Limit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []autoreply.PendingReply{}
	for rows.Next() {
		var (
			r                    autoreply.PendingReply
			priority, status     string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.ID, &r.Channel, &r.Recipient, &r.OriginalSummary, &priority, &r.Draft, &status, &r.Reasoning, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.Priority = autoreply.Priority(priority)
		r.Status = autoreply.Status(status)
		r.CreatedAt = FromNanos(createdAt)
		r.UpdatedAt = FromNanos(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
