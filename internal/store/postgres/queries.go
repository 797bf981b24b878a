package postgres

import (
	"context"
	"time"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/internal/store"
	"github.com/jackc/pgx/v5"
)

var _ store.Store = (*Store)(nil)

func (s *Store) SaveDetection(ctx context.Context, d detection.ThreatDetection) error {
	events, err := store.EncodeJSON(d.TriggeringEvents)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO detections(id, rule_id, rule_name, severity, mitre, description, response, detected_at, events)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
		d.ID, d.RuleID, d.RuleName, string(d.Severity), d.Mitre, d.Description, d.Response, store.ToNanos(d.DetectedAt), events)
	return err
}

func (s *Store) ListDetections(ctx context.Context, limit int) ([]detection.ThreatDetection, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT id, rule_id, rule_name, severity, mitre, description, response, detected_at, events
FROM detections ORDER BY detected_at DESC, id LIMIT $1`, store.Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
		d.DetectedAt = store.FromNanos(at)
		if d.TriggeringEvents, err = store.DecodeEvents(events); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SaveMapping(ctx context.Context, m learning.IncidentCodeMapping) error {
	commits, err := store.EncodeJSON(nonNil(m.Commits))
	if err != nil {
		return err
	}
	files, err := store.EncodeJSON(nonNil(m.ChangedFiles))
	if err != nil {
		return err
	}
	funcs, err := store.EncodeJSON(nonNil(m.ChangedFunctions))
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO incident_mappings(incident_id, commits, changed_files, changed_functions, latency_ns, recorded_at)
VALUES($1, $2, $3, $4, $5, $6)`,
		m.IncidentID, commits, files, funcs, int64(m.Latency), store.ToNanos(m.RecordedAt))
	return err
}

func (s *Store) ListMappings(ctx context.Context) ([]learning.IncidentCodeMapping, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT incident_id, commits, changed_files, changed_functions, latency_ns, recorded_at
FROM incident_mappings ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []learning.IncidentCodeMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMapping(row pgx.Row) (learning.IncidentCodeMapping, error) {
	var (
		m                     learning.IncidentCodeMapping
		commits, files, funcs string
		latency, recordedAt   int64
	)
	if err := row.Scan(&m.IncidentID, &commits, &files, &funcs, &latency, &recordedAt); err != nil {
		return m, err
	}
	var err error
	if m.Commits, err = store.DecodeStrings(commits); err != nil {
		return m, err
	}
	if m.ChangedFiles, err = store.DecodeStrings(files); err != nil {
		return m, err
	}
	if m.ChangedFunctions, err = store.DecodeStrings(funcs); err != nil {
		return m, err
	}
	m.Latency = time.Duration(latency)
	m.RecordedAt = store.FromNanos(recordedAt)
	return m, nil
}

func (s *Store) SaveFeedback(ctx context.Context, f learning.FindingFeedback) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO finding_feedback(finding_id, scanner_id, rule_id, kind, comment, recorded_at)
VALUES($1, $2, $3, $4, $5, $6)`,
		f.FindingID, f.ScannerID, f.RuleID, string(f.Kind), f.Comment, store.ToNanos(f.RecordedAt))
	return err
}

func (s *Store) ListFeedback(ctx context.Context) ([]learning.FindingFeedback, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT finding_id, scanner_id, rule_id, kind, comment, recorded_at
FROM finding_feedback ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
		f.RecordedAt = store.FromNanos(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SaveReply(ctx context.Context, r autoreply.PendingReply) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO replies(id, channel, recipient, original_summary, priority, draft, status, reasoning, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
  draft = EXCLUDED.draft,
  status = EXCLUDED.status,
  reasoning = EXCLUDED.reasoning,
  updated_at = EXCLUDED.updated_at`,
		r.ID, r.Channel, r.Recipient, r.OriginalSummary, string(r.Priority), r.Draft, string(r.Status), r.Reasoning,
		store.ToNanos(r.CreatedAt), store.ToNanos(r.UpdatedAt))
	return err
}

func (s *Store) ListReplies(ctx context.Context, limit int) ([]autoreply.PendingReply, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT id, channel, recipient, original_summary, priority, draft, status, reasoning, created_at, updated_at
FROM replies ORDER BY updated_at DESC, id LIMIT $1`, store.Limit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
		r.CreatedAt = store.FromNanos(createdAt)
		r.UpdatedAt = store.FromNanos(updatedAt)
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
