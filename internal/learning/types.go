package learning

import (
	"errors"
	"time"
)

// ErrPatternNotFound is returned by UpdateConfidence for an unknown pattern id.
var ErrPatternNotFound = errors.New("risky pattern not found")

// IncidentCodeMapping links a resolved incident to the code changes that
// caused it. Append-only.
type IncidentCodeMapping struct {
	IncidentID       string        `json:"incident_id"`
	Commits          []string      `json:"commits"`
	ChangedFiles     []string      `json:"changed_files"`
	ChangedFunctions []string      `json:"changed_functions,omitempty"`
	Latency          time.Duration `json:"latency_ns"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// FeedbackKind classifies a human verdict on a finding.
type FeedbackKind string

const (
	TruePositive              FeedbackKind = "true_positive"
	TruePositiveNotActionable FeedbackKind = "true_positive_not_actionable"
	FalsePositive             FeedbackKind = "false_positive"
	FalseNegative             FeedbackKind = "false_negative"
)

// Valid reports whether k is a known kind.
func (k FeedbackKind) Valid() bool {
	switch k {
	case TruePositive, TruePositiveNotActionable, FalsePositive, FalseNegative:
		return true
	}
	return false
}

// FindingFeedback is a verdict on one finding produced by a scanner rule.
type FindingFeedback struct {
	FindingID  string       `json:"finding_id"`
	ScannerID  string       `json:"scanner_id"`
	RuleID     string       `json:"rule_id"`
	Kind       FeedbackKind `json:"kind"`
	Comment    string       `json:"comment,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// PatternKind is what a risky pattern points at.
type PatternKind string

const (
	PatternFile     PatternKind = "file"
	PatternFunction PatternKind = "function"
)

// RiskyPattern is a hotspot extracted from incident mappings.
type RiskyPattern struct {
	ID            string      `json:"id"`
	Kind          PatternKind `json:"kind"`
	Target        string      `json:"target"`
	IncidentCount int         `json:"incident_count"`
	Confidence    float64     `json:"confidence"`
	Description   string      `json:"description"`
}

// Accuracy summarizes feedback for one scanner or rule.
type Accuracy struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}
