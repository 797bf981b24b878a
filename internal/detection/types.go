package detection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is returned when a rule fails validation.
var ErrInvalidRule = errors.New("invalid detection rule")

// Severity indicates the urgency of a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var validSeverities = map[Severity]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// IsValidSeverity returns true if s is a recognized severity level.
func IsValidSeverity(s Severity) bool {
	return validSeverities[s]
}

// LogEvent is one immutable log record.
type LogEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Source    string            `json:"source,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Field returns the named field. "event_type" aliases the event's type.
func (e LogEvent) Field(name string) (string, bool) {
	if name == "event_type" {
		return e.EventType, true
	}
	v, ok := e.Fields[name]
	return v, ok
}

func (e LogEvent) fieldEquals(name, value string) bool {
	v, ok := e.Field(name)
	return ok && v == value
}

// FieldMatch fires when the current event's field equals or contains Pattern.
type FieldMatch struct {
	Field   string `yaml:"field" json:"field"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Threshold fires when at least Count buffered events inside the window have
// Field == Value. A non-positive window covers the whole buffer.
type Threshold struct {
	Field      string `yaml:"field" json:"field"`
	Value      string `yaml:"value" json:"value"`
	Count      int    `yaml:"count" json:"count"`
	WindowSecs int64  `yaml:"window_secs" json:"window_secs"`
}

// Matcher is one element of a sequence.
type Matcher struct {
	Field string `yaml:"field" json:"field"`
	Value string `yaml:"value" json:"value"`
}

// Sequence fires when buffered events inside the window contain an
// order-preserving subsequence satisfying every matcher in turn.
type Sequence struct {
	Matchers   []Matcher `yaml:"matchers" json:"matchers"`
	WithinSecs int64     `yaml:"within_secs" json:"within_secs"`
}

// Rule is a detection rule. Exactly one of Match, Threshold, Sequence is set.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name,omitempty" json:"name,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    Severity    `yaml:"severity" json:"severity"`
	Mitre       string      `yaml:"mitre,omitempty" json:"mitre,omitempty"`
	Match       *FieldMatch `yaml:"match,omitempty" json:"match,omitempty"`
	Threshold   *Threshold  `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Sequence    *Sequence   `yaml:"sequence,omitempty" json:"sequence,omitempty"`
	Response    string      `yaml:"response,omitempty" json:"response,omitempty"`
	Enabled     bool        `yaml:"-" json:"enabled"`
}

type plainRule Rule

// UnmarshalYAML defaults enabled to true when the key is absent.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		plainRule `yaml:",inline"`
		Enabled   *bool `yaml:"enabled"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*r = Rule(aux.plainRule)
	r.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// MarshalYAML writes enabled explicitly.
func (r Rule) MarshalYAML() (any, error) {
	return struct {
		plainRule `yaml:",inline"`
		Enabled   bool `yaml:"enabled"`
	}{plainRule(r), r.Enabled}, nil
}

// Kind names the rule's condition type.
func (r Rule) Kind() string {
	switch {
	case r.Match != nil:
		return "field_match"
	case r.Threshold != nil:
		return "threshold"
	case r.Sequence != nil:
		return "sequence"
	}
	return ""
}

// Validate checks the rule's shape.
func (r Rule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !IsValidSeverity(r.Severity) {
		problems = append(problems, fmt.Sprintf("invalid severity %q", r.Severity))
	}
	n := 0
	if r.Match != nil {
		n++
		if r.Match.Field == "" {
			problems = append(problems, "match.field is required")
		}
		// An empty pattern is a substring of every value.
		if r.Match.Pattern == "" {
			problems = append(problems, "match.pattern is required")
		}
	}
	if r.Threshold != nil {
		n++
		if r.Threshold.Field == "" {
			problems = append(problems, "threshold.field is required")
		}
		if r.Threshold.Count < 1 {
			problems = append(problems, "threshold.count must be >= 1")
		}
	}
	if r.Sequence != nil {
		n++
		for i, m := range r.Sequence.Matchers {
			if m.Field == "" {
				problems = append(problems, fmt.Sprintf("sequence.matchers[%d].field is required", i))
			}
		}
	}
	if n != 1 {
		problems = append(problems, "exactly one of match, threshold, sequence is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, strings.Join(problems, "; "))
	}
	return nil
}

// ThreatDetection is the positive result of a rule firing.
type ThreatDetection struct {
	ID               string     `json:"id"`
	RuleID           string     `json:"rule_id"`
	RuleName         string     `json:"rule_name,omitempty"`
	Severity         Severity   `json:"severity"`
	Mitre            string     `json:"mitre,omitempty"`
	Description      string     `json:"description"`
	DetectedAt       time.Time  `json:"detected_at"`
	TriggeringEvents []LogEvent `json:"triggering_events"`
	Response         string     `json:"response,omitempty"`
}
