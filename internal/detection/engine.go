// Package detection classifies log events against field-match, threshold and
// sequence rules over a capped sliding buffer of recent events.
package detection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the event buffer capacity when none is configured.
const DefaultBufferSize = 10000

// Engine owns the event buffer and the rule set. Both are guarded
// independently; methods are synchronous and do no IO.
type Engine struct {
	NewID func() string

	rulesMu sync.RWMutex
	rules   []Rule

	bufMu   sync.Mutex
	buf     []LogEvent
	bufSize int
}

// NewEngine returns an engine with the given buffer capacity (DefaultBufferSize
// when <= 0). Invalid rules are rejected.
func NewEngine(bufferSize int, rules []Rule) (*Engine, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	e := &Engine{bufSize: bufferSize}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// SetRules replaces the rule set atomically after validating every rule.
func (e *Engine) SetRules(rules []Rule) error {
	seen := map[string]bool{}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
	}
	cp := append([]Rule(nil), rules...)
	e.rulesMu.Lock()
	e.rules = cp
	e.rulesMu.Unlock()
	return nil
}

// AddRule adds r, replacing any rule with the same id.
func (e *Engine) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == r.ID {
			e.rules[i] = r
			return nil
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

// RemoveRule deletes the rule with the given id and reports whether it existed.
func (e *Engine) RemoveRule(id string) bool {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule set.
func (e *Engine) Rules() []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// BufferLen returns the number of buffered events.
func (e *Engine) BufferLen() int {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return len(e.buf)
}

// ProcessEvent buffers ev, dropping the oldest event when full, and returns
// every detection it caused. Window bounds are measured back from ev's
// timestamp.
func (e *Engine) ProcessEvent(ev LogEvent) []ThreatDetection {
	rules := e.Rules()

	e.bufMu.Lock()
	e.buf = append(e.buf, ev)
	if over := len(e.buf) - e.bufSize; over > 0 {
		e.buf = e.buf[over:]
	}
	window := e.buf
	var out []ThreatDetection
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		events, desc := evaluate(r, ev, window)
		if events == nil {
			continue
		}
		out = append(out, ThreatDetection{
			ID:               e.newID(),
			RuleID:           r.ID,
			RuleName:         r.Name,
			Severity:         r.Severity,
			Mitre:            r.Mitre,
			Description:      desc,
			DetectedAt:       ev.Timestamp,
			TriggeringEvents: events,
			Response:         r.Response,
		})
	}
	e.bufMu.Unlock()
	return out
}

// AnalyzeBatch processes events in order and concatenates the detections.
func (e *Engine) AnalyzeBatch(events []LogEvent) []ThreatDetection {
	var out []ThreatDetection
	for _, ev := range events {
		out = append(out, e.ProcessEvent(ev)...)
	}
	return out
}

// evaluate returns the triggering events (nil when the rule does not fire)
// and a human-readable description.
func evaluate(r Rule, current LogEvent, buf []LogEvent) ([]LogEvent, string) {
	switch {
	case r.Match != nil:
		v, ok := current.Field(r.Match.Field)
		if !ok || (v != r.Match.Pattern && !strings.Contains(v, r.Match.Pattern)) {
			return nil, ""
		}
		return []LogEvent{current}, describe(r, fmt.Sprintf("%s matched %q", r.Match.Field, r.Match.Pattern))

	case r.Threshold != nil:
		t := r.Threshold
		cutoff := windowStart(current.Timestamp, t.WindowSecs)
		var hits []LogEvent
		for _, b := range buf {
			if inWindow(b, cutoff) && b.fieldEquals(t.Field, t.Value) {
				hits = append(hits, b)
			}
		}
		if len(hits) == 0 || len(hits) < t.Count {
			return nil, ""
		}
		return hits, describe(r, fmt.Sprintf("%d events with %s=%s within %ds", len(hits), t.Field, t.Value, t.WindowSecs))

	case r.Sequence != nil:
		s := r.Sequence
		if len(s.Matchers) == 0 {
			return nil, ""
		}
		cutoff := windowStart(current.Timestamp, s.WithinSecs)
		matched := make([]LogEvent, 0, len(s.Matchers))
		for _, b := range buf {
			if !inWindow(b, cutoff) {
				continue
			}
			m := s.Matchers[len(matched)]
			if b.fieldEquals(m.Field, m.Value) {
				matched = append(matched, b)
				if len(matched) == len(s.Matchers) {
					return matched, describe(r, fmt.Sprintf("sequence of %d events within %ds", len(matched), s.WithinSecs))
				}
			}
		}
	}
	return nil, ""
}

func windowStart(now time.Time, secs int64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(secs) * time.Second)
}

func inWindow(ev LogEvent, cutoff time.Time) bool {
	return cutoff.IsZero() || !ev.Timestamp.Before(cutoff)
}

func describe(r Rule, detail string) string {
	if r.Description != "" {
		return r.Description + ": " + detail
	}
	return detail
}
