// Package learning turns incident-to-code mappings into hotspot risk scores
// and tracks feedback accuracy per scanner and rule.
package learning

import (
	"fmt"
	"sort"
	"sync"
)

const (
	confidenceUp   = 0.10
	confidenceDown = 0.15
	// hotspotSaturation is the incident count at which a hotspot's risk is 1.
	hotspotSaturation = 5.0
)

// Engine owns the mapping log, hotspot counters, patterns and feedback log.
// All state is in memory and guarded by one mutex.
type Engine struct {
	mu        sync.Mutex
	mappings  []IncidentCodeMapping
	feedback  []FindingFeedback
	files     map[string]int
	functions map[string]int
	patterns  map[string]*pattern
}

type pattern struct {
	RiskyPattern
	base       float64
	adjustment float64
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		files:     map[string]int{},
		functions: map[string]int{},
		patterns:  map[string]*pattern{},
	}
}

// RecordMapping appends m and bumps the hotspot counter of every distinct
// file and function it touches.
func (e *Engine) RecordMapping(m IncidentCodeMapping) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m.Commits = append([]string(nil), m.Commits...)
	m.ChangedFiles = append([]string(nil), m.ChangedFiles...)
	m.ChangedFunctions = append([]string(nil), m.ChangedFunctions...)
	e.mappings = append(e.mappings, m)
	for _, f := range distinct(m.ChangedFiles) {
		e.files[f]++
	}
	for _, fn := range distinct(m.ChangedFunctions) {
		e.functions[fn]++
	}
}

// RecordFeedback appends f.
func (e *Engine) RecordFeedback(f FindingFeedback) error {
	if !f.Kind.Valid() {
		return fmt.Errorf("unknown feedback kind %q", f.Kind)
	}
	e.mu.Lock()
	e.feedback = append(e.feedback, f)
	e.mu.Unlock()
	return nil
}

// ExtractPatterns produces a pattern for every file and every function found
// in at least two mappings, with confidence = incidents / total mappings
// (capped at 1) plus any feedback adjustment already applied to that pattern.
func (e *Engine) ExtractPatterns() []RiskyPattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extractLocked(PatternFile, e.files)
	e.extractLocked(PatternFunction, e.functions)
	return e.patternsLocked()
}

func (e *Engine) extractLocked(kind PatternKind, counts map[string]int) {
	total := len(e.mappings)
	for target, n := range counts {
		if n < 2 {
			continue
		}
		id := string(kind) + ":" + target
		p, ok := e.patterns[id]
		if !ok {
			p = &pattern{RiskyPattern: RiskyPattern{ID: id, Kind: kind, Target: target}}
			e.patterns[id] = p
		}
		p.IncidentCount = n
		p.base = min(float64(n)/float64(total), 1)
		p.Confidence = clamp(p.base + p.adjustment)
		p.Description = fmt.Sprintf("%s %s was changed in %d of %d incidents", kind, target, n, total)
	}
}

// Patterns returns the extracted patterns without re-extracting.
func (e *Engine) Patterns() []RiskyPattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patternsLocked()
}

func (e *Engine) patternsLocked() []RiskyPattern {
	out := make([]RiskyPattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, p.RiskyPattern)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsRiskyChange scores a change by its riskiest referenced hotspot. Each
// hotspot's risk is min(1, incidents/5).
func (e *Engine) IsRiskyChange(files, functions []string) (float64, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var (
		risk    float64
		reasons []string
	)
	for _, f := range distinct(files) {
		if n := e.files[f]; n > 0 {
			risk = max(risk, hotspotRisk(n))
			reasons = append(reasons, fmt.Sprintf("file %s was involved in %d past incident(s)", f, n))
		}
	}
	for _, fn := range distinct(functions) {
		if n := e.functions[fn]; n > 0 {
			risk = max(risk, hotspotRisk(n))
			reasons = append(reasons, fmt.Sprintf("function %s was involved in %d past incident(s)", fn, n))
		}
	}
	return risk, reasons
}

// UpdateConfidence nudges a pattern up by 0.10 or down by 0.15, clamped to [0,1].
func (e *Engine) UpdateConfidence(patternID string, positive bool) (RiskyPattern, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[patternID]
	if !ok {
		return RiskyPattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, patternID)
	}
	delta := -confidenceDown
	if positive {
		delta = confidenceUp
	}
	p.Confidence = clamp(p.Confidence + delta)
	p.adjustment = p.Confidence - p.base
	return p.RiskyPattern, nil
}

// AccuracyForScanner computes precision, recall and F1 over feedback for a scanner.
func (e *Engine) AccuracyForScanner(id string) Accuracy {
	return e.accuracy(func(f FindingFeedback) bool { return f.ScannerID == id })
}

// AccuracyForRule computes precision, recall and F1 over feedback for a rule.
func (e *Engine) AccuracyForRule(id string) Accuracy {
	return e.accuracy(func(f FindingFeedback) bool { return f.RuleID == id })
}

func (e *Engine) accuracy(match func(FindingFeedback) bool) Accuracy {
	e.mu.Lock()
	var a Accuracy
	for _, f := range e.feedback {
		if !match(f) {
			continue
		}
		switch f.Kind {
		case TruePositive, TruePositiveNotActionable:
			a.TruePositives++
		case FalsePositive:
			a.FalsePositives++
		case FalseNegative:
			a.FalseNegatives++
		}
	}
	e.mu.Unlock()
	a.Precision = ratio(a.TruePositives, a.TruePositives+a.FalsePositives)
	a.Recall = ratio(a.TruePositives, a.TruePositives+a.FalseNegatives)
	if a.Precision+a.Recall > 0 {
		a.F1 = 2 * a.Precision * a.Recall / (a.Precision + a.Recall)
	}
	return a
}

// Mappings returns a copy of the mapping log.
func (e *Engine) Mappings() []IncidentCodeMapping {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]IncidentCodeMapping(nil), e.mappings...)
}

// Feedback returns a copy of the feedback log.
func (e *Engine) Feedback() []FindingFeedback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FindingFeedback(nil), e.feedback...)
}

func hotspotRisk(incidents int) float64 {
	return min(float64(incidents)/hotspotSaturation, 1)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func clamp(v float64) float64 {
	return max(0, min(v, 1))
}

func distinct(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, s := range items {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
