package learning

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func mapping(id string, files []string, funcs ...string) IncidentCodeMapping {
	return IncidentCodeMapping{IncidentID: id, Commits: []string{"c-" + id}, ChangedFiles: files, ChangedFunctions: funcs}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestExtractPatterns(t *testing.T) {
	e := NewEngine()
	e.RecordMapping(mapping("i1", []string{"auth.go", "db.go"}))
	e.RecordMapping(mapping("i2", []string{"auth.go"}))
	e.RecordMapping(mapping("i3", []string{"auth.go", "db.go", "ui.go"}))
	e.RecordMapping(mapping("i4", []string{"auth.go", "auth.go"}))

	got := e.ExtractPatterns()
	if len(got) != 2 {
		t.Fatalf("patterns = %+v", got)
	}
	if got[0].ID != "file:auth.go" || got[0].IncidentCount != 4 || !approx(got[0].Confidence, 1.0) {
		t.Errorf("auth pattern = %+v", got[0])
	}
	if got[1].ID != "file:db.go" || got[1].IncidentCount != 2 || !approx(got[1].Confidence, 0.5) {
		t.Errorf("db pattern = %+v", got[1])
	}
}

func TestExtractFunctionPatterns(t *testing.T) {
	e := NewEngine()
	e.RecordMapping(mapping("i1", []string{"auth.go"}, "Login", "Logout"))
	e.RecordMapping(mapping("i2", []string{"db.go"}, "Login", "Login"))
	e.RecordMapping(mapping("i3", []string{"ui.go"}, "Render"))
	e.RecordMapping(mapping("i4", []string{"api.go"}, "Login", "Render"))

	got := e.ExtractPatterns()
	want := []RiskyPattern{
		{ID: "function:Login", Kind: PatternFunction, Target: "Login", IncidentCount: 3, Confidence: 0.75,
			Description: "function Login was changed in 3 of 4 incidents"},
		{ID: "function:Render", Kind: PatternFunction, Target: "Render", IncidentCount: 2, Confidence: 0.5,
			Description: "function Render was changed in 2 of 4 incidents"},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("patterns (-want +got):\n%s", diff)
	}

	p, err := e.UpdateConfidence("function:Render", false)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(p.Confidence, 0.35) {
		t.Errorf("after negative: %v, want 0.35", p.Confidence)
	}
}

func TestUpdateConfidence(t *testing.T) {
	e := NewEngine()
	e.RecordMapping(mapping("i1", []string{"a.go"}))
	e.RecordMapping(mapping("i2", []string{"a.go"}))
	e.RecordMapping(mapping("i3", []string{"b.go"}))
	e.RecordMapping(mapping("i4", []string{"c.go"}))
	e.ExtractPatterns()

	p, err := e.UpdateConfidence("file:a.go", false)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(p.Confidence, 0.35) {
		t.Errorf("after negative: %v, want 0.35", p.Confidence)
	}
	p, _ = e.UpdateConfidence("file:a.go", true)
	if !approx(p.Confidence, 0.45) {
		t.Errorf("after positive: %v, want 0.45", p.Confidence)
	}
	for i := 0; i < 10; i++ {
		p, _ = e.UpdateConfidence("file:a.go", true)
	}
	if p.Confidence != 1 {
		t.Errorf("not clamped high: %v", p.Confidence)
	}
	for i := 0; i < 20; i++ {
		p, _ = e.UpdateConfidence("file:a.go", false)
	}
	if p.Confidence != 0 {
		t.Errorf("not clamped low: %v", p.Confidence)
	}
	if _, err := e.UpdateConfidence("file:none.go", true); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("unknown pattern: %v", err)
	}
}

func TestAdjustmentSurvivesReextraction(t *testing.T) {
	e := NewEngine()
	e.RecordMapping(mapping("i1", []string{"a.go"}))
	e.RecordMapping(mapping("i2", []string{"a.go"}))
	e.ExtractPatterns()
	e.UpdateConfidence("file:a.go", false)
	got := e.ExtractPatterns()
	if !approx(got[0].Confidence, 0.85) {
		t.Errorf("confidence = %v, want 0.85", got[0].Confidence)
	}
}

func TestIsRiskyChange(t *testing.T) {
	e := NewEngine()
	risk, reasons := e.IsRiskyChange([]string{"a.go"}, nil)
	if risk != 0 || len(reasons) != 0 {
		t.Errorf("empty engine: %v %v", risk, reasons)
	}
	e.RecordMapping(mapping("i1", []string{"a.go"}, "Login"))
	e.RecordMapping(mapping("i2", []string{"a.go", "b.go"}, "Login"))
	e.RecordMapping(mapping("i3", []string{"c.go"}, "Login"))

	risk, reasons = e.IsRiskyChange([]string{"a.go", "b.go", "new.go"}, []string{"Login"})
	if !approx(risk, 0.6) {
		t.Errorf("risk = %v, want 0.6 (Login in 3 incidents)", risk)
	}
	if len(reasons) != 3 {
		t.Errorf("reasons = %v", reasons)
	}
	if !strings.Contains(strings.Join(reasons, "\n"), "file a.go was involved in 2 past incident(s)") {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestIsRiskyChangeMonotone(t *testing.T) {
	e := NewEngine()
	files := []string{"hot.go", "other.go"}
	e.RecordMapping(mapping("seed", []string{"other.go"}))
	prev, _ := e.IsRiskyChange(files, nil)
	for i := 0; i < 8; i++ {
		e.RecordMapping(mapping("x", []string{"hot.go"}))
		e.RecordMapping(mapping("y", []string{"unrelated.go"}))
		risk, _ := e.IsRiskyChange(files, nil)
		if risk < prev {
			t.Fatalf("risk decreased from %v to %v after %d incidents", prev, risk, i+1)
		}
		if risk < 0 || risk > 1 {
			t.Fatalf("risk out of range: %v", risk)
		}
		prev = risk
	}
	if prev != 1 {
		t.Errorf("risk did not saturate: %v", prev)
	}
}

func TestAccuracy(t *testing.T) {
	e := NewEngine()
	for _, k := range []FeedbackKind{TruePositive, TruePositive, TruePositiveNotActionable, FalsePositive, FalseNegative, FalseNegative, FalseNegative} {
		if err := e.RecordFeedback(FindingFeedback{ScannerID: "semgrep", RuleID: "sql-injection", Kind: k}); err != nil {
			t.Fatal(err)
		}
	}
	e.RecordFeedback(FindingFeedback{ScannerID: "other", RuleID: "x", Kind: FalsePositive})

	a := e.AccuracyForScanner("semgrep")
	if a.TruePositives != 3 || a.FalsePositives != 1 || a.FalseNegatives != 3 {
		t.Fatalf("counts = %+v", a)
	}
	if !approx(a.Precision, 0.75) || !approx(a.Recall, 0.5) || !approx(a.F1, 0.6) {
		t.Errorf("metrics = %+v", a)
	}
	if r := e.AccuracyForRule("sql-injection"); r != a {
		t.Errorf("rule accuracy = %+v", r)
	}

	o := e.AccuracyForScanner("other")
	if o.Precision != 0 || o.Recall != 0 || o.F1 != 0 {
		t.Errorf("all-FP scanner = %+v", o)
	}
	if z := e.AccuracyForRule("unknown"); z != (Accuracy{}) {
		t.Errorf("unknown rule = %+v", z)
	}
	if err := e.RecordFeedback(FindingFeedback{Kind: "meh"}); err == nil {
		t.Error("invalid kind accepted")
	}
}

func TestMappingsAreCopies(t *testing.T) {
	e := NewEngine()
	files := []string{"a.go"}
	e.RecordMapping(mapping("i1", files))
	files[0] = "mutated.go"
	got := e.Mappings()
	if got[0].ChangedFiles[0] != "a.go" {
		t.Errorf("mapping aliased caller slice: %v", got[0].ChangedFiles)
	}
}
