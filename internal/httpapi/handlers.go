package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/detection"
	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
)

type handlers struct {
	svc *Services
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errValidation)
		}
		return fmt.Errorf("%w: invalid json: %v", errValidation, err)
	}
	return nil
}

// decodeOptionalBody is decodeBody for endpoints whose body may be omitted.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return fmt.Errorf("%w: invalid json: %v", errValidation, err)
}

// runContext detaches run execution from the request so a client disconnect
// does not cancel tool calls mid-step.
func runContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func runModel(st workflow.State) models.Run {
	return models.Run{
		RunID:            st.RunID,
		Workflow:         st.Workflow,
		Inputs:           st.Inputs,
		CurrentStepIndex: st.CurrentStepIndex,
		Status:           string(st.Status),
		StepOutputs:      st.StepOutputs,
		Error:            st.Error,
		CreatedAt:        st.CreatedAt,
		UpdatedAt:        st.UpdatedAt,
	}
}

func detectionModel(d detection.ThreatDetection) models.Detection {
	return models.Detection{
		ID:          d.ID,
		RuleID:      d.RuleID,
		RuleName:    d.RuleName,
		Severity:    string(d.Severity),
		Mitre:       d.Mitre,
		Description: d.Description,
		DetectedAt:  d.DetectedAt,
		Response:    d.Response,
		EventCount:  len(d.TriggeringEvents),
	}
}

func replyModel(r autoreply.PendingReply) models.Reply {
	return models.Reply{
		ID:              r.ID,
		Channel:         r.Channel,
		Recipient:       r.Recipient,
		OriginalSummary: r.OriginalSummary,
		Priority:        string(r.Priority),
		Draft:           r.Draft,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Reasoning:       r.Reasoning,
	}
}

// runResult writes a run state. A persistence failure still returns the state
// because the run itself executed.
func runResult(w http.ResponseWriter, st workflow.State, err error) {
	if err != nil && errors.Is(err, workflow.ErrPersist) && st.RunID != "" {
		slog.Warn("run state not persisted", "run_id", st.RunID, "err", err)
		err = nil
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, runModel(st))
}

// --- Workflows ---

func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	out := make([]models.Workflow, 0, len(h.svc.Workflows))
	for _, name := range workflow.SortedNames(h.svc.Workflows) {
		def := h.svc.Workflows[name]
		steps := make([]string, 0, len(def.Steps))
		for _, s := range def.Steps {
			steps = append(steps, s.ID)
		}
		out = append(out, models.Workflow{Name: def.Name, Description: def.Description, Steps: steps})
	}
	writeJSON(w, out)
}

func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.Workflow(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	st, err := h.svc.Executor.Start(runContext(r), def, body.Inputs)
	runResult(w, st, err)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.svc.Executor.ListRuns()
	out := make([]models.Run, 0, len(runs))
	for _, st := range runs {
		out = append(out, runModel(st))
	}
	writeJSON(w, out)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Executor.GetStatus(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, runModel(st))
}

func (h *handlers) resumeRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	decision, err := workflow.ParseDecision(body.Decision)
	if err != nil {
		writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	cur, err := h.svc.Executor.GetStatus(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	def, err := h.svc.Workflow(cur.Workflow)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := h.svc.Executor.Resume(runContext(r), id, def, decision)
	runResult(w, st, err)
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Executor.Cancel(r.PathValue("id"))
	runResult(w, st, err)
}

// --- Detection ---

func (h *handlers) postEvents(w http.ResponseWriter, r *http.Request) {
	events, err := detection.ParseEvents(r.Body, h.svc.now())
	if err != nil {
		var maxErr *http.MaxBytesError
		if !errors.As(err, &maxErr) {
			err = fmt.Errorf("%w: %v", errValidation, err)
		}
		writeErr(w, err)
		return
	}
	dets := h.svc.IngestEvents(r.Context(), events)
	out := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		out = append(out, detectionModel(d))
	}
	writeJSON(w, out)
}

func (h *handlers) listDetections(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dets, err := h.svc.Detections(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		out = append(out, detectionModel(d))
	}
	writeJSON(w, out)
}

func (h *handlers) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.svc.Detection.Rules())
}

// --- Learning ---

func (h *handlers) postIncident(w http.ResponseWriter, r *http.Request) {
	var m learning.IncidentCodeMapping
	if err := decodeBody(r, &m); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.svc.RecordMapping(r.Context(), m); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (h *handlers) postFeedback(w http.ResponseWriter, r *http.Request) {
	var f learning.FindingFeedback
	if err := decodeBody(r, &f); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.svc.RecordFeedback(r.Context(), f); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (h *handlers) listPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := h.svc.Learning.ExtractPatterns()
	if patterns == nil {
		patterns = []learning.RiskyPattern{}
	}
	writeJSON(w, patterns)
}

func (h *handlers) patternFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Positive *bool `json:"positive"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Positive == nil {
		writeJSONError(w, http.StatusBadRequest, "positive required")
		return
	}
	p, err := h.svc.Learning.UpdateConfidence(r.PathValue("id"), *body.Positive)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, p)
}

func (h *handlers) assessRisk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Files     []string `json:"files"`
		Functions []string `json:"functions"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	risk, reasons := h.svc.Learning.IsRiskyChange(body.Files, body.Functions)
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, models.RiskAssessment{Risk: risk, Reasons: reasons})
}

func (h *handlers) accuracy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var acc learning.Accuracy
	switch {
	case q.Get("scanner") != "":
		acc = h.svc.Learning.AccuracyForScanner(q.Get("scanner"))
	case q.Get("rule") != "":
		acc = h.svc.Learning.AccuracyForRule(q.Get("rule"))
	default:
		writeJSONError(w, http.StatusBadRequest, "scanner or rule query parameter required")
		return
	}
	writeJSON(w, acc)
}

// --- Auto-reply ---

// messageRequest carries either a raw message, classified by the built-in
// classifier, or a message already classified upstream.
type messageRequest struct {
	Channel    string                       `json:"channel"`
	Message    *autoreply.InboundMessage    `json:"message,omitempty"`
	Classified *autoreply.ClassifiedMessage `json:"classified,omitempty"`
}

func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	var msg autoreply.ClassifiedMessage
	switch {
	case body.Classified != nil:
		msg = *body.Classified
	case body.Message != nil:
		msg = h.svc.Classifier.Classify(*body.Message)
	default:
		writeJSONError(w, http.StatusBadRequest, "message or classified required")
		return
	}
	if body.Channel == "" && msg.Message.Channel == "" {
		writeJSONError(w, http.StatusBadRequest, "channel required")
		return
	}
	res, err := h.svc.HandleMessage(r.Context(), msg, body.Channel)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *handlers) listReplies(w http.ResponseWriter, r *http.Request) {
	var replies []autoreply.PendingReply
	if r.URL.Query().Get("status") == string(autoreply.StatusPendingApproval) {
		replies = h.svc.Replies.Pending()
	} else {
		replies = h.svc.Replies.List()
	}
	out := make([]models.Reply, 0, len(replies))
	for _, rep := range replies {
		out = append(out, replyModel(rep))
	}
	writeJSON(w, out)
}

func (h *handlers) approveReply(w http.ResponseWriter, r *http.Request) {
	h.reviewReply(w, r, h.svc.Replies.ApproveReply)
}

func (h *handlers) rejectReply(w http.ResponseWriter, r *http.Request) {
	h.reviewReply(w, r, h.svc.Replies.RejectReply)
}

func (h *handlers) reviewReply(w http.ResponseWriter, r *http.Request, apply func(string) (autoreply.PendingReply, error)) {
	rep, err := apply(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	h.svc.ReplyChanged(r.Context(), rep)
	writeJSON(w, replyModel(rep))
}
