package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ankittk/aide/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:3548", "")
	if c.BaseURL != "http://localhost:3548" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:3548", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","connections":2,"sessions":1,"uptime_secs":9}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.HTTPClient = srv.Client()
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Connections != 2 || h.Sessions != 1 {
		t.Fatalf("Health: %+v", h)
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.HTTPClient = srv.Client()
	_, err := c.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "down" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	c.HTTPClient = srv.Client()
	_, _ = c.Health(context.Background())
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestStartRunAndResume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/v1/workflows/deploy/runs":
			inputs, _ := body["inputs"].(map[string]any)
			if r.Method != http.MethodPost || inputs["env"] != "prod" {
				t.Errorf("start: %s %v", r.Method, body)
			}
			_, _ = w.Write([]byte(`{"run_id":"r1","workflow_name":"deploy","status":"waiting_approval","current_step_index":1}`))
		case "/v1/runs/r1/resume":
			if body["decision"] != "approved" {
				t.Errorf("resume body: %v", body)
			}
			_, _ = w.Write([]byte(`{"run_id":"r1","workflow_name":"deploy","status":"completed","current_step_index":2}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.HTTPClient = srv.Client()
	ctx := context.Background()
	run, err := c.StartRun(ctx, "deploy", map[string]any{"env": "prod"})
	if err != nil || run.Status != "waiting_approval" || run.CurrentStepIndex != 1 {
		t.Fatalf("StartRun = %+v, %v", run, err)
	}
	run, err = c.ResumeRun(ctx, "r1", "approved")
	if err != nil || run.Status != "completed" {
		t.Fatalf("ResumeRun = %+v, %v", run, err)
	}
	if _, err := c.GetRun(ctx, "missing"); err == nil {
		t.Fatal("expected 404 error")
	}
}

func TestAccuracyQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("scanner") != "semgrep" || r.URL.Query().Has("rule") {
			t.Errorf("query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"true_positives":3,"false_positives":1,"precision":0.75}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.HTTPClient = srv.Client()
	acc, err := c.Accuracy(context.Background(), "semgrep", "")
	if err != nil || acc.TruePositives != 3 || acc.Precision != 0.75 {
		t.Fatalf("Accuracy = %+v, %v", acc, err)
	}
}

func TestGatewayURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:3548":  "ws://localhost:3548/ws",
		"https://aide.example/":  "wss://aide.example/ws",
		"ws://127.0.0.1:3548/ws": "ws://127.0.0.1:3548/ws",
	}
	for in, want := range tests {
		if got := GatewayURL(in); got != want {
			t.Errorf("GatewayURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLearningAndMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.EscapedPath() {
		case "/v1/incidents":
			if body["incident_id"] != "INC-7" {
				t.Errorf("incident body: %v", body)
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/v1/patterns/file:auth%2Fsession.go/feedback":
			if body["positive"] != true {
				t.Errorf("pattern feedback body: %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"file:auth/session.go","confidence":0.6}`))
		case "/v1/messages":
			msg, _ := body["message"].(map[string]any)
			if body["channel"] != "email" || msg["sender"] != "bob" {
				t.Errorf("message body: %v", body)
			}
			_, _ = w.Write([]byte(`{"classified":{"suggested_action":"draft_reply"},"reply":{"id":"r1","status":"pending_approval"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.HTTPClient = srv.Client()
	ctx := context.Background()
	if err := c.RecordIncident(ctx, models.Incident{IncidentID: "INC-7", Commits: []string{"abc"}}); err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	p, err := c.PatternFeedback(ctx, "file:auth/session.go", true)
	if err != nil || p.Confidence != 0.6 {
		t.Fatalf("PatternFeedback = %+v, %v", p, err)
	}
	res, err := c.PostMessage(ctx, models.Message{Channel: "email", Sender: "bob", Body: "hi?"})
	if err != nil || res.Reply == nil || res.Reply.ID != "r1" || res.Classified.SuggestedAction != "draft_reply" {
		t.Fatalf("PostMessage = %+v, %v", res, err)
	}
}
