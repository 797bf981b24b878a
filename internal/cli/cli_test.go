package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ankittk/aide/pkg/models"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "token", "workflow", "detect", "learn", "reply", "task", "mcp", "daemon"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
	if NewRootCmd("").Version != "dev" {
		t.Error("empty version should default to dev")
	}
}

func TestNewRootCmd_hasHomeAndServerFlags(t *testing.T) {
	root := NewRootCmd("")
	for _, name := range []string{"home", "server"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenGenerate(t *testing.T) {
	out, err := execute(t, "token", "generate")
	if err != nil {
		t.Fatalf("token generate: %v", err)
	}
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	for _, want := range []string{"AIDE_API_KEY", "X-API-Key"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should mention %s", want)
		}
	}
}

func TestTokenGenerate_envFile(t *testing.T) {
	env := filepath.Join(t.TempDir(), ".env")
	if _, err := execute(t, "token", "generate", "--gateway", "--env", env); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(env)
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^AIDE_GATEWAY_TOKEN=[a-f0-9]{64}\n$`).Match(b) {
		t.Errorf("env file = %q", b)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nAIDE_TEST_A=one\n\nAIDE_TEST_B = \"two\"\nnot a pair\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AIDE_TEST_A", "")
	t.Setenv("AIDE_TEST_B", "")
	if err := loadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("AIDE_TEST_A") != "one" || os.Getenv("AIDE_TEST_B") != "two" {
		t.Errorf("A=%q B=%q", os.Getenv("AIDE_TEST_A"), os.Getenv("AIDE_TEST_B"))
	}
}

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"env=prod", "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"env": "prod", "note": "a=b"}, got); diff != "" {
		t.Errorf("inputs (-want +got):\n%s", diff)
	}
	if _, err := parseInputs([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func TestDoctorInit(t *testing.T) {
	home := t.TempDir()
	out, err := execute(t, "--home", home, "doctor", "--init")
	if err != nil && !strings.Contains(err.Error(), "doctor checks failed") {
		t.Fatalf("doctor --init: %v", err)
	}
	for _, p := range []string{"config.yaml", "rules.yaml", filepath.Join("workflows", "triage.yaml")} {
		if _, err := os.Stat(filepath.Join(home, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
	if !strings.Contains(out, "workflows: 1 loaded") {
		t.Errorf("doctor output:\n%s", out)
	}
}

func TestWorkflowValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("name: g\nsteps:\n  - id: a\n    tool: echo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("name: b\nsteps: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "workflow", "validate", good)
	if err != nil || !strings.Contains(out, "ok (g, 1 steps)") {
		t.Errorf("validate good: %q, %v", out, err)
	}
	if _, err := execute(t, "workflow", "validate", good, bad); err == nil {
		t.Error("validate bad: expected error")
	}
}

func TestDetectCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`{"timestamp":"2026-03-01T12:00:0` + string(rune('0'+i)) + `Z","event_type":"login_failed","fields":{"source_ip":"10.0.0.9","user":"root"}}` + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "detect", "check", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ssh_brute_force") || !strings.Contains(out, "5 events, 1 detections") {
		t.Errorf("check output:\n%s", out)
	}
}

func TestWorkflowRunAgainstServer(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/workflows/deploy/runs" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(models.Run{RunID: "r1", Workflow: "deploy", Status: "waiting_approval", CurrentStepIndex: 1})
	}))
	defer srv.Close()
	t.Setenv("AIDE_API_KEY", "k")

	out, err := execute(t, "--home", t.TempDir(), "--server", srv.URL, "workflow", "run", "deploy", "--input", "env=prod")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Run r1 (deploy): waiting_approval at step 1") {
		t.Errorf("output:\n%s", out)
	}
	if diff := cmp.Diff(map[string]any{"inputs": map[string]any{"env": "prod"}}, gotBody); diff != "" {
		t.Errorf("request body (-want +got):\n%s", diff)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := models.GatewayEvent{Type: models.EventTaskCompleted, TaskID: "t1", Status: models.TaskCompleted, Message: "done"}
	got := formatEvent(ev)
	if !strings.HasSuffix(got, "TaskCompleted task=t1 status=completed: done") {
		t.Errorf("formatEvent = %q", got)
	}
}
