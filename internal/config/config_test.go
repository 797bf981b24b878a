package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ankittk/aide/internal/autoreply"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/aide")
	if got := MustHomeFrom(ctx); got != "/aide" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("AIDE_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("AIDE_HOME", "")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if filepath.Base(got) != ".aide" {
		t.Fatalf("ResolveHome default: got %q", got)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 3548 || cfg.Gateway.MaxConnections != 64 || cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("gateway defaults = %+v", cfg.Gateway)
	}
	if cfg.AutoReply.MaxRepliesPerHour != 20 || cfg.AutoReply.DefaultMode != "auto_with_approval" {
		t.Errorf("auto_reply defaults = %+v", cfg.AutoReply)
	}
	if cfg.Detection.BufferSize != 10000 || !cfg.Detection.WatchRules {
		t.Errorf("detection defaults = %+v", cfg.Detection)
	}
	if cfg.Store.Driver != "sqlite" || !cfg.Otel.Enabled {
		t.Errorf("store/otel defaults = %+v %+v", cfg.Store, cfg.Otel)
	}
	if got := cfg.RulesPath(); got != filepath.Join(home, "rules.yaml") {
		t.Errorf("RulesPath = %q", got)
	}
	if got := cfg.SQLitePath(); got != filepath.Join(home, "aide.db") {
		t.Errorf("SQLitePath = %q", got)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	home := t.TempDir()
	content := `
gateway:
  port: 4000
  auth_tokens: [alpha, beta]
auto_reply:
  max_replies_per_hour: 5
  channels:
    email: {mode: draft_only}
    slack: {webhook_url: "https://hooks.example/slack"}
workflows:
  dir: /srv/workflows
  default: triage
`
	if err := os.WriteFile(File(home), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AIDE_GATEWAY_MAX_CONNECTIONS", "2")
	t.Setenv("AIDE_DETECTION_BUFFER_SIZE", "50")

	cfg, err := Load(home, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 4000 || cfg.Gateway.MaxConnections != 2 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, cfg.Gateway.AuthTokens); diff != "" {
		t.Errorf("auth tokens (-want +got):\n%s", diff)
	}
	if cfg.Detection.BufferSize != 50 {
		t.Errorf("buffer size = %d", cfg.Detection.BufferSize)
	}
	wantModes := map[string]autoreply.Mode{"email": autoreply.ModeDraftOnly, "slack": autoreply.ModeAutoWithApproval}
	if diff := cmp.Diff(wantModes, cfg.ChannelModes()); diff != "" {
		t.Errorf("channel modes (-want +got):\n%s", diff)
	}
	if cfg.WorkflowsDir() != "/srv/workflows" || cfg.StateDir() != filepath.Join(home, "runs") {
		t.Errorf("dirs = %q %q", cfg.WorkflowsDir(), cfg.StateDir())
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestLoad_ValidationProblems(t *testing.T) {
	home := t.TempDir()
	content := `
gateway: {port: 0, max_connections: 0}
auto_reply:
  default_mode: yolo
  channels:
    email: {mode: sometimes}
store: {driver: postgres}
`
	if err := os.WriteFile(File(home), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(home, "")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{"gateway.port", "gateway.max_connections", "auto_reply.default_mode", "auto_reply.channels.email.mode", "store.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg := Default(home)
	cfg.Gateway.AuthTokens = []string{"tok"}
	cfg.AutoReply.Channels["email"] = ChannelConfig{Mode: "full_auto"}
	if err := cfg.Write(File(home)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(home, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}
