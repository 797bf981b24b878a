package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHunkFunctions(t *testing.T) {
	diff := `diff --git a/auth/login.go b/auth/login.go
--- a/auth/login.go
+++ b/auth/login.go
@@ -10,0 +11 @@ func (s *Server) Login(ctx context.Context, user string) error {
+	audit(user)
@@ -40 +41 @@ func hashPassword(p string) string {
-	return md5(p)
+	return sha256(p)
@@ -1 +1 @@
-package auth
+package auth // login
diff --git a/tools/sync.py b/tools/sync.py
@@ -3,2 +3,2 @@ def sync_accounts(batch):
@@ -9 +9 @@ class Syncer:
@@ -20 +20 @@ export async function fetchUser(id) {
@@ -5 +5 @@ pub fn parse<T>(input: &str) -> T {
@@ -7 +7 @@ func Map[K comparable, V any](m map[K]V) {
`
	want := []string{"Login", "Map", "fetchUser", "hashPassword", "parse", "sync_accounts"}
	if diff := cmp.Diff(want, HunkFunctions(diff)); diff != "" {
		t.Errorf("HunkFunctions (-want +got):\n%s", diff)
	}
	if got := HunkFunctions(""); len(got) != 0 {
		t.Errorf("empty diff: %v", got)
	}
}

func TestNoCommits(t *testing.T) {
	ctx := context.Background()
	if _, err := ChangedFiles(ctx, t.TempDir(), nil); !errors.Is(err, ErrNoCommits) {
		t.Errorf("ChangedFiles err = %v", err)
	}
	if _, err := ChangedFunctions(ctx, t.TempDir(), nil); !errors.Is(err, ErrNoCommits) {
		t.Errorf("ChangedFunctions err = %v", err)
	}
}

func TestRunRefusesHistoryRewrites(t *testing.T) {
	_, err := run(context.Background(), t.TempDir(), "push", "origin", "main")
	if err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("run push err = %v", err)
	}
}

// initRepo creates a repository with two commits and returns its path and
// the second commit's sha.
func initRepo(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitCmd := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_COMMITTER_DATE=2026-01-02T03:04:05Z", "GIT_AUTHOR_DATE=2026-01-02T03:04:05Z")
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}
	write := func(name, body string) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	gitCmd("init", "-q")
	write("auth/login.go", "package auth\n\nfunc Login(user string) error {\n\treturn nil\n}\n")
	write("README", "hello\n")
	gitCmd("add", ".")
	gitCmd("commit", "-q", "-m", "initial")

	write("auth/login.go", "package auth\n\nfunc Login(user string) error {\n\taudit(user)\n\treturn nil\n}\n")
	gitCmd("add", ".")
	gitCmd("commit", "-q", "-m", "audit logins")
	return dir, gitCmd("rev-parse", "HEAD")
}

func TestRepositoryLookups(t *testing.T) {
	repo, sha := initRepo(t)
	ctx := context.Background()

	files, err := ChangedFiles(ctx, repo, []string{sha})
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	if diff := cmp.Diff([]string{"auth/login.go"}, files); diff != "" {
		t.Errorf("ChangedFiles (-want +got):\n%s", diff)
	}

	funcs, err := ChangedFunctions(ctx, repo, []string{sha})
	if err != nil {
		t.Fatalf("ChangedFunctions: %v", err)
	}
	if diff := cmp.Diff([]string{"Login"}, funcs); diff != "" {
		t.Errorf("ChangedFunctions (-want +got):\n%s", diff)
	}

	at, err := CommitTime(ctx, repo, sha)
	if err != nil {
		t.Fatalf("CommitTime: %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("CommitTime = %v, want %v", at, want)
	}

	m, err := BuildMapping(ctx, repo, "inc-7", []string{sha}, want.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("BuildMapping: %v", err)
	}
	if m.IncidentID != "inc-7" || m.Latency != 2*time.Hour || len(m.ChangedFiles) != 1 {
		t.Errorf("BuildMapping = %+v", m)
	}

	if _, err := CommitTime(ctx, repo, "deadbeef"); err == nil {
		t.Error("expected error for unknown commit")
	}
}
