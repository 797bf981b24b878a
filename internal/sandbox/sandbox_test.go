package sandbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBwrapArgs_workDirUnderHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	work := filepath.Join(home, "tools", "work")
	got := BwrapArgs(home, work, "/bin/tool", []string{"-v"})

	wantPrefix := []string{"--ro-bind", home, home, "--bind", work, work}
	if diff := cmp.Diff(wantPrefix, got[:6]); diff != "" {
		t.Errorf("bind prefix (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"--", "/bin/tool", "-v"}, got[len(got)-3:]); diff != "" {
		t.Errorf("command suffix (-want +got):\n%s", diff)
	}
}

func TestBwrapArgs_workDirOutsideHome(t *testing.T) {
	base := t.TempDir()
	home := filepath.Join(base, "home")
	got := BwrapArgs(home, filepath.Join(base, "elsewhere"), "/bin/tool", nil)
	if diff := cmp.Diff([]string{"--bind", home, home}, got[:3]); diff != "" {
		t.Errorf("outside work dir should bind home rw (-want +got):\n%s", diff)
	}
}

func TestWrapCommand_noHome(t *testing.T) {
	cmd := WrapCommand(context.Background(), "", "", "/bin/echo", []string{"hi"})
	if cmd.Path != "/bin/echo" {
		t.Errorf("Path = %q, want /bin/echo", cmd.Path)
	}
	if diff := cmp.Diff([]string{"/bin/echo", "hi"}, cmd.Args); diff != "" {
		t.Errorf("Args (-want +got):\n%s", diff)
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a", false},
		{"/a/b", "", false},
	}
	for _, tt := range tests {
		if got := within(tt.root, tt.path); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}
