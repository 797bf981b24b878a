// Package sandbox runs tool subprocesses under bubblewrap and screens tool
// command lines against deny lists.
package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
)

// WrapCommand returns an *exec.Cmd that runs binary with args. If home is non-empty and
// bubblewrap (bwrap) is available on Linux, the command runs inside a minimal bubblewrap
// sandbox. If workDir is non-empty and under home, only workDir is writable and home is
// read-only, so config and the audit database under home cannot be written. Otherwise the
// whole home is writable.
func WrapCommand(ctx context.Context, home, workDir, binary string, args []string) *exec.Cmd {
	if home == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	return exec.CommandContext(ctx, bwrap, BwrapArgs(absHome, workDir, binary, args)...)
}

// BwrapArgs builds the bubblewrap argument list for WrapCommand.
func BwrapArgs(absHome, workDir, binary string, args []string) []string {
	bind := []string{"--bind", absHome, absHome}
	if workDir != "" {
		absWork, _ := filepath.Abs(workDir)
		if within(absHome, absWork) {
			bind = []string{"--ro-bind", absHome, absHome, "--bind", absWork, absWork}
		}
	}
	out := append(bind,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--", binary,
	)
	return append(out, args...)
}

func within(root, path string) bool {
	if path == "" {
		return false
	}
	return path == root || (len(path) > len(root) && path[:len(root)] == root && path[len(root)] == filepath.Separator)
}
