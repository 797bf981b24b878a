package daemon

import (
	"path/filepath"
)

func runDir(home string) string {
	return filepath.Join(home, "run")
}

func pidPath(home string) string {
	return filepath.Join(runDir(home), "daemon.pid")
}

func lockPath(home string) string {
	return filepath.Join(runDir(home), "daemon.lock")
}

func addrPath(home string) string {
	return filepath.Join(runDir(home), "daemon.addr")
}

// LogPath is where a background daemon writes its log.
func LogPath(home string) string {
	return filepath.Join(runDir(home), "daemon.log")
}
