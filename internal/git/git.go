// Package git reads commit history for incident mappings: which files and
// functions a set of commits touched, and when they landed.
package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/internal/sandbox"
)

// ErrNoCommits is returned when a lookup is given no commits.
var ErrNoCommits = errors.New("at least one commit required")

// run executes git in dir and returns stdout. Commands that rewrite history
// or touch remotes are refused.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	if sandbox.BlockedGitCommand(args) {
		return "", fmt.Errorf("git %s: command not allowed", strings.Join(args, " "))
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// ChangedFiles returns the distinct paths touched by commits, sorted.
func ChangedFiles(ctx context.Context, repo string, commits []string) ([]string, error) {
	if len(commits) == 0 {
		return nil, ErrNoCommits
	}
	seen := map[string]bool{}
	for _, c := range commits {
		out, err := run(ctx, repo, "show", "--name-only", "--pretty=format:", c)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				seen[line] = true
			}
		}
	}
	return sortedKeys(seen), nil
}

// ChangedFunctions returns the distinct function names whose bodies commits
// touched, taken from the enclosing-function context of each diff hunk.
func ChangedFunctions(ctx context.Context, repo string, commits []string) ([]string, error) {
	if len(commits) == 0 {
		return nil, ErrNoCommits
	}
	seen := map[string]bool{}
	for _, c := range commits {
		out, err := run(ctx, repo, "show", "-U0", "--pretty=format:", c)
		if err != nil {
			return nil, err
		}
		for _, fn := range HunkFunctions(out) {
			seen[fn] = true
		}
	}
	return sortedKeys(seen), nil
}

// CommitTime returns the committer time of commit.
func CommitTime(ctx context.Context, repo, commit string) (time.Time, error) {
	out, err := run(ctx, repo, "show", "-s", "--format=%ct", commit)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", strings.TrimSpace(out), err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// BuildMapping assembles an incident mapping from commits. Latency is the
// time from the newest commit to detectedAt; it is zero when detectedAt is
// zero or earlier than the commit.
func BuildMapping(ctx context.Context, repo, incidentID string, commits []string, detectedAt time.Time) (learning.IncidentCodeMapping, error) {
	m := learning.IncidentCodeMapping{IncidentID: incidentID, Commits: commits, RecordedAt: time.Now().UTC()}
	var err error
	if m.ChangedFiles, err = ChangedFiles(ctx, repo, commits); err != nil {
		return m, err
	}
	if m.ChangedFunctions, err = ChangedFunctions(ctx, repo, commits); err != nil {
		return m, err
	}
	if detectedAt.IsZero() {
		return m, nil
	}
	var newest time.Time
	for _, c := range commits {
		t, err := CommitTime(ctx, repo, c)
		if err != nil {
			return m, err
		}
		if t.After(newest) {
			newest = t
		}
	}
	if d := detectedAt.Sub(newest); d > 0 {
		m.Latency = d
	}
	return m, nil
}

var funcPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bfunc\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)\s*[\[(]`), // Go
	regexp.MustCompile(`\bdef\s+([A-Za-z_]\w*)\s*\(`),                      // Python, Ruby
	regexp.MustCompile(`\bfunction\s+([A-Za-z_$][\w$]*)\s*\(`),             // JavaScript
	regexp.MustCompile(`\bfn\s+([A-Za-z_]\w*)\s*[<(]`),                     // Rust
}

// HunkFunctions extracts function names from the context text git prints
// after each "@@ ... @@" hunk header in a unified diff.
func HunkFunctions(diff string) []string {
	seen := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "@@") {
			continue
		}
		end := strings.Index(line[2:], "@@")
		if end < 0 {
			continue
		}
		ctxText := line[2+end+2:]
		for _, re := range funcPatterns {
			if m := re.FindStringSubmatch(ctxText); m != nil {
				seen[m[1]] = true
				break
			}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
