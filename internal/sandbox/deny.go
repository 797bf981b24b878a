package sandbox

import (
	"slices"
	"strings"
)

// shellDenyPatterns are lowercase substrings a subprocess tool's command
// line may not contain.
var shellDenyPatterns = []string{
	"sqlite3",
	"drop table",
	"delete from",
	"rm -rf /",
	"rm -rf .git",
	"chmod 777",
	"| sh",
	"| bash",
	"|sh",
	"|bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	"dd if=",
	"shutdown ",
	":(){ :|:& };:",
}

// readOnlyGit is every git subcommand incident mapping and workflow tools may
// run. Anything that writes refs, the index or the working tree is refused.
var readOnlyGit = []string{
	"blame",
	"cat-file",
	"diff",
	"log",
	"ls-files",
	"rev-list",
	"rev-parse",
	"show",
	"status",
}

// BlockedShellCommand reports whether cmdLine contains a denied pattern or
// invokes git with a subcommand outside the read-only set. Matching ignores
// case and runs of whitespace.
func BlockedShellCommand(cmdLine string) bool {
	fields := strings.Fields(strings.ToLower(cmdLine))
	lower := strings.Join(fields, " ")
	for _, p := range shellDenyPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for i, f := range fields {
		if f == "git" && BlockedGitCommand(fields[i+1:]) {
			return true
		}
	}
	return false
}

// BlockedGitCommand reports whether git args (argv after "git") name a
// subcommand outside the read-only set. Leading options such as -C DIR are
// skipped. An empty argv is allowed.
func BlockedGitCommand(args []string) bool {
	for i := 0; i < len(args); i++ {
		a := strings.ToLower(args[i])
		switch {
		case a == "-c" || a == "--git-dir" || a == "--work-tree":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return !slices.Contains(readOnlyGit, a)
		}
	}
	return false
}
