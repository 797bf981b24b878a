// Package tools provides the workflow executor's ToolExecutor: built-in tools
// plus executables under <home>/tools run as subprocesses.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrBlocked     = errors.New("command blocked by deny list")
)

// Event is a progress record emitted by a tool while it runs.
type Event struct {
	Type      string         `json:"type"`
	Tool      string         `json:"tool,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Tool is one invocable tool.
type Tool interface {
	Name() string
	Run(ctx context.Context, params map[string]any, emit func(Event)) (any, error)
}

// Registry resolves tool names to built-ins first, then to executables in Dir.
type Registry struct {
	// Dir holds subprocess tools; empty disables them.
	Dir string
	// SandboxHome, when set, runs subprocess tools under bubblewrap with only
	// Dir writable.
	SandboxHome string
	Timeout     time.Duration
	// OnEvent receives tool events; nil drops them.
	OnEvent func(Event)

	mu       sync.RWMutex
	builtins map[string]Tool
}

// NewRegistry returns a registry with the built-in tools registered.
func NewRegistry(dir string) *Registry {
	r := &Registry{Dir: dir, builtins: make(map[string]Tool)}
	for _, t := range Builtins() {
		r.builtins[t.Name()] = t
	}
	return r
}

// Register adds or replaces an in-process tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.builtins[t.Name()] = t
	r.mu.Unlock()
}

// Names lists built-in and subprocess tool names, sorted.
func (r *Registry) Names() []string {
	seen := map[string]bool{}
	r.mu.RLock()
	for n := range r.builtins {
		seen[n] = true
	}
	r.mu.RUnlock()
	if r.Dir != "" {
		entries, _ := os.ReadDir(r.Dir)
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if info, err := e.Info(); err == nil && info.Mode()&0o111 != 0 {
				seen[e.Name()] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves name to a tool.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.builtins[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	if r.Dir == "" || name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	path := filepath.Join(r.Dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	sub := Subprocess{ToolName: name, Command: path, Timeout: r.Timeout}
	if r.SandboxHome != "" {
		sub.SandboxHome = r.SandboxHome
		sub.SandboxDir = r.Dir
	}
	return sub, nil
}

// Execute implements workflow.ToolExecutor.
func (r *Registry) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	t, err := r.Lookup(tool)
	if err != nil {
		return nil, err
	}
	emit := func(ev Event) {
		if ev.Tool == "" {
			ev.Tool = tool
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if r.OnEvent != nil {
			r.OnEvent(ev)
		}
	}
	return t.Run(ctx, params, emit)
}
