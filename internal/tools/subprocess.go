package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ankittk/aide/internal/sandbox"
)

// Subprocess runs an executable tool: stdin = params JSON, stdout = NDJSON.
// A {"type":"output","output":...} line sets the result; other typed lines are
// emitted as events; non-JSON lines accumulate into a text result used when no
// output line arrives. If SandboxHome is set (and bubblewrap is available on
// Linux), the process runs inside a minimal bwrap sandbox with only SandboxDir
// writable.
type Subprocess struct {
	ToolName    string
	Command     string
	Args        []string
	Timeout     time.Duration // 0 = use context only
	SandboxHome string
	SandboxDir  string
}

func (s Subprocess) Name() string { return s.ToolName }

type outputLine struct {
	Type   string          `json:"type"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
	Data   map[string]any  `json:"data"`
}

func (s Subprocess) Run(ctx context.Context, params map[string]any, emit func(Event)) (any, error) {
	if s.Command == "" {
		return nil, errors.New("subprocess command is required")
	}
	if line, ok := params["command"].(string); ok && sandbox.BlockedShellCommand(line) {
		return nil, fmt.Errorf("%w: %q", ErrBlocked, line)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if s.SandboxHome != "" {
		cmd = sandbox.WrapCommand(ctx, s.SandboxHome, s.SandboxDir, s.Command, s.Args)
	} else {
		cmd = exec.CommandContext(ctx, s.Command, s.Args...)
	}
	if params == nil {
		params = map[string]any{}
	}
	reqJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	// Wait closes pw, so the scan below ends even if a grandchild keeps the
	// original stdout open past cancellation.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	waitDone := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitDone <- err
	}()

	var (
		text    strings.Builder
		result  any
		haveOut bool
		toolErr string
		decErr  error
	)
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ol outputLine
		if err := json.Unmarshal([]byte(line), &ol); err != nil || ol.Type == "" {
			text.WriteString(line)
			text.WriteString("\n")
			continue
		}
		switch ol.Type {
		case "output":
			var v any
			if len(ol.Output) > 0 {
				if err := json.Unmarshal(ol.Output, &v); err != nil && decErr == nil {
					decErr = fmt.Errorf("tool %s: decode output: %w", s.ToolName, err)
				}
			}
			result, haveOut = v, true
		case "error":
			toolErr = ol.Error
		default:
			emit(Event{Type: ol.Type, Tool: s.ToolName, Data: ol.Data})
		}
	}
	scanErr := sc.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, pr)
	}
	waitErr := <-waitDone
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if decErr != nil {
		return nil, decErr
	}
	if toolErr != "" {
		return nil, fmt.Errorf("tool %s: %s", s.ToolName, toolErr)
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(text.String())
		}
		slog.Warn("tool subprocess exited with error", "tool", s.ToolName, "err", waitErr)
		return nil, fmt.Errorf("tool %s: %w: %s", s.ToolName, waitErr, msg)
	}
	if haveOut {
		return result, nil
	}
	return strings.TrimSpace(text.String()), nil
}
