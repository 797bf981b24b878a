package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Builtins returns the in-process tools: echo, noop, sleep and fail.
func Builtins() []Tool {
	return []Tool{echoTool{}, noopTool{}, sleepTool{}, failTool{}}
}

// echoTool returns params.text when present, else params.
type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Run(_ context.Context, params map[string]any, _ func(Event)) (any, error) {
	if text, ok := params["text"]; ok {
		return text, nil
	}
	if params == nil {
		return map[string]any{}, nil
	}
	return params, nil
}

type noopTool struct{}

func (noopTool) Name() string { return "noop" }

func (noopTool) Run(context.Context, map[string]any, func(Event)) (any, error) {
	return nil, nil
}

// sleepTool waits params.duration_ms milliseconds or until ctx is done.
type sleepTool struct{}

func (sleepTool) Name() string { return "sleep" }

func (sleepTool) Run(ctx context.Context, params map[string]any, emit func(Event)) (any, error) {
	ms, err := intParam(params, "duration_ms")
	if err != nil {
		return nil, err
	}
	d := time.Duration(ms) * time.Millisecond
	emit(Event{Type: "sleeping", Data: map[string]any{"duration_ms": ms}})
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return map[string]any{"slept_ms": ms}, nil
	}
}

// failTool always errors with params.message or a fixed text.
type failTool struct{}

func (failTool) Name() string { return "fail" }

func (failTool) Run(_ context.Context, params map[string]any, _ func(Event)) (any, error) {
	if msg, ok := params["message"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}
	return nil, errors.New("tool failed")
}

func intParam(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("%s must be non-negative", key)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
