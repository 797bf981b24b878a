// Package template renders {{ inputs.NAME }} and {{ steps.ID.output }} expressions
// inside untyped parameter trees and evaluates step conditions.
//
// Rendering is pure: no IO, no mutation of the input tree.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrUnresolved is returned by Render when an expression names a variable that
// is not present in the context.
var ErrUnresolved = errors.New("unresolved template variable")

// Context is the variable scope: workflow inputs plus outputs of steps that
// already ran, keyed by step id.
type Context struct {
	Inputs map[string]any
	Steps  map[string]any
}

var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Render substitutes expressions recursively through strings, array elements
// and map values. A string that is exactly one expression becomes the
// referenced value with its type preserved; expressions embedded in longer
// text are stringified. Non-string scalars are returned unchanged.
func Render(value any, ctx Context) (any, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, ctx)
	case []any:
		if v == nil {
			return v, nil
		}
		out := make([]any, len(v))
		for i, el := range v {
			r, err := Render(el, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		if v == nil {
			return v, nil
		}
		out := make(map[string]any, len(v))
		for k, el := range v {
			r, err := Render(el, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderString renders s and stringifies the result.
func RenderString(s string, ctx Context) (string, error) {
	v, err := renderString(s, ctx)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func renderString(s string, ctx Context) (any, error) {
	locs := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s, nil
	}
	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		return Resolve(s[locs[0][2]:locs[0][3]], ctx)
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(s[last:loc[0]])
		v, err := Resolve(s[loc[2]:loc[3]], ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(v))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Resolve looks up a dotted variable path such as "inputs.name" or
// "steps.fetch.output.items.0".
func Resolve(path string, ctx Context) (any, error) {
	path = strings.TrimSpace(path)
	parts := strings.Split(path, ".")
	var (
		cur  any
		rest []string
		ok   bool
	)
	switch {
	case len(parts) >= 2 && parts[0] == "inputs":
		cur, ok = ctx.Inputs[parts[1]]
		rest = parts[2:]
	case len(parts) >= 3 && parts[0] == "steps" && parts[2] == "output":
		cur, ok = ctx.Steps[parts[1]]
		rest = parts[3:]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, path)
	}
	for _, key := range rest {
		cur, ok = descend(cur, key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, path)
		}
	}
	return cur, nil
}

func descend(v any, key string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		next, ok := t[key]
		return next, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	}
	return nil, false
}

// Stringify formats a resolved value for embedding in text: strings verbatim,
// nil as empty, everything else as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Variables returns the sorted, de-duplicated variable paths referenced by
// expressions anywhere in value.
func Variables(value any) []string {
	seen := map[string]struct{}{}
	collect(value, seen)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collect(value any, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, m := range exprPattern.FindAllStringSubmatch(v, -1) {
			seen[strings.TrimSpace(m[1])] = struct{}{}
		}
	case []any:
		for _, el := range v {
			collect(el, seen)
		}
	case map[string]any:
		for _, el := range v {
			collect(el, seen)
		}
	}
}
