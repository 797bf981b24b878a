package template

import "strings"

// EvaluateCondition evaluates a step condition. Supported forms:
//
//	a == b    equality
//	a != b    inequality
//	a         presence: resolved, non-null, non-empty and not false
//	!a        negated presence
//
// Operands are variable paths (inputs.x, steps.id.output, optionally wrapped
// in {{ }}), quoted strings, or bare literals. A comparison with an
// unresolved variable is false. An empty expression is true.
func EvaluateCondition(expr string, ctx Context) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if l, r, ok := strings.Cut(expr, "=="); ok {
		lv, lok := operand(l, ctx)
		rv, rok := operand(r, ctx)
		return lok && rok && Stringify(lv) == Stringify(rv)
	}
	if l, r, ok := strings.Cut(expr, "!="); ok {
		lv, lok := operand(l, ctx)
		rv, rok := operand(r, ctx)
		return lok && rok && Stringify(lv) != Stringify(rv)
	}
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		v, ok := operand(rest, ctx)
		return !ok || !present(v)
	}
	v, ok := operand(expr, ctx)
	return ok && present(v)
}

// operand resolves one side of a condition. The boolean is false only when a
// variable reference cannot be resolved.
func operand(tok string, ctx Context) (any, bool) {
	tok = strings.TrimSpace(tok)
	if inner, ok := strings.CutPrefix(tok, "{{"); ok {
		if inner, ok = strings.CutSuffix(inner, "}}"); ok {
			v, err := Resolve(inner, ctx)
			return v, err == nil
		}
	}
	if len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0] {
		return tok[1 : len(tok)-1], true
	}
	if strings.HasPrefix(tok, "inputs.") || strings.HasPrefix(tok, "steps.") {
		v, err := Resolve(tok, ctx)
		return v, err == nil
	}
	return tok, true
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
