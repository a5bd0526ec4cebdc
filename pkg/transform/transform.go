// Package transform evaluates the canonicaliser's mapping DSL (§4.2)
// against a raw webhook payload.
//
// The DSL is the same shape the original mapper.py called into JSONata
// for: literal object/array construction, dotted field-path references,
// ternary conditional chains, and a handful of scalar helper functions
// (enough to turn a Unix-seconds timestamp into ISO-8601 and pull fields
// out of nested structures). That grammar maps directly onto
// github.com/expr-lang/expr, so the expression text a mapping stores is
// valid expr syntax rather than a bespoke parser: "x == \"a\" ? \"p\" :
// x == \"b\" ? \"q\" : \"r\"" instead of the spec's "x = \"a\" ? ...".
package transform

import (
	"fmt"
	"strconv"
	"time"

	"github.com/expr-lang/expr"

	"github.com/langhook-io/langhook/pkg/canonical"
)

// buildEnv exposes the payload's top-level fields as expression variables
// alongside the scalar helper functions a mapping may call.
func buildEnv(payload map[string]any) map[string]any {
	env := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		env[k] = v
	}
	env["unixToISO8601"] = unixToISO8601
	env["toString"] = toString
	env["toNumber"] = toNumber
	env["lower"] = func(s string) string { return stringsLower(s) }
	return env
}

func unixToISO8601(sec float64) string {
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("toNumber: %q is not numeric", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("toNumber: cannot convert %T", v)
	}
}

func stringsLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Apply compiles and evaluates a transform expression against a raw,
// already-JSON-decoded payload, returning the tagged-variant result.
// Compilation happens on every call: mappings are cached by fingerprint
// upstream (pkg/mapping), not here, and expr.Compile is cheap relative to
// the network round trip that produced the payload.
func Apply(expression string, payload map[string]any) (canonical.Value, error) {
	if expression == "" {
		return canonical.Undefined, fmt.Errorf("transform: empty expression")
	}
	env := buildEnv(payload)
	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return canonical.Undefined, fmt.Errorf("transform: compile: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return canonical.Undefined, fmt.Errorf("transform: evaluate: %w", err)
	}
	return canonical.FromAny(out), nil
}

// Validate compiles an expression without evaluating it, used when a
// mapping is synthesised or edited so a syntax error surfaces immediately
// instead of on the next matching webhook.
func Validate(expression string) error {
	_, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("transform: invalid expression: %w", err)
	}
	return nil
}
