package engine

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

var (
	bracePattern  = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	dollarPattern = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}`)
)

// EvaluateCondition evaluates a gating expression against a read-only
// context map. Variable references written {{name}} or ${name} resolve
// against the context; bare identifiers work too. Builtin functions are
// disabled and the environment holds only data values, so expressions are
// limited to literals, variables, comparisons, and logical operators.
func EvaluateCondition(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("empty condition expression")
	}

	substituted := bracePattern.ReplaceAllString(expression, "$1")
	substituted = dollarPattern.ReplaceAllString(substituted, "$1")

	if env == nil {
		env = map[string]any{}
	}
	program, err := expr.Compile(substituted,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.AsBool(),
	)
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", expression, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expression, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", expression)
	}
	return result, nil
}
