// Package celpred compiles operator-supplied CEL predicate expressions
// into receipt predicates for custom rules. Expressions are validated
// before compilation: constructs that would make a rule
// non-deterministic across evaluations are rejected outright.
package celpred

import (
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Issue is one validation finding for an expression.
type Issue struct {
	Message string
}

// ValidationResult reports whether an expression is admissible.
type ValidationResult struct {
	Valid  bool
	Issues []Issue
}

// Validate parses the expression and walks its AST for forbidden
// constructs: floating-point literals (round-off varies by platform),
// now() (wall-clock), and map iteration (order is undefined).
func Validate(env *cel.Env, source string) (*ValidationResult, error) {
	parsed, issues := env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	result := &ValidationResult{Valid: true}
	expr := parsed.Expr() //nolint:staticcheck // no non-proto AST walk is available yet
	walk(expr, &result.Issues)
	if len(result.Issues) > 0 {
		result.Valid = false
	}
	return result, nil
}

func walk(e *exprpb.Expr, issues *[]Issue) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, Issue{Message: "floating point literals are forbidden"})
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*issues = append(*issues, Issue{Message: "now() is forbidden; rules see the block timestamp"})
		case "keys", "values":
			*issues = append(*issues, Issue{Message: "map iteration (keys/values) is forbidden; ordering is non-deterministic"})
		}
		if call.Target != nil {
			walk(call.Target, issues)
		}
		for _, arg := range call.Args {
			walk(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walk(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walk(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walk(entry.GetMapKey(), issues)
			}
			walk(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walk(comp.IterRange, issues)
		walk(comp.AccuInit, issues)
		walk(comp.LoopCondition, issues)
		walk(comp.LoopStep, issues)
		walk(comp.Result, issues)
	}
}
