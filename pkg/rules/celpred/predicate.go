package celpred

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Predicate is a compiled boolean expression over one receipt,
// presented to the expression as the `receipt` map variable.
type Predicate struct {
	source  string
	program cel.Program
}

// Compile validates and compiles the expression. The result type must
// be boolean.
func Compile(source string) (*Predicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("receipt", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("celpred: env: %w", err)
	}

	validation, err := Validate(env, source)
	if err != nil {
		return nil, &contracts.ValidationError{Field: "expression", Msg: err.Error()}
	}
	if !validation.Valid {
		msgs := make([]string, 0, len(validation.Issues))
		for _, issue := range validation.Issues {
			msgs = append(msgs, issue.Message)
		}
		return nil, &contracts.ValidationError{Field: "expression", Msg: strings.Join(msgs, "; ")}
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, &contracts.ValidationError{Field: "expression", Msg: issues.Err().Error()}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, &contracts.ValidationError{Field: "expression", Msg: fmt.Sprintf("predicate must be boolean, got %s", ast.OutputType())}
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("celpred: program: %w", err)
	}
	return &Predicate{source: source, program: program}, nil
}

// Source returns the original expression text.
func (p *Predicate) Source() string { return p.source }

// Eval applies the predicate to one receipt view.
func (p *Predicate) Eval(receipt map[string]any) (bool, error) {
	val, _, err := p.program.Eval(map[string]any{"receipt": receipt})
	if err != nil {
		return false, fmt.Errorf("celpred: eval: %w", err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celpred: non-boolean result %T", val.Value())
	}
	return b, nil
}
