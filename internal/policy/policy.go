// Package policy decides when a pending operation is stale, using a CEL
// expression over the operation's age and signature progress.
package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// DefaultStale expires operations untouched for a week.
const DefaultStale = `age > duration("168h")`

// Input is the activation a staleness expression is evaluated against.
type Input struct {
	Age         time.Duration // Age is the time since the last update
	Signatures  int           // Signatures is the number of distinct signers
	Threshold   int           // Threshold is the account's quorum
	PayloadSize int           // PayloadSize is the payload length in bytes
}

// Policy is a compiled staleness expression. The zero value and a policy
// compiled from an empty expression never report staleness.
type Policy struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. The expression must yield a bool.
func Compile(expr string) (*Policy, error) {
	if expr == "" {
		return &Policy{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("age", cel.DurationType),
		cel.Variable("signatures", cel.IntType),
		cel.Variable("threshold", cel.IntType),
		cel.Variable("payload_size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env:\n%w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q:\n%w", expr, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program:\n%w", err)
	}

	return &Policy{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Stale reports whether the expression holds for in.
// Evaluation errors count as not stale.
func (p *Policy) Stale(in Input) bool {
	if p == nil || p.program == nil {
		return false
	}

	out, _, err := p.program.Eval(map[string]any{
		"age":          in.Age,
		"signatures":   int64(in.Signatures),
		"threshold":    int64(in.Threshold),
		"payload_size": int64(in.PayloadSize),
	})
	if err != nil || out.Type() != types.BoolType {
		return false
	}

	stale, ok := out.Value().(bool)
	return ok && stale
}
