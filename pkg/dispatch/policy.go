package dispatch

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/plinthworks/plinth/pkg/identity"
)

// Policy decides what an all-neutral vote resolves to. The expression is
// CEL over a single `identity` variable and must yield a bool, e.g.
//
//	"editor" in identity.roles || identity.subject == "root"
//
// Compilation happens once at construction; evaluation is per decision.
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles the expression.
func NewPolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("dispatch: compile policy %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("dispatch: policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dispatch: program policy %q: %w", expr, err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// Allow evaluates the policy for the given subject.
func (p *Policy) Allow(id *identity.Identity) (bool, error) {
	if id == nil {
		id = identity.Anonymous
	}
	out, _, err := p.prg.Eval(map[string]any{
		"identity": map[string]any{
			"subject":     id.Subject,
			"roles":       id.Roles,
			"permissions": id.Permissions,
		},
	})
	if err != nil {
		return false, fmt.Errorf("dispatch: eval policy %q: %w", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dispatch: policy %q yielded %T, want bool", p.expr, out.Value())
	}
	return allowed, nil
}

func (p *Policy) String() string { return p.expr }
