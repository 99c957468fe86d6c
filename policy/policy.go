// Package policy decides which plugins a host is willing to load, using CEL
// expressions evaluated against a plugin's descriptor.
//
// The expression sees these variables:
//
//	name       string               registered plugin name
//	interface  string               declared interface identifier
//	origin     string               "static" or the library path
//	provides   list(string)         alias names
//	depends    list(string)         dependency names
//	data       map(string, string)  free-form metadata
//
// Example:
//
//	p, err := policy.Compile(`!(name in ["Snail"]) && origin.startsWith("/opt/plugins")`)
//	m, err := animal.NewManager(plugin.WithPolicy(p))
package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/plugin"
)

// Policy is a compiled CEL load policy. It is safe for concurrent use.
type Policy struct {
	expr    string
	program cel.Program
}

var _ plugin.Policy = (*Policy)(nil)

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("interface", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("provides", cel.ListType(cel.StringType)),
		cel.Variable("depends", cel.ListType(cel.StringType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// Compile parses and type-checks expr. The expression must evaluate to a bool.
func Compile(expr string) (*Policy, error) {
	if expr == "" {
		return nil, pluginhost.NewValidationError("policy.Compile", fmt.Errorf("policy expression is empty"))
	}

	env, err := newEnv()
	if err != nil {
		return nil, pluginhost.NewInternalError("policy.Compile", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, pluginhost.NewValidationError("policy.Compile", iss.Err()).
			WithContext(map[string]any{"expression": expr})
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, pluginhost.NewValidationError("policy.Compile",
			fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())).
			WithContext(map[string]any{"expression": expr})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, pluginhost.NewValidationError("policy.Compile", err).
			WithContext(map[string]any{"expression": expr})
	}

	return &Policy{expr: expr, program: prg}, nil
}

// String returns the source expression.
func (p *Policy) String() string {
	return p.expr
}

// Allow evaluates the policy for d. A false result or an evaluation error
// denies the load with pluginhost.ErrPolicyDenied.
func (p *Policy) Allow(ctx context.Context, d plugin.Descriptor) error {
	data := d.Metadata.Data
	if data == nil {
		data = map[string]string{}
	}
	provides := d.Metadata.Provides
	if provides == nil {
		provides = []string{}
	}
	depends := d.Metadata.Depends
	if depends == nil {
		depends = []string{}
	}

	out, _, err := p.program.ContextEval(ctx, map[string]any{
		"name":      d.Name,
		"interface": d.Interface,
		"origin":    d.Origin,
		"provides":  provides,
		"depends":   depends,
		"data":      data,
	})
	if err != nil {
		return fmt.Errorf("%w: evaluating %q: %v", pluginhost.ErrPolicyDenied, p.expr, err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return fmt.Errorf("%w: policy %q returned %T", pluginhost.ErrPolicyDenied, p.expr, out.Value())
	}
	if !allowed {
		return fmt.Errorf("%w: %q rejected plugin %q", pluginhost.ErrPolicyDenied, p.expr, d.Name)
	}
	return nil
}
