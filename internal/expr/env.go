package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var errNotReady = errors.New("expr: check not compiled")

// Environment compiles namespace schema checks. A check sees the decoded
// candidate as value, the undecoded payload as raw, plus key, namespace and
// origin.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("raw", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("namespace", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Function("lookup",
			cel.Overload("lookup_dyn_string",
				[]*cel.Type{cel.DynType, cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupPath),
			),
		),
		cel.Function("present",
			cel.Overload("present_dyn_string",
				[]*cel.Type{cel.DynType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(doc, path ref.Val) ref.Val {
					return types.Bool(lookupPath(doc, path) != types.NullValue)
				}),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Input is one candidate value presented to a check.
type Input struct {
	Key       string
	Namespace string
	Origin    string
	Raw       []byte
	// Value is Raw decoded as JSON.
	Value any
}

func (in Input) activation() map[string]any {
	return map[string]any{
		"value":     in.Value,
		"raw":       string(in.Raw),
		"key":       in.Key,
		"namespace": in.Namespace,
		"origin":    in.Origin,
	}
}

// Check is a compiled boolean schema expression.
type Check struct {
	source  string
	program cel.Program
}

// Compile accepts only expressions that can yield a bool.
func (e *Environment) Compile(expression string) (Check, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Check{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Check{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Check{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Check{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Check{source: src, program: program}, nil
}

// Source returns the trimmed expression.
func (c Check) Source() string { return c.source }

// Evaluate runs the check. A dyn expression that yields anything but a bool
// is an error, not a rejection.
func (c Check) Evaluate(in Input) (bool, error) {
	if c.program == nil {
		return false, errNotReady
	}
	val, _, err := c.program.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", c.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, want bool", c.source, val.Type().TypeName())
}

// lookupPath walks a dotted path through nested maps and yields null when any
// segment is missing.
func lookupPath(doc ref.Val, path ref.Val) ref.Val {
	p, ok := path.(types.String)
	if !ok {
		return types.NewErr("expr: lookup path must be a string")
	}
	cur := doc
	for _, segment := range strings.Split(string(p), ".") {
		mapper, ok := cur.(traits.Mapper)
		if !ok {
			return types.NullValue
		}
		next, found := mapper.Find(types.String(segment))
		if !found || next == nil {
			return types.NullValue
		}
		cur = next
	}
	return cur
}
