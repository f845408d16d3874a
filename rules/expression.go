package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// expressionCostLimit stops runaway expressions at evaluation time.
const expressionCostLimit = 1000000

type expressionConfig struct {
	Expression string `mapstructure:"expression" validate:"required"`
}

// expressionPredicate is a compiled CEL program over the cart facts.
type expressionPredicate struct {
	source  string
	program cel.Program
}

// newExpressionEnv declares the single `cart` variable expressions see.
// The facts are nested maps, so the variable is dynamically typed.
func newExpressionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("cart", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// newExpressionSchema compiles the expression while decoding, so a broken
// expression surfaces as a ConfigurationError when the rule is compiled.
func newExpressionSchema() Schema {
	typed := Typed[expressionConfig]()
	env, envErr := newExpressionEnv()
	return SchemaFunc(func(cfg Configuration) (any, error) {
		if envErr != nil {
			return nil, envErr
		}
		raw, err := typed.Decode(cfg)
		if err != nil {
			return nil, err
		}
		expr := raw.(expressionConfig).Expression

		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile error: %w", issues.Err())
		}
		out := ast.OutputType()
		if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
		}

		prog, err := env.Program(ast, cel.CostLimit(expressionCostLimit))
		if err != nil {
			return nil, fmt.Errorf("program creation error: %w", err)
		}
		return expressionPredicate{source: expr, program: prog}, nil
	})
}

// checkExpression evaluates the program. Runtime failures such as a missing
// key mean the cart lacks the data, which is a non-match. Non-boolean
// results are also treated as false.
func checkExpression(cfg any, cart *Cart) (bool, error) {
	pred, ok := cfg.(expressionPredicate)
	if !ok {
		return false, fmt.Errorf("%w: unexpected configuration type %T", ErrConfiguration, cfg)
	}
	out, _, err := pred.program.Eval(map[string]any{"cart": cart.Facts()})
	if err != nil {
		return false, nil
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}
