package celengine

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Variables exposed to touchpoint expressions.
const (
	VarProperties = "properties"
	VarType       = "event_type"
	VarSource     = "source"
)

// NewTouchpointEnv declares the variables available to classification rules:
// the event's property bag, its type and its metadata source.
func NewTouchpointEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(VarProperties, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarType, cel.StringType),
		cel.Variable(VarSource, cel.StringType),
	)
}

func ValidateExpression(env *cel.Env, expr string) error {
	_, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	return nil
}

// Compile parses and checks expr once so it can be evaluated per event.
func Compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast)
}

func EvaluateBool(prg cel.Program, attrs map[string]interface{}) (bool, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}

// Evaluate compiles and runs expr in one step.
func Evaluate(env *cel.Env, expr string, attrs map[string]interface{}) (bool, error) {
	prg, err := Compile(env, expr)
	if err != nil {
		return false, err
	}
	return EvaluateBool(prg, attrs)
}
