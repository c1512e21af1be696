package filter

import (
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	functions "github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELOption configures the CEL evaluator.
type CELOption func(*celEvaluator)

// CELWithProgramCache shares compiled programs across rules.
func CELWithProgramCache(cache ProgramCache) CELOption {
	return func(e *celEvaluator) {
		e.cache = cache
	}
}

// CELWithFunctionRegistry exposes helpers through call(name, args...).
func CELWithFunctionRegistry(registry *FunctionRegistry) CELOption {
	return func(e *celEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

type celEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// NewCELEvaluator constructs an Evaluator backed by cel-go. Programs are
// checked per field set, so the cache key includes the field names.
func NewCELEvaluator(opts ...CELOption) Evaluator {
	e := &celEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *celEvaluator) Evaluate(in Input, expression string) (any, error) {
	if expression == "" {
		return nil, emptyExpressionError("cel")
	}
	in = in.withDefaults()
	program, err := e.loadOrCompile(expression, in.Fields)
	if err != nil {
		return nil, evaluateError("cel", expression, in, err)
	}
	out, _, err := program.Eval(e.activation(in))
	if err != nil {
		return nil, evaluateError("cel", expression, in, err)
	}
	return out.Value(), nil
}

// Compile parses expression up front; type checking waits for the first
// input since field variables are declared from it.
func (e *celEvaluator) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, emptyExpressionError("cel")
	}
	env, err := e.buildEnv(nil)
	if err != nil {
		return nil, compileError("cel", expression, err)
	}
	if _, issues := env.Parse(expression); issues != nil && issues.Err() != nil {
		return nil, compileError("cel", expression, issues.Err())
	}
	return &celProgram{evaluator: e, expression: expression}, nil
}

func (e *celEvaluator) loadOrCompile(expression string, fields map[string]any) (celgo.Program, error) {
	key := cacheKey(expression, fields)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(celgo.Program); ok {
				return program, nil
			}
		}
	}

	env, err := e.buildEnv(fields)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(key, program)
	}
	return program, nil
}

func (e *celEvaluator) buildEnv(fields map[string]any) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("kind", celgo.StringType),
		celgo.Variable("fields", celgo.DynType),
		celgo.Variable("metadata", celgo.DynType),
	}
	if e.registry != nil {
		opts = append(opts, celgo.Function("call",
			celgo.Overload("call_dyn",
				[]*celgo.Type{celgo.StringType},
				celgo.DynType,
				celgo.FunctionBinding(e.callBinding()),
			),
			celgo.Overload("call_dyn_dyn",
				[]*celgo.Type{celgo.StringType, celgo.DynType},
				celgo.DynType,
				celgo.FunctionBinding(e.callBinding()),
			),
			celgo.Overload("call_dyn_dyn_dyn",
				[]*celgo.Type{celgo.StringType, celgo.DynType, celgo.DynType},
				celgo.DynType,
				celgo.FunctionBinding(e.callBinding()),
			),
		))
	}
	for key := range fields {
		if reservedBinding(key) {
			continue
		}
		opts = append(opts, celgo.Variable(key, celgo.DynType))
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) activation(in Input) map[string]any {
	return in.bindings()
}

func (e *celEvaluator) callBinding() functions.FunctionOp {
	return func(values ...ref.Val) ref.Val {
		if len(values) == 0 {
			return types.NewErr("filter: call requires function name")
		}
		name, ok := values[0].Value().(string)
		if !ok {
			return types.NewErr("filter: call name must be string")
		}
		args := make([]any, 0, len(values)-1)
		for _, val := range values[1:] {
			args = append(args, val.Value())
		}
		result, err := e.registry.Call(name, args...)
		if err != nil {
			return types.NewErr("%s", err.Error())
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

type celProgram struct {
	evaluator  *celEvaluator
	expression string
}

func (p *celProgram) Evaluate(in Input) (any, error) {
	return p.evaluator.Evaluate(in, p.expression)
}

func cacheKey(expression string, fields map[string]any) string {
	if len(fields) == 0 {
		return expression
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return expression + "\x00" + strings.Join(names, ",")
}

func reservedBinding(name string) bool {
	switch name {
	case "now", "kind", "fields", "metadata", "call":
		return true
	}
	return false
}
