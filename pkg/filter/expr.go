package filter

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// ExprOption configures the expr evaluator.
type ExprOption func(*exprEvaluator)

// ExprWithProgramCache shares compiled programs across rules.
func ExprWithProgramCache(cache ProgramCache) ExprOption {
	return func(e *exprEvaluator) {
		e.cache = cache
	}
}

// ExprWithFunctionRegistry exposes helpers to expressions.
func ExprWithFunctionRegistry(registry *FunctionRegistry) ExprOption {
	return func(e *exprEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

// exprEvaluator runs rules with github.com/expr-lang/expr.
type exprEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// NewExprEvaluator constructs an Evaluator backed by expr-lang/expr.
func NewExprEvaluator(opts ...ExprOption) Evaluator {
	e := &exprEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *exprEvaluator) Evaluate(in Input, expression string) (any, error) {
	if expression == "" {
		return nil, emptyExpressionError("expr")
	}
	in = in.withDefaults()
	if e.cache == nil && e.registry == nil {
		result, err := exprlang.Eval(expression, e.environment(in))
		if err != nil {
			return nil, evaluateError("expr", expression, in, err)
		}
		return result, nil
	}
	program, err := e.loadOrCompile(expression)
	if err != nil {
		return nil, err
	}
	return e.run(program, expression, in)
}

func (e *exprEvaluator) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, emptyExpressionError("expr")
	}
	program, err := e.loadOrCompile(expression)
	if err != nil {
		return nil, err
	}
	return &exprProgram{evaluator: e, program: program, expression: expression}, nil
}

func (e *exprEvaluator) loadOrCompile(expression string) (*exprvm.Program, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Get(expression); ok {
			if program, ok := cached.(*exprvm.Program); ok {
				return program, nil
			}
		}
	}
	options := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	}
	if e.registry != nil {
		options = append(options, exprlang.Function("call", e.call))
		for _, name := range e.registry.Names() {
			fn := name
			options = append(options, exprlang.Function(fn, func(arguments ...any) (any, error) {
				return e.registry.Call(fn, arguments...)
			}))
		}
	}
	program, err := exprlang.Compile(expression, options...)
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	if e.cache != nil {
		e.cache.Set(expression, program)
	}
	return program, nil
}

func (e *exprEvaluator) run(program *exprvm.Program, expression string, in Input) (any, error) {
	result, err := exprlang.Run(program, e.environment(in))
	if err != nil {
		return nil, evaluateError("expr", expression, in, err)
	}
	return result, nil
}

func (e *exprEvaluator) environment(in Input) map[string]any {
	return in.bindings()
}

func (e *exprEvaluator) call(arguments ...any) (any, error) {
	if len(arguments) == 0 {
		return nil, fmt.Errorf("filter: call requires function name")
	}
	name, ok := arguments[0].(string)
	if !ok {
		return nil, fmt.Errorf("filter: call name must be string, got %T", arguments[0])
	}
	return e.registry.Call(name, arguments[1:]...)
}

type exprProgram struct {
	evaluator  *exprEvaluator
	program    *exprvm.Program
	expression string
}

func (p *exprProgram) Evaluate(in Input) (any, error) {
	return p.evaluator.run(p.program, p.expression, in.withDefaults())
}
