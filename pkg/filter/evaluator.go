package filter

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Evaluator executes rule expressions against an input.
type Evaluator interface {
	Evaluate(in Input, expr string) (any, error)
	Compile(expr string) (Program, error)
}

// Program is a compiled, reusable expression.
type Program interface {
	Evaluate(in Input) (any, error)
}

// ProgramCache stores compiled programs keyed by expression.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// MapCache is an unbounded ProgramCache safe for concurrent use.
type MapCache struct {
	mu    sync.RWMutex
	store map[string]any
}

// NewMapCache returns an empty cache.
func NewMapCache() *MapCache {
	return &MapCache{store: make(map[string]any)}
}

// Get implements ProgramCache.
func (c *MapCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.store[key]
	return value, ok
}

// Set implements ProgramCache.
func (c *MapCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = make(map[string]any)
	}
	c.store[key] = value
}

// Len returns the number of cached programs.
func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// RuleOption configures a Rule.
type RuleOption func(*Rule)

// WithLogger attaches an evaluation logger to the rule.
func WithLogger(logger Logger) RuleOption {
	return func(r *Rule) {
		if logger == nil {
			r.logger = noopLogger{}
			return
		}
		r.logger = logger
	}
}

// WithEngineName overrides the engine label used in logs and errors.
func WithEngineName(name string) RuleOption {
	return func(r *Rule) {
		r.engine = name
	}
}

// Rule is a compiled boolean expression used to select notifications.
type Rule struct {
	expr    string
	engine  string
	program Program
	logger  Logger
}

// NewRule compiles expr with evaluator.
func NewRule(evaluator Evaluator, expr string, opts ...RuleOption) (*Rule, error) {
	if evaluator == nil {
		return nil, ErrNoEvaluator
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrEmptyExpression
	}
	r := &Rule{
		expr:   expr,
		engine: EngineName(evaluator),
		logger: noopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	program, err := evaluator.Compile(expr)
	if err != nil {
		return nil, r.annotate(StageCompile, nil, err)
	}
	r.program = program
	return r, nil
}

// Expr returns the rule source.
func (r *Rule) Expr() string {
	return r.expr
}

// Match evaluates the rule and requires a boolean result.
func (r *Rule) Match(in Input) (bool, error) {
	in = in.withDefaults()
	start := time.Now()
	value, err := r.program.Evaluate(in)
	matched := false
	if err != nil {
		err = r.annotate(StageEvaluate, &in, err)
	} else {
		var ok bool
		if matched, ok = value.(bool); !ok {
			err = r.annotate(StageResult, &in, fmt.Errorf("%w: got %T", ErrNotBoolean, value))
		}
	}
	r.logger.LogEvaluation(LogEvent{
		Engine:   r.engine,
		Expr:     r.expr,
		Type:     in.Type,
		Matched:  matched,
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// EngineName labels evaluator for logs.
func EngineName(evaluator Evaluator) string {
	switch evaluator.(type) {
	case *exprEvaluator:
		return "expr"
	case *celEvaluator:
		return "cel"
	default:
		if named, ok := evaluator.(interface{ Engine() string }); ok {
			return named.Engine()
		}
		return "custom"
	}
}
