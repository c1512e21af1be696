package filter

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var evaluatorFactories = []struct {
	name string
	new  func(cache ProgramCache, registry *FunctionRegistry) Evaluator
}{
	{
		name: "expr",
		new: func(cache ProgramCache, registry *FunctionRegistry) Evaluator {
			opts := []ExprOption{}
			if cache != nil {
				opts = append(opts, ExprWithProgramCache(cache))
			}
			if registry != nil {
				opts = append(opts, ExprWithFunctionRegistry(registry))
			}
			return NewExprEvaluator(opts...)
		},
	},
	{
		name: "cel",
		new: func(cache ProgramCache, registry *FunctionRegistry) Evaluator {
			opts := []CELOption{}
			if cache != nil {
				opts = append(opts, CELWithProgramCache(cache))
			}
			if registry != nil {
				opts = append(opts, CELWithFunctionRegistry(registry))
			}
			return NewCELEvaluator(opts...)
		},
	},
	{
		name: "js",
		new: func(cache ProgramCache, registry *FunctionRegistry) Evaluator {
			opts := []JSOption{}
			if cache != nil {
				opts = append(opts, JSWithProgramCache(cache))
			}
			if registry != nil {
				opts = append(opts, JSWithFunctionRegistry(registry))
			}
			return NewJSEvaluator(opts...)
		},
	},
}

type contentSaved struct {
	ID     int
	Alias  string
	Author string
}

func (c contentSaved) Fields() map[string]any {
	return map[string]any{
		"id":     c.ID,
		"alias":  c.Alias,
		"author": c.Author,
	}
}

func TestRuleMatchAcrossEvaluators(t *testing.T) {
	cases := []struct {
		name string
		rule string
		want bool
	}{
		{name: "field equality", rule: `alias == "home"`, want: true},
		{name: "field mismatch", rule: `author == "bob"`, want: false},
		{name: "combined", rule: `id > 10 && alias == "home"`, want: true},
		{name: "kind", rule: `kind == "filter.contentSaved"`, want: true},
		{name: "metadata", rule: `metadata.chain == "c-1"`, want: true},
	}

	for _, factory := range evaluatorFactories {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			evaluator := factory.new(nil, nil)
			if evaluator == nil {
				t.Skip("evaluator not built in")
			}
			for _, tc := range cases {
				tc := tc
				t.Run(tc.name, func(t *testing.T) {
					rule, err := NewRule(evaluator, tc.rule)
					if err != nil {
						t.Fatalf("compile: %v", err)
					}
					in := FromNotification(contentSaved{ID: 42, Alias: "home", Author: "alice"})
					in.Metadata = map[string]any{"chain": "c-1"}
					got, err := rule.Match(in)
					if err != nil {
						t.Fatalf("match: %v", err)
					}
					if got != tc.want {
						t.Fatalf("expected %v, got %v", tc.want, got)
					}
				})
			}
		})
	}
}

func TestRuleRejectsNonBoolean(t *testing.T) {
	for _, factory := range evaluatorFactories {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			evaluator := factory.new(nil, nil)
			if evaluator == nil {
				t.Skip("evaluator not built in")
			}
			rule, err := NewRule(evaluator, `alias`)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			_, err = rule.Match(FromNotification(map[string]any{"alias": "home"}))
			if !errors.Is(err, ErrNotBoolean) {
				t.Fatalf("expected ErrNotBoolean, got %v", err)
			}
			var ruleErr *RuleError
			if !errors.As(err, &ruleErr) {
				t.Fatalf("expected RuleError, got %v", err)
			}
			if ruleErr.Rule != "alias" || ruleErr.Stage != StageResult || ruleErr.Engine != factory.name {
				t.Fatalf("unexpected rule error %+v", ruleErr)
			}
			if ruleErr.Notification != TypeName(map[string]any{}) {
				t.Fatalf("expected notification type on error, got %q", ruleErr.Notification)
			}
		})
	}
}

func TestCustomFunctionsAcrossEvaluators(t *testing.T) {
	for _, factory := range evaluatorFactories {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			evaluator := factory.new(nil, DefaultFunctions())
			if evaluator == nil {
				t.Skip("evaluator not built in")
			}
			rule, err := NewRule(evaluator, `call("has_prefix", alias, "ho")`)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := rule.Match(FromNotification(map[string]any{"alias": "home"}))
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if !got {
				t.Fatalf("expected helper to match")
			}
		})
	}
}

func TestEvaluatorProgramCache(t *testing.T) {
	for _, factory := range evaluatorFactories {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			cache := &fakeProgramCache{}
			evaluator := factory.new(cache, nil)
			if evaluator == nil {
				t.Skip("evaluator not built in")
			}
			in := FromNotification(map[string]any{"id": 1})
			for i := 0; i < 3; i++ {
				if _, err := evaluator.Evaluate(in, `id == 1`); err != nil {
					t.Fatalf("unexpected error on iteration %d: %v", i, err)
				}
			}
			if cache.misses != 1 {
				t.Fatalf("expected 1 miss, got %d", cache.misses)
			}
			if cache.hits != 2 {
				t.Fatalf("expected 2 hits, got %d", cache.hits)
			}
		})
	}
}

func TestRuleErrorStages(t *testing.T) {
	_, err := NewRule(NewExprEvaluator(), "id ===")
	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Stage != StageCompile || ruleErr.Notification != "" {
		t.Fatalf("expected compile stage error without notification, got %v", err)
	}

	rule, err := NewRule(NewCELEvaluator(), `fields.missing == 1`, WithEngineName("cel-strict"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err = rule.Match(FromNotification(contentSaved{ID: 1}))
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleError, got %v", err)
	}
	if ruleErr.Stage != StageEvaluate || ruleErr.Notification != "filter.contentSaved" || ruleErr.Engine != "cel-strict" {
		t.Fatalf("unexpected rule error %+v", ruleErr)
	}
	want := `filter: cel-strict rule "fields.missing == 1" failed to evaluate on filter.contentSaved`
	if !strings.HasPrefix(err.Error(), want) {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestNewRuleValidation(t *testing.T) {
	if _, err := NewRule(nil, "true"); !errors.Is(err, ErrNoEvaluator) {
		t.Fatalf("expected ErrNoEvaluator, got %v", err)
	}
	if _, err := NewRule(NewExprEvaluator(), "   "); !errors.Is(err, ErrEmptyExpression) {
		t.Fatalf("expected ErrEmptyExpression, got %v", err)
	}
	if _, err := NewRule(NewExprEvaluator(), "id ==="); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := NewRule(NewCELEvaluator(), "id ==="); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRuleLogsEvaluation(t *testing.T) {
	var events []LogEvent
	rule, err := NewRule(NewExprEvaluator(), `id == 3`, WithLogger(LoggerFunc(func(event LogEvent) {
		events = append(events, event)
	})))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := FromNotification(map[string]any{"id": 3})
	in.Now = &now
	if ok, err := rule.Match(in); err != nil || !ok {
		t.Fatalf("expected match, got %v %v", ok, err)
	}
	if len(events) != 1 || events[0].Engine != "expr" || !events[0].Matched {
		t.Fatalf("unexpected log events %+v", events)
	}
}

func TestFromNotification(t *testing.T) {
	in := FromNotification("plain")
	if in.Type != "string" || in.Fields != nil {
		t.Fatalf("unexpected input %+v", in)
	}
	if FromNotification(nil).Type != "" {
		t.Fatalf("expected empty type for nil")
	}
}

func TestMapCache(t *testing.T) {
	cache := NewMapCache()
	cache.Set("a", 1)
	if v, ok := cache.Get("a"); !ok || v != 1 {
		t.Fatalf("expected cached value, got %v %v", v, ok)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", cache.Len())
	}
}

func TestFunctionRegistry(t *testing.T) {
	registry := NewFunctionRegistry()
	fn := func(args ...any) (any, error) { return len(args), nil }
	if err := registry.Register("Count", fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("count", fn); err == nil {
		t.Fatalf("expected duplicate error")
	}
	clone := registry.Clone()
	_ = registry.Register("other", fn)
	if len(clone.Names()) != 1 {
		t.Fatalf("expected clone detached, got %v", clone.Names())
	}
	got, err := clone.Call("COUNT", 1, 2)
	if err != nil || got != 2 {
		t.Fatalf("expected 2, got %v %v", got, err)
	}
	if _, err := clone.Call("missing"); err == nil {
		t.Fatalf("expected missing function error")
	}
}

type fakeProgramCache struct {
	store  map[string]any
	hits   int
	misses int
}

func (c *fakeProgramCache) Get(key string) (any, bool) {
	if c.store == nil {
		c.store = make(map[string]any)
	}
	value, ok := c.store[key]
	if ok {
		c.hits++
		return value, true
	}
	c.misses++
	return nil, false
}

func (c *fakeProgramCache) Set(key string, value any) {
	if c.store == nil {
		c.store = make(map[string]any)
	}
	c.store[key] = value
}
