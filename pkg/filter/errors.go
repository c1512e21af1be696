package filter

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEvaluator is returned when a rule is built without an evaluator.
	ErrNoEvaluator = errors.New("filter: evaluator not configured")
	// ErrEmptyExpression is returned for blank rule expressions.
	ErrEmptyExpression = errors.New("filter: expression must not be empty")
	// ErrNotBoolean is returned when a rule does not produce a bool.
	ErrNotBoolean = errors.New("filter: rule result is not a boolean")
)

// Stage names the step at which a rule failed.
type Stage string

const (
	StageCompile  Stage = "compile"
	StageEvaluate Stage = "evaluate"
	StageResult   Stage = "result"
)

// RuleError reports a rule that could not decide whether a notification
// is delivered. Notification is the type name of the notification being
// matched, empty for compile failures.
type RuleError struct {
	Engine       string
	Rule         string
	Notification string
	Stage        Stage
	Err          error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Notification == "" {
		return fmt.Sprintf("filter: %s rule %q failed to %s: %v", e.Engine, e.Rule, e.Stage, e.Err)
	}
	return fmt.Sprintf("filter: %s rule %q failed to %s on %s: %v", e.Engine, e.Rule, e.Stage, e.Notification, e.Err)
}

func (e *RuleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func emptyExpressionError(engine string) error {
	return fmt.Errorf("filter: %s: %w", engine, ErrEmptyExpression)
}

func compileError(engine, rule string, err error) error {
	return &RuleError{Engine: engine, Rule: rule, Stage: StageCompile, Err: err}
}

func evaluateError(engine, rule string, in Input, err error) error {
	return &RuleError{Engine: engine, Rule: rule, Notification: in.label(), Stage: StageEvaluate, Err: err}
}

// annotate stamps the rule's engine label and the notification on err,
// wrapping errors from evaluators that do not return a RuleError.
func (r *Rule) annotate(stage Stage, in *Input, err error) error {
	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) {
		ruleErr = &RuleError{Rule: r.expr, Stage: stage, Err: err}
	}
	ruleErr.Engine = r.engine
	if ruleErr.Rule == "" {
		ruleErr.Rule = r.expr
	}
	if in != nil && ruleErr.Notification == "" {
		ruleErr.Notification = in.label()
	}
	return ruleErr
}
