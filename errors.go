package uow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOverride is returned when a publisher override is supplied
	// while a chain is already open.
	ErrInvalidOverride = errors.New("uow: publisher override is only allowed on the root scope")
	// ErrScopeDisposed is returned by operations on a disposed scope.
	ErrScopeDisposed = errors.New("uow: scope already disposed")
	// ErrParentDisposed is returned when a child is disposed after an ancestor.
	ErrParentDisposed = errors.New("uow: parent scope already disposed")
	// ErrNotAmbient is returned when a scope is disposed while a nested scope
	// of the same chain is still live.
	ErrNotAmbient = errors.New("uow: scope is not the innermost live scope of its chain")
	// ErrForeignScope is returned when the ambient scope belongs to another provider.
	ErrForeignScope = errors.New("uow: ambient scope belongs to a different provider")
	// ErrLocksNotCleared reports lock counters still held when a chain ends.
	ErrLocksNotCleared = errors.New("uow: lock counters not cleared at chain exit")
	// ErrChildNotCompleted reports a chain rolled back because a nested scope
	// was disposed without completing.
	ErrChildNotCompleted = errors.New("uow: nested scope disposed without completing")
)

// ScopeError decorates a protocol or configuration error with the scope it
// was raised on.
type ScopeError struct {
	Op       string
	Chain    ChainID
	Instance string
	Err      error
}

func (e *ScopeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("uow: %s chain=%s scope=%s: %v", e.Op, e.Chain, describeInstance(e.Instance), e.Err)
}

func (e *ScopeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describeInstance(id string) string {
	if id == "" {
		return "<none>"
	}
	return id
}

func scopeError(op string, s *Scope, err error) error {
	if err == nil {
		return nil
	}
	var scopeErr *ScopeError
	if errors.As(err, &scopeErr) {
		return err
	}
	out := &ScopeError{Op: op, Err: err}
	if s != nil {
		out.Chain = s.chain.id
		out.Instance = s.instance.String()
	}
	return out
}

func leakedLocksError(keys []LockKey) error {
	if len(keys) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrLocksNotCleared, keys)
}
