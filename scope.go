package uow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-uow/pkg/notify"
)

// ErrSuppressUnsupported is returned when the chain publisher cannot suppress.
var ErrSuppressUnsupported = errors.New("uow: publisher does not support suppression")

// ExitFunc runs once when the chain ends, with the effective outcome.
type ExitFunc func(ctx context.Context, completed bool) error

type enlistment struct {
	key      string
	priority int
	fn       ExitFunc
}

// chain is the state shared by every scope of one call chain. The mutex
// guards the live stack, per-scope state, and the enlisted callbacks.
// finalizing is set when the root starts finalization; closed once it ends.
type chain struct {
	mu         sync.Mutex
	id         ChainID
	tx         Transaction
	publisher  notify.Publisher
	stack      []*Scope
	enlisted   []enlistment
	keys       map[string]struct{}
	childVeto  bool
	corrupt    bool
	finalizing bool
	closed     bool
}

func (c *chain) innermost() *Scope {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

func (c *chain) indexOf(s *Scope) int {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == s {
			return i
		}
	}
	return -1
}

// Scope is one unit-of-work handle. The root scope of a chain owns the
// transaction and the publisher; nested scopes borrow them.
type Scope struct {
	provider     *Provider
	chain        *chain
	parent       *Scope
	instance     uuid.UUID
	depth        int
	autoComplete bool
	ctx          context.Context
	created      time.Time

	// guarded by chain.mu
	state    CompletionState
	disposed bool
	locks    []LockKey
}

// ChainID returns the identifier shared by every scope of the chain.
func (s *Scope) ChainID() ChainID { return s.chain.id }

// InstanceID returns the identifier of this scope.
func (s *Scope) InstanceID() uuid.UUID { return s.instance }

// IsRoot reports whether s opened its chain.
func (s *Scope) IsRoot() bool { return s.parent == nil }

// Depth is 0 for the root and increases by one per nesting level.
func (s *Scope) Depth() int { return s.depth }

// Parent returns the enclosing scope, nil for the root.
func (s *Scope) Parent() *Scope { return s.parent }

// State returns the current completion state.
func (s *Scope) State() CompletionState {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.state
}

// Disposed reports whether Dispose has run.
func (s *Scope) Disposed() bool {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.disposed
}

// Complete marks the scope for commit. Repeated calls are harmless.
func (s *Scope) Complete() error {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if s.disposed {
		return scopeError("complete", s, ErrScopeDisposed)
	}
	s.state = Completed
	return nil
}

// Fail marks the scope for rollback.
func (s *Scope) Fail() error {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if s.disposed {
		return scopeError("fail", s, ErrScopeDisposed)
	}
	s.state = Aborted
	return nil
}

// RequestLock takes a reference on each key for the chain. Keys acquired
// before a failure stay held until the scope is disposed. Deadlines on ctx
// bound the wait at the gateway.
func (s *Scope) RequestLock(ctx context.Context, keys ...LockKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.checkLive("lock"); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.provider.locks.IncrementLock(ctx, key, s.chain.id); err != nil {
			return err
		}
		s.chain.mu.Lock()
		s.locks = append(s.locks, key)
		s.chain.mu.Unlock()
	}
	return nil
}

// RequestReadLock takes shared locks on ids.
func (s *Scope) RequestReadLock(ctx context.Context, ids ...int) error {
	keys := make([]LockKey, len(ids))
	for i, id := range ids {
		keys[i] = ReadLock(id)
	}
	return s.RequestLock(ctx, keys...)
}

// RequestWriteLock takes exclusive locks on ids.
func (s *Scope) RequestWriteLock(ctx context.Context, ids ...int) error {
	keys := make([]LockKey, len(ids))
	for i, id := range ids {
		keys[i] = WriteLock(id)
	}
	return s.RequestLock(ctx, keys...)
}

// HeldLocks returns the keys this scope incremented, in request order.
func (s *Scope) HeldLocks() []LockKey {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return append([]LockKey(nil), s.locks...)
}

// Notifications returns the chain publisher as seen by this scope.
func (s *Scope) Notifications() notify.Notifier {
	return scopeNotifier{scope: s}
}

// SuppressNotifications silences the chain publisher until the returned
// func is called.
func (s *Scope) SuppressNotifications() (func(), error) {
	if err := s.checkLive("suppress"); err != nil {
		return nil, err
	}
	suppressor, ok := s.chain.publisher.(interface{ Suppress() (func(), error) })
	if !ok {
		return nil, scopeError("suppress", s, ErrSuppressUnsupported)
	}
	return suppressor.Suppress()
}

// Transaction returns the chain's transactional resource.
func (s *Scope) Transaction() (Transaction, error) {
	if err := s.checkLive("transaction"); err != nil {
		return nil, err
	}
	return s.chain.tx, nil
}

// Enlist registers fn to run when the chain ends. Callbacks run by ascending
// priority, then enlist order. Only the first enlistment of a key is kept;
// later ones return false. Once the chain is finalizing nothing more can be
// enlisted.
func (s *Scope) Enlist(key string, priority int, fn ExitFunc) (bool, error) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if s.disposed || s.chain.finalizing || s.chain.closed {
		return false, scopeError("enlist", s, ErrScopeDisposed)
	}
	if fn == nil {
		return false, nil
	}
	if _, ok := s.chain.keys[key]; ok {
		return false, nil
	}
	if s.chain.keys == nil {
		s.chain.keys = make(map[string]struct{})
	}
	s.chain.keys[key] = struct{}{}
	s.chain.enlisted = append(s.chain.enlisted, enlistment{key: key, priority: priority, fn: fn})
	return true, nil
}

// Dispose ends the scope using the context it was created with, detached
// from that context's cancellation.
func (s *Scope) Dispose() error {
	return s.DisposeContext(s.ctx)
}

// DisposeContext ends the scope. It releases the locks this scope requested
// and, for the root, commits or rolls back and flushes notifications.
// Disposing twice is a no-op.
func (s *Scope) DisposeContext(ctx context.Context) error {
	if ctx == nil {
		ctx = s.ctx
	}

	c := s.chain
	c.mu.Lock()
	if s.disposed {
		c.mu.Unlock()
		return nil
	}
	s.disposed = true

	var protocolErr error
	switch idx := c.indexOf(s); {
	case s.ancestorDisposed():
		protocolErr = scopeError("dispose", s, ErrParentDisposed)
	case idx < 0:
		protocolErr = scopeError("dispose", s, ErrScopeDisposed)
	case idx != len(c.stack)-1:
		protocolErr = scopeError("dispose", s, ErrNotAmbient)
		c.corrupt = true
		c.stack = c.stack[:idx]
	default:
		c.stack = c.stack[:idx]
	}

	state := s.state
	if s.autoComplete && state == Undetermined {
		state = Completed
		s.state = Completed
	}
	if !s.IsRoot() && state != Completed && s.provider.cfg.StrictChildCompletion {
		c.childVeto = true
	}
	locks := s.locks
	s.locks = nil
	c.mu.Unlock()

	errs := make([]error, 0, 2)
	if protocolErr != nil {
		errs = append(errs, protocolErr)
	}
	for i := len(locks) - 1; i >= 0; i-- {
		if err := s.provider.locks.DecrementLock(ctx, locks[i], c.id); err != nil {
			errs = append(errs, err)
		}
	}

	if state != Completed && s.provider.cfg.LogUncompletedScopes {
		s.provider.log(ScopeLogEvent{Op: OpUncompleted, State: state}, s)
	}

	if s.IsRoot() {
		if err := s.provider.finalize(ctx, s, state); err != nil {
			errs = append(errs, err)
		}
	}

	err := joinErrors(errs)
	s.provider.log(ScopeLogEvent{Op: OpDispose, State: state, Duration: time.Since(s.created), Err: err}, s)
	return err
}

// ancestorDisposed must be called with chain.mu held.
func (s *Scope) ancestorDisposed() bool {
	for p := s.parent; p != nil; p = p.parent {
		if p.disposed {
			return true
		}
	}
	return false
}

func (s *Scope) checkLive(op string) error {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	if s.disposed || s.chain.finalizing || s.chain.closed {
		return scopeError(op, s, ErrScopeDisposed)
	}
	return nil
}

func (c *chain) exitCallbacks() []enlistment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]enlistment(nil), c.enlisted...)
	c.enlisted = nil
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// joinErrors keeps a single error unwrapped so backing-store errors reach the
// caller as they were returned.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

type scopeNotifier struct {
	scope *Scope
}

func (n scopeNotifier) Publish(ctx context.Context, notification notify.Notification) error {
	if err := n.scope.checkLive("publish"); err != nil {
		return err
	}
	if ctx == nil {
		ctx = n.scope.ctx
	}
	return n.scope.chain.publisher.Publish(ctx, notification)
}

func (n scopeNotifier) PublishCancelable(ctx context.Context, notification notify.Cancelable) (bool, error) {
	if err := n.scope.checkLive("publish"); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = n.scope.ctx
	}
	return n.scope.chain.publisher.PublishCancelable(ctx, notification)
}
