package aggregator

import (
	"context"
	"errors"
	"sync"

	uow "github.com/goliatone/go-uow"
	"github.com/goliatone/go-uow/pkg/filter"
	"github.com/goliatone/go-uow/pkg/notify"
)

// Handler receives notifications of type T.
type Handler[T any] func(ctx context.Context, n T) error

// Aggregator is an in-process notification sink. Handlers are keyed by the
// Go type they accept and run in registration order.
type Aggregator struct {
	mu      sync.RWMutex
	subs    []*subscription
	nextID  uint64
	onError func(error)
}

type subscription struct {
	id      uint64
	rule    *filter.Rule
	accepts func(n notify.Notification) bool
	handle  func(ctx context.Context, n notify.Notification) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithErrorHandler observes handler and rule errors as they happen, in
// addition to them being returned.
func WithErrorHandler(fn func(error)) Option {
	return func(a *Aggregator) {
		a.onError = fn
	}
}

// New constructs an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscription)

// WithRule only delivers notifications the rule matches.
func WithRule(rule *filter.Rule) SubscribeOption {
	return func(s *subscription) {
		s.rule = rule
	}
}

// Subscribe registers h for notifications assignable to T and returns a func
// that removes it.
func Subscribe[T any](a *Aggregator, h Handler[T], opts ...SubscribeOption) func() {
	if a == nil || h == nil {
		return func() {}
	}
	sub := &subscription{
		accepts: func(n notify.Notification) bool {
			_, ok := n.(T)
			return ok
		},
		handle: func(ctx context.Context, n notify.Notification) error {
			return h(ctx, n.(T))
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}

	a.mu.Lock()
	a.nextID++
	sub.id = a.nextID
	a.subs = append(a.subs, sub)
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { a.remove(sub.id) })
	}
}

func (a *Aggregator) remove(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, sub := range a.subs {
		if sub.id == id {
			a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscriptions.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subs)
}

// Deliver implements notify.Sink.
func (a *Aggregator) Deliver(ctx context.Context, n notify.Notification) error {
	return a.dispatch(ctx, n)
}

// DeliverCancelable implements notify.Sink. Every matching handler runs; the
// notification is canceled when any of them called Cancel.
func (a *Aggregator) DeliverCancelable(ctx context.Context, n notify.Cancelable) (bool, error) {
	err := a.dispatch(ctx, n)
	return n != nil && n.Canceled(), err
}

func (a *Aggregator) dispatch(ctx context.Context, n notify.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.RLock()
	subs := append([]*subscription(nil), a.subs...)
	a.mu.RUnlock()

	var (
		input    filter.Input
		hasInput bool
		errs     []error
	)
	for _, sub := range subs {
		if !sub.accepts(n) {
			continue
		}
		if sub.rule != nil {
			if !hasInput {
				input = ruleInput(ctx, n)
				hasInput = true
			}
			matched, err := sub.rule.Match(input)
			if err != nil {
				errs = append(errs, a.report(err))
				continue
			}
			if !matched {
				continue
			}
		}
		if err := sub.handle(ctx, n); err != nil {
			errs = append(errs, a.report(err))
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) report(err error) error {
	if a.onError != nil {
		a.onError(err)
	}
	return err
}

func ruleInput(ctx context.Context, n notify.Notification) filter.Input {
	in := filter.FromNotification(n)
	if chain, ok := uow.ChainIDFromContext(ctx); ok {
		in.Metadata = map[string]any{"chain_id": chain.String()}
	}
	return in
}
