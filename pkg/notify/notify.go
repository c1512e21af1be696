package notify

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrPublisherExited is returned when a publisher is used after ScopeExit.
	ErrPublisherExited = errors.New("notify: publisher already exited")
	// ErrAlreadySuppressed is returned by nested Suppress calls.
	ErrAlreadySuppressed = errors.New("notify: notifications already suppressed")
)

// Notification is an opaque domain-change payload.
type Notification = any

// Cancelable notifications let observers veto the operation they announce.
type Cancelable interface {
	Cancel()
	Canceled() bool
}

// CancelableBase implements Cancelable and is meant to be embedded.
type CancelableBase struct {
	canceled atomic.Bool
}

// Cancel flags the notification as canceled.
func (c *CancelableBase) Cancel() {
	c.canceled.Store(true)
}

// Canceled reports whether any observer canceled the notification.
func (c *CancelableBase) Canceled() bool {
	return c.canceled.Load()
}

// Notifier is the publishing surface handed to scopes.
type Notifier interface {
	// Publish records an informational notification. It reaches observers only
	// after the owning chain commits.
	Publish(ctx context.Context, n Notification) error
	// PublishCancelable delivers immediately and reports whether any observer
	// canceled.
	PublishCancelable(ctx context.Context, n Cancelable) (bool, error)
}

// Publisher is bound to one chain and is told when the chain ends.
type Publisher interface {
	Notifier
	ScopeExit(ctx context.Context, completed bool) error
}

// Sink is the downstream consumer of delivered notifications.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
	DeliverCancelable(ctx context.Context, n Cancelable) (bool, error)
}

// SinkFuncs adapts plain functions to Sink. Nil functions are skipped.
type SinkFuncs struct {
	DeliverFunc           func(ctx context.Context, n Notification) error
	DeliverCancelableFunc func(ctx context.Context, n Cancelable) (bool, error)
}

// Deliver implements Sink.
func (s SinkFuncs) Deliver(ctx context.Context, n Notification) error {
	if s.DeliverFunc == nil {
		return nil
	}
	return s.DeliverFunc(ctx, n)
}

// DeliverCancelable implements Sink. Without a function it falls back to the
// notification's own flag.
func (s SinkFuncs) DeliverCancelable(ctx context.Context, n Cancelable) (bool, error) {
	if s.DeliverCancelableFunc == nil {
		return n != nil && n.Canceled(), nil
	}
	return s.DeliverCancelableFunc(ctx, n)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) Deliver(context.Context, Notification) error { return nil }

func (NopSink) DeliverCancelable(_ context.Context, n Cancelable) (bool, error) {
	return n != nil && n.Canceled(), nil
}

// MultiSink fans out to every sink in order. A cancelable notification is
// canceled when any sink reports cancellation; errors are joined.
type MultiSink []Sink

// Deliver implements Sink.
func (m MultiSink) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeliverCancelable implements Sink.
func (m MultiSink) DeliverCancelable(ctx context.Context, n Cancelable) (bool, error) {
	canceled := false
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		c, err := sink.DeliverCancelable(ctx, n)
		if err != nil {
			errs = append(errs, err)
		}
		canceled = canceled || c
	}
	return canceled, errors.Join(errs...)
}
