package activity

import (
	"context"
	"time"

	uow "github.com/goliatone/go-uow"
	"github.com/goliatone/go-uow/pkg/notify"
)

// Describer is implemented by notifications that know their activity form.
type Describer interface {
	Activity() Event
}

// Mapper converts notifications that do not implement Describer. Returning
// false skips the notification.
type Mapper func(n notify.Notification) (Event, bool)

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithMapper sets the fallback mapper.
func WithMapper(mapper Mapper) SinkOption {
	return func(s *Sink) {
		s.mapper = mapper
	}
}

// Sink is a notify.Sink that records committed notifications as activity.
// Cancelable notifications are never recorded since the action they announce
// has not happened yet.
type Sink struct {
	emitter *Emitter
	mapper  Mapper
}

// NewSink builds a sink that emits through emitter.
func NewSink(emitter *Emitter, opts ...SinkOption) *Sink {
	s := &Sink{emitter: emitter}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Deliver implements notify.Sink.
func (s *Sink) Deliver(ctx context.Context, n notify.Notification) error {
	if !s.emitter.Enabled() {
		return nil
	}
	event, ok := s.describe(n)
	if !ok {
		return nil
	}
	return s.emitter.Emit(ctx, event)
}

// DeliverCancelable implements notify.Sink.
func (s *Sink) DeliverCancelable(_ context.Context, n notify.Cancelable) (bool, error) {
	return n != nil && n.Canceled(), nil
}

func (s *Sink) describe(n notify.Notification) (Event, bool) {
	if d, ok := n.(Describer); ok {
		return d.Activity(), true
	}
	if s.mapper != nil {
		return s.mapper(n)
	}
	return Event{}, false
}

// Verbs used for chain outcome events.
const (
	VerbChainCommitted  = "chain.committed"
	VerbChainRolledBack = "chain.rolled_back"
)

// OutcomeInput carries the actor fields stamped on chain outcome events.
type OutcomeInput struct {
	ActorID  string
	UserID   string
	TenantID string
	Metadata map[string]any
}

// EnlistOutcome records a chain.committed or chain.rolled_back event when the
// chain of scope ends. Only the first enlistment per chain is kept.
func EnlistOutcome(scope *uow.Scope, emitter *Emitter, input OutcomeInput) (bool, error) {
	chain := scope.ChainID().String()
	return scope.Enlist("activity.outcome", 0, func(ctx context.Context, completed bool) error {
		verb := VerbChainRolledBack
		if completed {
			verb = VerbChainCommitted
		}
		return emitter.Emit(ctx, Event{
			Verb:       verb,
			ActorID:    input.ActorID,
			UserID:     input.UserID,
			TenantID:   input.TenantID,
			ObjectType: "chain",
			ObjectID:   chain,
			ChainID:    chain,
			Metadata:   cloneMap(input.Metadata),
			OccurredAt: time.Now(),
		})
	})
}
