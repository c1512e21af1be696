package notify

import (
	"context"
	"errors"
	"sync"
)

// Entry is one recorded publish call.
type Entry struct {
	Notification Notification
	Cancelable   bool
}

// Option configures a ScopedPublisher.
type Option func(*publisherConfig)

type publisherConfig struct {
	stopOnError bool
	capacity    int
}

// WithStopOnError makes ScopeExit stop replaying at the first sink error.
// By default every queued notification is attempted and errors are joined.
func WithStopOnError() Option {
	return func(cfg *publisherConfig) {
		cfg.stopOnError = true
	}
}

// WithCapacity preallocates room for n queued notifications.
func WithCapacity(n int) Option {
	return func(cfg *publisherConfig) {
		if n > 0 {
			cfg.capacity = n
		}
	}
}

// ScopedPublisher defers informational notifications until the chain exits
// and forwards cancelable ones straight to the sink.
type ScopedPublisher struct {
	mu         sync.Mutex
	sink       Sink
	cfg        publisherConfig
	queue      []Entry
	exited     bool
	suppressed bool
}

// NewScopedPublisher builds a publisher that delivers to sink. A nil sink
// discards everything.
func NewScopedPublisher(sink Sink, opts ...Option) *ScopedPublisher {
	cfg := publisherConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &ScopedPublisher{
		sink:  sink,
		cfg:   cfg,
		queue: make([]Entry, 0, cfg.capacity),
	}
}

// Publish queues n for delivery on a successful exit.
func (p *ScopedPublisher) Publish(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrPublisherExited
	}
	if p.suppressed {
		return nil
	}
	p.queue = append(p.queue, Entry{Notification: n})
	return nil
}

// PublishCancelable records n and delivers it synchronously. The sink call
// runs without holding the publisher lock so observers may publish again.
func (p *ScopedPublisher) PublishCancelable(ctx context.Context, n Cancelable) (bool, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return false, ErrPublisherExited
	}
	if p.suppressed {
		p.mu.Unlock()
		return false, nil
	}
	p.queue = append(p.queue, Entry{Notification: n, Cancelable: true})
	sink := p.sink
	p.mu.Unlock()

	canceled, err := sink.DeliverCancelable(ctx, n)
	if err != nil {
		return canceled, err
	}
	return canceled || (n != nil && n.Canceled()), nil
}

// ScopeExit replays queued informational notifications in publish order when
// completed is true and discards them otherwise. It may be called once.
func (p *ScopedPublisher) ScopeExit(ctx context.Context, completed bool) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return ErrPublisherExited
	}
	p.exited = true
	queue := p.queue
	p.queue = nil
	sink := p.sink
	p.mu.Unlock()

	if !completed {
		return nil
	}

	var errs []error
	for _, entry := range queue {
		if entry.Cancelable {
			continue
		}
		if err := sink.Deliver(ctx, entry.Notification); err != nil {
			errs = append(errs, err)
			if p.cfg.stopOnError {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Suppress drops notifications until the returned restore func is called.
func (p *ScopedPublisher) Suppress() (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, ErrPublisherExited
	}
	if p.suppressed {
		return nil, ErrAlreadySuppressed
	}
	p.suppressed = true

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.suppressed = false
			p.mu.Unlock()
		})
	}, nil
}

// Suppressed reports whether notifications are currently dropped.
func (p *ScopedPublisher) Suppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed
}

// Pending returns a copy of the recorded entries.
func (p *ScopedPublisher) Pending() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Entry(nil), p.queue...)
}

// Len returns the number of recorded entries.
func (p *ScopedPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Exited reports whether ScopeExit already ran.
func (p *ScopedPublisher) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}
