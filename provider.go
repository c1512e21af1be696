package uow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-uow/pkg/notify"
)

// Provider creates scopes and finalizes chains when their root scope is
// disposed. A Provider is safe for concurrent use by independent chains.
type Provider struct {
	locks         *LockTable
	factory       TransactionFactory
	sink          notify.Sink
	publisherOpts []notify.Option
	logger        Logger
	cfg           Config
}

// NewProvider constructs a provider. Without options it keeps lock counts
// only, uses no-op transactions, and discards delivered notifications.
func NewProvider(opts ...ProviderOption) *Provider {
	cfg := applyProviderOptions(opts)

	table := cfg.table
	if table == nil {
		table = NewLockTable(cfg.gateway)
	}
	factory := cfg.factory
	if factory == nil {
		factory = nopTransactionFactory{}
	}
	sink := cfg.sink
	if sink == nil {
		sink = notify.NopSink{}
	}
	logger := cfg.logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Provider{
		locks:         table,
		factory:       factory,
		sink:          sink,
		publisherOpts: cfg.publisherOpts,
		logger:        logger,
		cfg:           cfg.config,
	}
}

// Locks exposes the provider's lock table.
func (p *Provider) Locks() *LockTable {
	return p.locks
}

// Config returns the provider behaviour switches.
func (p *Provider) Config() Config {
	return p.cfg
}

// AmbientScope returns the innermost live scope in ctx when it was created
// by p.
func (p *Provider) AmbientScope(ctx context.Context) *Scope {
	s := AmbientScope(ctx)
	if s == nil || s.provider != p {
		return nil
	}
	return s
}

// CreateScope opens a scope and returns a context carrying it. Without a
// live ambient scope in ctx a new chain is opened with a fresh transaction;
// otherwise the new scope nests inside the ambient one and shares its
// transaction and publisher. A ctx whose chain has ended opens a new chain.
func (p *Provider) CreateScope(ctx context.Context, opts ...ScopeOption) (context.Context, *Scope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := scopeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	ambient := AmbientScope(ctx)
	if ambient == nil {
		return p.createRoot(ctx, cfg)
	}
	return p.createChild(ctx, ambient, cfg)
}

func (p *Provider) createRoot(ctx context.Context, cfg scopeConfig) (context.Context, *Scope, error) {
	tx, err := p.factory.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}

	publisher := cfg.publisher
	if publisher == nil {
		publisher = notify.NewScopedPublisher(p.sink, p.publisherOpts...)
	}

	c := &chain{
		id:        NewChainID(),
		tx:        tx,
		publisher: publisher,
	}
	scopeCtx, s := p.newScope(ctx, c, nil, cfg)
	c.stack = append(c.stack, s)

	p.log(ScopeLogEvent{Op: OpCreate, State: Undetermined}, s)
	return scopeCtx, s, nil
}

func (p *Provider) createChild(ctx context.Context, ambient *Scope, cfg scopeConfig) (context.Context, *Scope, error) {
	if ambient.provider != p {
		return ctx, nil, scopeError("create", ambient, ErrForeignScope)
	}
	if cfg.publisher != nil {
		return ctx, nil, scopeError("create", ambient, ErrInvalidOverride)
	}

	c := ambient.chain
	c.mu.Lock()
	switch {
	case c.closed || c.finalizing:
		c.mu.Unlock()
		return p.createRoot(ctx, cfg)
	case ambient.disposed:
		// disposed after AmbientScope resolved it
		c.mu.Unlock()
		return ctx, nil, scopeError("create", ambient, ErrScopeDisposed)
	case ambient.ancestorDisposed():
		c.mu.Unlock()
		return ctx, nil, scopeError("create", ambient, ErrParentDisposed)
	case c.innermost() != ambient:
		c.mu.Unlock()
		return ctx, nil, scopeError("create", ambient, ErrNotAmbient)
	}
	scopeCtx, s := p.newScope(ctx, c, ambient, cfg)
	c.stack = append(c.stack, s)
	c.mu.Unlock()

	p.log(ScopeLogEvent{Op: OpCreate, State: Undetermined}, s)
	return scopeCtx, s, nil
}

// newScope returns the scope and a context carrying it. The scope keeps a
// copy of that context without cancellation for Dispose.
func (p *Provider) newScope(ctx context.Context, c *chain, parent *Scope, cfg scopeConfig) (context.Context, *Scope) {
	depth := 0
	if parent != nil {
		depth = parent.depth + 1
	}
	s := &Scope{
		provider:     p,
		chain:        c,
		parent:       parent,
		instance:     uuid.New(),
		depth:        depth,
		autoComplete: cfg.autoComplete,
		created:      time.Now(),
	}
	scopeCtx := withAmbientScope(ctx, s)
	s.ctx = context.WithoutCancel(scopeCtx)
	return scopeCtx, s
}

// finalize ends the chain owned by root. Leaked lock counters are released
// and reported, the transaction is committed or rolled back, the publisher
// is told the outcome, and exit callbacks run.
func (p *Provider) finalize(ctx context.Context, root *Scope, state CompletionState) error {
	c := root.chain
	var errs []error

	c.mu.Lock()
	c.finalizing = true
	c.mu.Unlock()

	leaked, err := p.locks.ReleaseChain(ctx, c.id)
	if err != nil {
		errs = append(errs, err)
	}
	if len(leaked) > 0 {
		errs = append(errs, scopeError("dispose", root, leakedLocksError(leaked)))
	}

	c.mu.Lock()
	vetoed := c.childVeto
	corrupt := c.corrupt
	c.mu.Unlock()

	completed := state == Completed && !vetoed && !corrupt
	var reason error
	if state == Completed && vetoed {
		reason = ErrChildNotCompleted
	}

	started := time.Now()
	var txErr error
	if completed {
		txErr = c.tx.Commit(ctx)
		p.log(ScopeLogEvent{Op: OpCommit, State: state, Duration: time.Since(started), Err: txErr}, root)
	} else {
		txErr = c.tx.Rollback(ctx)
		logErr := txErr
		if logErr == nil {
			logErr = reason
		}
		p.log(ScopeLogEvent{Op: OpRollback, State: state, Duration: time.Since(started), Err: logErr}, root)
	}

	effective := completed
	if txErr != nil {
		errs = append(errs, txErr)
		effective = false
	}
	if err := c.publisher.ScopeExit(ctx, effective); err != nil {
		errs = append(errs, err)
	}

	for _, e := range c.exitCallbacks() {
		if err := e.fn(ctx, effective); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.closed = true
	c.stack = nil
	c.mu.Unlock()

	return joinErrors(errs)
}

func (p *Provider) log(event ScopeLogEvent, s *Scope) {
	event.ChainID = s.chain.id
	event.InstanceID = s.instance.String()
	event.Depth = s.depth
	p.logger.LogScope(event)
}
