package uow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goliatone/go-uow/pkg/notify"
)

type fakeTx struct {
	mu          sync.Mutex
	commits     int
	rollbacks   int
	commitErr   error
	rollbackErr error
	onCommit    func()
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.commits++
	if tx.onCommit != nil {
		tx.onCommit()
	}
	return tx.commitErr
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.rollbacks++
	return tx.rollbackErr
}

type fakeFactory struct {
	mu    sync.Mutex
	begun []*fakeTx
	err   error
	next  func() *fakeTx
}

func (f *fakeFactory) Begin(context.Context) (Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tx := &fakeTx{}
	if f.next != nil {
		tx = f.next()
	}
	f.begun = append(f.begun, tx)
	return tx, nil
}

func (f *fakeFactory) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begun[len(f.begun)-1]
}

type countingSink struct {
	mu         sync.Mutex
	delivered  []notify.Notification
	cancelable int
	cancel     bool
}

func (s *countingSink) Deliver(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *countingSink) DeliverCancelable(_ context.Context, n notify.Cancelable) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelable++
	if s.cancel {
		n.Cancel()
	}
	return s.cancel, nil
}

type fakePublisher struct {
	published  []notify.Notification
	cancelable int
	exits      []bool
}

func (p *fakePublisher) Publish(_ context.Context, n notify.Notification) error {
	p.published = append(p.published, n)
	return nil
}

func (p *fakePublisher) PublishCancelable(context.Context, notify.Cancelable) (bool, error) {
	p.cancelable++
	return false, nil
}

func (p *fakePublisher) ScopeExit(_ context.Context, completed bool) error {
	p.exits = append(p.exits, completed)
	return nil
}

type deleting struct {
	notify.CancelableBase
	ID int
}

func TestEndToEndNestedScopes(t *testing.T) {
	gateway := &recordingGateway{}
	factory := &fakeFactory{}
	sink := &countingSink{}
	provider := NewProvider(
		WithLockGateway(gateway),
		WithTransactionFactory(factory),
		WithSink(sink),
	)

	rootCtx, root, err := provider.CreateScope(context.Background())
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	tx := factory.last()
	tx.onCommit = func() {
		if len(sink.delivered) != 0 {
			t.Fatalf("notification delivered before commit")
		}
	}

	c1Ctx, c1, err := provider.CreateScope(rootCtx)
	if err != nil {
		t.Fatalf("create c1: %v", err)
	}
	if err := c1.RequestWriteLock(c1Ctx, 5); err != nil {
		t.Fatalf("c1 lock: %v", err)
	}
	if acquired, _ := gateway.counts(); acquired != 1 {
		t.Fatalf("expected one acquire, got %d", acquired)
	}

	c2Ctx, c2, err := provider.CreateScope(c1Ctx)
	if err != nil {
		t.Fatalf("create c2: %v", err)
	}
	if err := c2.RequestWriteLock(c2Ctx, 5); err != nil {
		t.Fatalf("c2 lock: %v", err)
	}
	if acquired, _ := gateway.counts(); acquired != 1 {
		t.Fatalf("expected acquire not repeated, got %d", acquired)
	}
	if got := provider.Locks().Count(root.ChainID(), WriteLock(5)); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}

	if err := c1.Notifications().Publish(c1Ctx, "N1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := c2.Dispose(); err != nil {
		t.Fatalf("dispose c2: %v", err)
	}
	if got := provider.Locks().Count(root.ChainID(), WriteLock(5)); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	if _, released := gateway.counts(); released != 0 {
		t.Fatalf("expected no release yet, got %d", released)
	}

	if err := c1.Dispose(); err != nil {
		t.Fatalf("dispose c1: %v", err)
	}
	if _, released := gateway.counts(); released != 1 {
		t.Fatalf("expected one release, got %d", released)
	}

	if err := root.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose root: %v", err)
	}

	if tx.commits != 1 || tx.rollbacks != 0 {
		t.Fatalf("expected one commit, got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}
	if len(sink.delivered) != 1 || sink.delivered[0] != "N1" {
		t.Fatalf("expected N1 delivered once, got %v", sink.delivered)
	}
	if provider.Locks().Len() != 0 {
		t.Fatalf("expected empty lock table, got %d", provider.Locks().Len())
	}
}

func TestOutermostOwnsPublisher(t *testing.T) {
	sink := &countingSink{}
	provider := NewProvider(WithSink(sink))
	custom := &fakePublisher{}

	rootCtx, root, err := provider.CreateScope(context.Background(), WithPublisher(custom))
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	childCtx, child, err := provider.CreateScope(rootCtx)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	_ = root.Notifications().Publish(rootCtx, "from-root")
	_ = child.Notifications().Publish(childCtx, "from-child")
	_, _ = root.Notifications().PublishCancelable(rootCtx, &deleting{})
	_, _ = child.Notifications().PublishCancelable(childCtx, &deleting{})

	if len(custom.published) != 2 || custom.cancelable != 2 {
		t.Fatalf("expected all traffic on custom publisher, got %d/%d", len(custom.published), custom.cancelable)
	}

	other := &fakePublisher{}
	_, nested, err := provider.CreateScope(childCtx, WithPublisher(other))
	if !errors.Is(err, ErrInvalidOverride) {
		t.Fatalf("expected ErrInvalidOverride, got %v", err)
	}
	if nested != nil {
		t.Fatalf("expected no scope on invalid override")
	}
	_ = child.Notifications().Publish(childCtx, "after-override")
	if len(custom.published) != 3 || len(other.published) != 0 {
		t.Fatalf("expected publisher unchanged, got custom=%d other=%d", len(custom.published), len(other.published))
	}

	_ = child.Dispose()
	_ = root.Complete()
	_ = root.Dispose()

	if len(sink.delivered) != 0 || sink.cancelable != 0 {
		t.Fatalf("expected default sink untouched, got %d/%d", len(sink.delivered), sink.cancelable)
	}
}

func TestScopeExitOnlyOnRootDispose(t *testing.T) {
	provider := NewProvider()
	custom := &fakePublisher{}

	rootCtx, root, _ := provider.CreateScope(context.Background(), WithPublisher(custom))
	for i := 0; i < 3; i++ {
		_, child, err := provider.CreateScope(rootCtx)
		if err != nil {
			t.Fatalf("create child %d: %v", i, err)
		}
		if err := child.Complete(); err != nil {
			t.Fatalf("complete child: %v", err)
		}
		if err := child.Dispose(); err != nil {
			t.Fatalf("dispose child: %v", err)
		}
		if len(custom.exits) != 0 {
			t.Fatalf("expected no exit on child dispose, got %v", custom.exits)
		}
	}

	_ = root.Complete()
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose root: %v", err)
	}
	if len(custom.exits) != 1 || !custom.exits[0] {
		t.Fatalf("expected single completed exit, got %v", custom.exits)
	}

	if err := root.Dispose(); err != nil {
		t.Fatalf("second dispose: %v", err)
	}
	if len(custom.exits) != 1 {
		t.Fatalf("expected exit not repeated, got %v", custom.exits)
	}
}

func TestRollbackByDefault(t *testing.T) {
	factory := &fakeFactory{}
	sink := &countingSink{}
	provider := NewProvider(WithTransactionFactory(factory), WithSink(sink))

	ctx, root, _ := provider.CreateScope(context.Background())
	_ = root.Notifications().Publish(ctx, "discarded")
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	tx := factory.last()
	if tx.rollbacks != 1 || tx.commits != 0 {
		t.Fatalf("expected rollback, got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}
	if len(sink.delivered) != 0 {
		t.Fatalf("expected discarded queue, got %v", sink.delivered)
	}
}

func TestFailForcesRollback(t *testing.T) {
	factory := &fakeFactory{}
	provider := NewProvider(WithTransactionFactory(factory))

	_, root, _ := provider.CreateScope(context.Background(), WithAutoComplete())
	_ = root.Fail()
	_ = root.Dispose()

	if tx := factory.last(); tx.rollbacks != 1 {
		t.Fatalf("expected rollback after Fail, got %d", tx.rollbacks)
	}
	if root.State() != Aborted {
		t.Fatalf("expected aborted, got %s", root.State())
	}
}

func TestAutoCompleteCommits(t *testing.T) {
	factory := &fakeFactory{}
	provider := NewProvider(WithTransactionFactory(factory))

	_, root, _ := provider.CreateScope(context.Background(), WithAutoComplete())
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if tx := factory.last(); tx.commits != 1 {
		t.Fatalf("expected commit, got %d", tx.commits)
	}
}

func TestCommitFailureDiscardsNotifications(t *testing.T) {
	boom := errors.New("commit failed")
	factory := &fakeFactory{next: func() *fakeTx { return &fakeTx{commitErr: boom} }}
	sink := &countingSink{}
	provider := NewProvider(WithTransactionFactory(factory), WithSink(sink))

	ctx, root, _ := provider.CreateScope(context.Background())
	_ = root.Notifications().Publish(ctx, "never")
	_ = root.Complete()

	var exitOutcome *bool
	_, _ = root.Enlist("probe", 0, func(_ context.Context, completed bool) error {
		exitOutcome = &completed
		return nil
	})

	err := root.Dispose()
	if err != boom {
		t.Fatalf("expected commit error unmodified, got %v", err)
	}
	if len(sink.delivered) != 0 {
		t.Fatalf("expected no delivery after failed commit, got %v", sink.delivered)
	}
	if exitOutcome == nil || *exitOutcome {
		t.Fatalf("expected exit callback with completed=false")
	}
}

func TestTransactionFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("no connection")
	provider := NewProvider(WithTransactionFactory(&fakeFactory{err: boom}))

	ctx, s, err := provider.CreateScope(context.Background())
	if err != boom {
		t.Fatalf("expected factory error, got %v", err)
	}
	if s != nil || AmbientScope(ctx) != nil {
		t.Fatalf("expected no scope installed")
	}
}

func TestDisposedScopeRejectsOperations(t *testing.T) {
	provider := NewProvider()
	ctx, root, _ := provider.CreateScope(context.Background())
	_ = root.Dispose()

	if err := root.Complete(); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed from Complete, got %v", err)
	}
	if err := root.Fail(); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed from Fail, got %v", err)
	}
	if err := root.RequestWriteLock(ctx, 1); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed from lock, got %v", err)
	}
	if err := root.Notifications().Publish(ctx, "x"); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed from publish, got %v", err)
	}
	if _, err := root.Transaction(); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed from transaction, got %v", err)
	}

	var scopeErr *ScopeError
	if err := root.Complete(); !errors.As(err, &scopeErr) || scopeErr.Chain != root.ChainID() {
		t.Fatalf("expected ScopeError carrying chain id, got %v", err)
	}
}

func TestDisposeOutOfOrder(t *testing.T) {
	factory := &fakeFactory{}
	gateway := &recordingGateway{}
	provider := NewProvider(WithTransactionFactory(factory), WithLockGateway(gateway))

	rootCtx, root, _ := provider.CreateScope(context.Background())
	childCtx, child, _ := provider.CreateScope(rootCtx)
	if err := child.RequestWriteLock(childCtx, 8); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_ = root.Complete()
	err := root.Dispose()
	if !errors.Is(err, ErrNotAmbient) {
		t.Fatalf("expected ErrNotAmbient, got %v", err)
	}
	if !errors.Is(err, ErrLocksNotCleared) {
		t.Fatalf("expected leaked locks reported, got %v", err)
	}
	if tx := factory.last(); tx.rollbacks != 1 || tx.commits != 0 {
		t.Fatalf("expected rollback of corrupted chain, got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}
	if _, released := gateway.counts(); released != 1 {
		t.Fatalf("expected leaked lock released once, got %d", released)
	}

	if err := child.Dispose(); !errors.Is(err, ErrParentDisposed) {
		t.Fatalf("expected ErrParentDisposed, got %v", err)
	}
	if _, released := gateway.counts(); released != 1 {
		t.Fatalf("expected no double release, got %d", released)
	}
	if err := child.Dispose(); err != nil {
		t.Fatalf("expected second dispose to be a no-op, got %v", err)
	}
}

func TestNestedDisposeOutOfOrderKeepsChainUsable(t *testing.T) {
	provider := NewProvider()
	rootCtx, root, _ := provider.CreateScope(context.Background())
	c1Ctx, c1, _ := provider.CreateScope(rootCtx)
	_, c2, _ := provider.CreateScope(c1Ctx)

	if err := c1.Dispose(); !errors.Is(err, ErrNotAmbient) {
		t.Fatalf("expected ErrNotAmbient, got %v", err)
	}
	if err := c2.Dispose(); !errors.Is(err, ErrParentDisposed) {
		t.Fatalf("expected ErrParentDisposed, got %v", err)
	}
	if _, _, err := provider.CreateScope(rootCtx); err != nil {
		t.Fatalf("expected root still usable, got %v", err)
	}
	_ = root
}

func TestSiblingFromStaleContextRejected(t *testing.T) {
	provider := NewProvider()
	rootCtx, _, _ := provider.CreateScope(context.Background())
	if _, _, err := provider.CreateScope(rootCtx); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, _, err := provider.CreateScope(rootCtx); !errors.Is(err, ErrNotAmbient) {
		t.Fatalf("expected ErrNotAmbient for sibling, got %v", err)
	}
}

func TestForeignScopeRejected(t *testing.T) {
	a := NewProvider()
	b := NewProvider()
	ctx, _, _ := a.CreateScope(context.Background())

	if _, _, err := b.CreateScope(ctx); !errors.Is(err, ErrForeignScope) {
		t.Fatalf("expected ErrForeignScope, got %v", err)
	}
	if b.AmbientScope(ctx) != nil {
		t.Fatalf("expected foreign scope hidden from provider")
	}
	if a.AmbientScope(ctx) == nil {
		t.Fatalf("expected ambient scope for owning provider")
	}
}

func TestAmbientScopeAndDepth(t *testing.T) {
	provider := NewProvider()
	if AmbientScope(context.Background()) != nil {
		t.Fatalf("expected no ambient scope")
	}

	rootCtx, root, _ := provider.CreateScope(context.Background())
	childCtx, child, _ := provider.CreateScope(rootCtx)

	if AmbientScope(rootCtx) != root || AmbientScope(childCtx) != child {
		t.Fatalf("unexpected ambient scopes")
	}
	if !root.IsRoot() || child.IsRoot() {
		t.Fatalf("unexpected root flags")
	}
	if root.Depth() != 0 || child.Depth() != 1 {
		t.Fatalf("unexpected depths %d/%d", root.Depth(), child.Depth())
	}
	if child.ChainID() != root.ChainID() || child.Parent() != root {
		t.Fatalf("expected child to share chain with root")
	}
	if child.InstanceID() == root.InstanceID() {
		t.Fatalf("expected distinct instance ids")
	}
	id, ok := ChainIDFromContext(childCtx)
	if !ok || id != root.ChainID() {
		t.Fatalf("expected chain id from context")
	}
	rootTx, _ := root.Transaction()
	childTx, _ := child.Transaction()
	if rootTx != childTx {
		t.Fatalf("expected shared transaction")
	}
}

func TestAmbientScopeSkipsDisposedScopes(t *testing.T) {
	provider := NewProvider()
	rootCtx, root, _ := provider.CreateScope(context.Background())
	childCtx, child, _ := provider.CreateScope(rootCtx)

	_ = child.Complete()
	if err := child.Dispose(); err != nil {
		t.Fatalf("dispose child: %v", err)
	}
	if got := provider.AmbientScope(childCtx); got != root {
		t.Fatalf("expected parent to be current after child dispose, got %p", got)
	}
	if id, ok := ChainIDFromContext(childCtx); !ok || id != root.ChainID() {
		t.Fatalf("expected chain id still readable from child context")
	}

	siblingCtx, sibling, err := provider.CreateScope(childCtx)
	if err != nil {
		t.Fatalf("create from disposed child context: %v", err)
	}
	if sibling.Parent() != root || sibling.Depth() != 1 {
		t.Fatalf("expected new child of root, got parent=%p depth=%d", sibling.Parent(), sibling.Depth())
	}
	_ = sibling.Dispose()
	if AmbientScope(siblingCtx) != root {
		t.Fatalf("expected root current again")
	}

	_ = root.Complete()
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose root: %v", err)
	}
	if AmbientScope(rootCtx) != nil || AmbientScope(childCtx) != nil {
		t.Fatalf("expected no ambient scope once the chain ended")
	}
}

func TestCreateScopeAfterChainEndedOpensNewRoot(t *testing.T) {
	factory := &fakeFactory{}
	provider := NewProvider(WithTransactionFactory(factory))

	ctx, first, _ := provider.CreateScope(context.Background())
	_ = first.Complete()
	_ = first.Dispose()

	ctx, second, err := provider.CreateScope(ctx)
	if err != nil {
		t.Fatalf("create after chain ended: %v", err)
	}
	if !second.IsRoot() || second.ChainID() == first.ChainID() {
		t.Fatalf("expected a fresh root with a new chain id")
	}
	if AmbientScope(ctx) != second {
		t.Fatalf("expected new root to be ambient")
	}
	if len(factory.begun) != 2 {
		t.Fatalf("expected a second transaction, got %d", len(factory.begun))
	}
	if tx, _ := second.Transaction(); tx != factory.last() {
		t.Fatalf("expected new root to own the new transaction")
	}
	_ = second.Dispose()
}

func TestStrictChildCompletionVetoesCommit(t *testing.T) {
	factory := &fakeFactory{}
	provider := NewProvider(
		WithTransactionFactory(factory),
		WithConfig(Config{StrictChildCompletion: true}),
	)

	rootCtx, root, _ := provider.CreateScope(context.Background())
	_, child, _ := provider.CreateScope(rootCtx)
	_ = child.Dispose()
	_ = root.Complete()
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if tx := factory.last(); tx.rollbacks != 1 || tx.commits != 0 {
		t.Fatalf("expected veto rollback, got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}
}

func TestChildWithoutCompleteDoesNotVetoByDefault(t *testing.T) {
	factory := &fakeFactory{}
	provider := NewProvider(WithTransactionFactory(factory))

	rootCtx, root, _ := provider.CreateScope(context.Background())
	_, child, _ := provider.CreateScope(rootCtx)
	_ = child.Dispose()
	_ = root.Complete()
	_ = root.Dispose()
	if tx := factory.last(); tx.commits != 1 {
		t.Fatalf("expected commit, got %d", tx.commits)
	}
}

func TestEnlistOrderingAndDedup(t *testing.T) {
	provider := NewProvider()
	rootCtx, root, _ := provider.CreateScope(context.Background())
	_, child, _ := provider.CreateScope(rootCtx)

	var order []string
	record := func(name string) ExitFunc {
		return func(_ context.Context, completed bool) error {
			if !completed {
				t.Fatalf("expected completed outcome for %s", name)
			}
			order = append(order, name)
			return nil
		}
	}

	if ok, _ := child.Enlist("late", 10, record("late")); !ok {
		t.Fatalf("expected first enlistment accepted")
	}
	if ok, _ := root.Enlist("early", 1, record("early")); !ok {
		t.Fatalf("expected enlistment accepted")
	}
	if ok, _ := root.Enlist("late", 0, record("dup")); ok {
		t.Fatalf("expected duplicate key rejected")
	}
	_, _ = root.Enlist("early-2", 1, record("early-2"))

	_ = child.Dispose()
	_ = root.Complete()
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	want := []string{"early", "early-2", "late"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestEnlistDuringFinalizationRejected(t *testing.T) {
	provider := NewProvider()
	rootCtx, root, _ := provider.CreateScope(context.Background())
	_, child, _ := provider.CreateScope(rootCtx)

	var lateErr error
	late := false
	_, _ = root.Enlist("first", 0, func(context.Context, bool) error {
		_, lateErr = child.Enlist("late", 1, func(context.Context, bool) error {
			late = true
			return nil
		})
		return nil
	})

	// root is disposed while child is still live, so child survives into
	// finalization
	_ = root.Dispose()

	if !errors.Is(lateErr, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed for enlist during finalization, got %v", lateErr)
	}
	if late {
		t.Fatalf("late callback must not run")
	}
}

func TestCancelableDeliveredImmediately(t *testing.T) {
	sink := &countingSink{cancel: true}
	provider := NewProvider(WithSink(sink))
	ctx, root, _ := provider.CreateScope(context.Background())

	n := &deleting{ID: 4}
	canceled, err := root.Notifications().PublishCancelable(ctx, n)
	if err != nil {
		t.Fatalf("publish cancelable: %v", err)
	}
	if !canceled || sink.cancelable != 1 {
		t.Fatalf("expected synchronous cancellation, got canceled=%v calls=%d", canceled, sink.cancelable)
	}
	_ = root.Fail()
	_ = root.Dispose()
}

func TestSuppressNotifications(t *testing.T) {
	sink := &countingSink{}
	provider := NewProvider(WithSink(sink))
	ctx, root, _ := provider.CreateScope(context.Background())

	restore, err := root.SuppressNotifications()
	if err != nil {
		t.Fatalf("suppress: %v", err)
	}
	_ = root.Notifications().Publish(ctx, "hidden")
	restore()
	_ = root.Notifications().Publish(ctx, "shown")
	_ = root.Complete()
	_ = root.Dispose()

	if len(sink.delivered) != 1 || sink.delivered[0] != "shown" {
		t.Fatalf("expected only shown delivered, got %v", sink.delivered)
	}

	_, custom, _ := provider.CreateScope(context.Background(), WithPublisher(&fakePublisher{}))
	if _, err := custom.SuppressNotifications(); !errors.Is(err, ErrSuppressUnsupported) {
		t.Fatalf("expected ErrSuppressUnsupported, got %v", err)
	}
}

func TestLockAcquireFailureNotRecorded(t *testing.T) {
	boom := errors.New("lock timeout")
	gateway := &recordingGateway{acquireErr: boom}
	provider := NewProvider(WithLockGateway(gateway))
	ctx, root, _ := provider.CreateScope(context.Background())

	if err := root.RequestWriteLock(ctx, 12); err != boom {
		t.Fatalf("expected gateway error unmodified, got %v", err)
	}
	if len(root.HeldLocks()) != 0 {
		t.Fatalf("expected no held locks, got %v", root.HeldLocks())
	}
	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, released := gateway.counts(); released != 0 {
		t.Fatalf("expected no release, got %d", released)
	}
}

func TestDisposeIgnoresCanceledCreationContext(t *testing.T) {
	factory := &fakeFactory{}
	provider := NewProvider(WithTransactionFactory(factory))

	ctx, cancel := context.WithCancel(context.Background())
	_, root, _ := provider.CreateScope(ctx)
	_ = root.Complete()
	cancel()

	if err := root.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if tx := factory.last(); tx.commits != 1 {
		t.Fatalf("expected commit, got %d", tx.commits)
	}
}

func TestLoggerReceivesLifecycle(t *testing.T) {
	var ops []string
	logger := LoggerFunc(func(event ScopeLogEvent) {
		ops = append(ops, event.Op)
	})
	provider := NewProvider(WithLogger(logger), WithConfig(Config{LogUncompletedScopes: true}))

	rootCtx, root, _ := provider.CreateScope(context.Background())
	_, child, _ := provider.CreateScope(rootCtx)
	_ = child.Dispose()
	_ = root.Dispose()

	want := []string{OpCreate, OpCreate, OpUncompleted, OpDispose, OpUncompleted, OpRollback, OpDispose}
	if len(ops) != len(want) {
		t.Fatalf("expected %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ops)
		}
	}
}
