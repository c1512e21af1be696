package uow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ChainID identifies one logical call chain. It is assigned when the root
// scope is created and shared by every nested scope of that chain.
type ChainID uuid.UUID

// NewChainID returns a fresh random chain identifier.
func NewChainID() ChainID {
	return ChainID(uuid.New())
}

// String renders the canonical UUID form.
func (c ChainID) String() string {
	return uuid.UUID(c).String()
}

// IsZero reports whether c is the zero identifier.
func (c ChainID) IsZero() bool {
	return uuid.UUID(c) == uuid.Nil
}

// LockMode distinguishes shared and exclusive requests on a resource.
type LockMode int

const (
	// LockModeRead requests a shared lock.
	LockModeRead LockMode = iota + 1
	// LockModeWrite requests an exclusive lock.
	LockModeWrite
)

func (m LockMode) String() string {
	switch m {
	case LockModeRead:
		return "read"
	case LockModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// LockKey names one lock request. Read and write requests on the same
// resource are different keys; the lock table does not interpret the mode.
type LockKey struct {
	ID   int
	Mode LockMode
}

// ReadLock builds the shared lock key for resource id.
func ReadLock(id int) LockKey {
	return LockKey{ID: id, Mode: LockModeRead}
}

// WriteLock builds the exclusive lock key for resource id.
func WriteLock(id int) LockKey {
	return LockKey{ID: id, Mode: LockModeWrite}
}

func (k LockKey) String() string {
	return fmt.Sprintf("%s:%d", k.Mode, k.ID)
}

// LockGateway performs the store-level acquire and release. The lock table
// calls it only on the first increment and the last decrement of a key for a
// chain. Timeouts are carried by ctx.
type LockGateway interface {
	Acquire(ctx context.Context, owner ChainID, key LockKey) error
	Release(ctx context.Context, owner ChainID, key LockKey) error
}

type nopLockGateway struct{}

func (nopLockGateway) Acquire(context.Context, ChainID, LockKey) error { return nil }
func (nopLockGateway) Release(context.Context, ChainID, LockKey) error { return nil }

// Transaction is the transactional resource owned by a root scope.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionFactory starts a fresh transaction for every root scope.
type TransactionFactory interface {
	Begin(ctx context.Context) (Transaction, error)
}

// TransactionFactoryFunc adapts a function to TransactionFactory.
type TransactionFactoryFunc func(ctx context.Context) (Transaction, error)

// Begin implements TransactionFactory.
func (fn TransactionFactoryFunc) Begin(ctx context.Context) (Transaction, error) {
	return fn(ctx)
}

type nopTransaction struct{}

func (nopTransaction) Commit(context.Context) error   { return nil }
func (nopTransaction) Rollback(context.Context) error { return nil }

type nopTransactionFactory struct{}

func (nopTransactionFactory) Begin(context.Context) (Transaction, error) {
	return nopTransaction{}, nil
}

// CompletionState records whether a scope asked to commit.
type CompletionState int

const (
	// Undetermined is the default; it rolls back at finalization.
	Undetermined CompletionState = iota
	// Completed marks the scope for commit.
	Completed
	// Aborted marks the scope for rollback explicitly.
	Aborted
)

func (s CompletionState) String() string {
	switch s {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "undetermined"
	}
}
