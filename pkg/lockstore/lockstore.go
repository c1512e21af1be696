// Package lockstore provides LockGateway implementations backed by process
// memory, Redis, and PostgreSQL advisory locks.
package lockstore

import (
	"context"
	"errors"
	"fmt"

	uow "github.com/goliatone/go-uow"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("lockstore: lock acquisition timed out")

// ErrUpgradeConflict is returned when a read holder asks for the write lock
// while other acquisitions are already queued on the resource.
var ErrUpgradeConflict = errors.New("lockstore: lock upgrade conflicts with queued waiters")

var (
	_ uow.LockGateway = (*Memory)(nil)
	_ uow.LockGateway = (*Redis)(nil)
	_ uow.LockGateway = (*Postgres)(nil)
)

func timeoutError(key uow.LockKey, owner uow.ChainID, err error) error {
	return fmt.Errorf("%w: %s owner=%s: %v", ErrLockTimeout, key, owner, err)
}

func contextDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
