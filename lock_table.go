package uow

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// LockTable reference counts lock requests per chain so the store-level lock
// behind a key is acquired once and released once per chain, no matter how
// many nested scopes request it.
//
// The mutex guards map operations only. Gateway calls run outside of it, so a
// blocking acquire in one chain does not stall bookkeeping for other chains.
// A single chain never calls the table concurrently.
type LockTable struct {
	mu      sync.Mutex
	gateway LockGateway
	chains  map[ChainID]map[LockKey]int
}

// NewLockTable constructs a table that acquires and releases through gateway.
// A nil gateway only keeps counts.
func NewLockTable(gateway LockGateway) *LockTable {
	if gateway == nil {
		gateway = nopLockGateway{}
	}
	return &LockTable{
		gateway: gateway,
		chains:  make(map[ChainID]map[LockKey]int),
	}
}

// IncrementLock bumps the count for key on chain. The first increment
// acquires the store lock; if that fails nothing is recorded and the gateway
// error is returned as is.
func (t *LockTable) IncrementLock(ctx context.Context, key LockKey, chain ChainID) error {
	t.mu.Lock()
	if locks, ok := t.chains[chain]; ok {
		if count := locks[key]; count > 0 {
			locks[key] = count + 1
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	if err := t.gateway.Acquire(ctx, chain, key); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	locks, ok := t.chains[chain]
	if !ok {
		locks = make(map[LockKey]int)
		t.chains[chain] = locks
	}
	locks[key]++
	return nil
}

// DecrementLock drops one reference to key on chain. Reaching zero removes
// the entry and releases the store lock. Unknown keys are ignored.
func (t *LockTable) DecrementLock(ctx context.Context, key LockKey, chain ChainID) error {
	t.mu.Lock()
	locks, ok := t.chains[chain]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	count, ok := locks[key]
	if !ok || count <= 0 {
		t.mu.Unlock()
		return nil
	}
	if count > 1 {
		locks[key] = count - 1
		t.mu.Unlock()
		return nil
	}
	delete(locks, key)
	if len(locks) == 0 {
		delete(t.chains, chain)
	}
	t.mu.Unlock()

	return t.gateway.Release(ctx, chain, key)
}

// Count returns the current reference count of key on chain.
func (t *LockTable) Count(chain ChainID, key LockKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chains[chain][key]
}

// Counts returns a copy of every live count held by chain.
func (t *LockTable) Counts(chain ChainID) map[LockKey]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	locks := t.chains[chain]
	if len(locks) == 0 {
		return nil
	}
	out := make(map[LockKey]int, len(locks))
	for key, count := range locks {
		out[key] = count
	}
	return out
}

// Len returns the number of chains holding at least one lock.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chains)
}

// ReleaseChain clears every remaining count for chain and releases each store
// lock once. It returns the keys that were still held, sorted by id then mode.
func (t *LockTable) ReleaseChain(ctx context.Context, chain ChainID) ([]LockKey, error) {
	t.mu.Lock()
	locks := t.chains[chain]
	delete(t.chains, chain)
	t.mu.Unlock()

	if len(locks) == 0 {
		return nil, nil
	}
	keys := make([]LockKey, 0, len(locks))
	for key := range locks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ID == keys[j].ID {
			return keys[i].Mode < keys[j].Mode
		}
		return keys[i].ID < keys[j].ID
	})

	var errs []error
	for _, key := range keys {
		if err := t.gateway.Release(ctx, chain, key); err != nil {
			errs = append(errs, err)
		}
	}
	return keys, errors.Join(errs...)
}
