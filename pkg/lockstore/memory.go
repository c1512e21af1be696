package lockstore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	uow "github.com/goliatone/go-uow"
)

const exclusiveWeight int64 = 1 << 30

// Memory is an in-process reader/writer lock gateway. Each resource id is a
// weighted semaphore: readers take one unit, writers take all of them. An
// owner holding a read lock who asks for the write lock upgrades in place,
// and a write holder gets read locks for free.
//
// Waiters are served in arrival order, so an upgrade queued behind another
// waiter could never be granted while the upgrading owner keeps its read
// unit. Such upgrades fail with ErrUpgradeConflict instead of waiting.
type Memory struct {
	mu        sync.Mutex
	resources map[int]*resource
}

type resource struct {
	sem     *semaphore.Weighted
	owners  map[uow.ChainID]*holding
	waiters int
}

type holding struct {
	read   bool
	write  bool
	weight int64
}

// NewMemory returns an empty gateway.
func NewMemory() *Memory {
	return &Memory{resources: make(map[int]*resource)}
}

// Acquire blocks until key is granted to owner or ctx ends.
func (m *Memory) Acquire(ctx context.Context, owner uow.ChainID, key uow.LockKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	r := m.resource(key.ID)
	h := r.owners[owner]
	if h == nil {
		h = &holding{}
		r.owners[owner] = h
	}

	var need int64
	switch key.Mode {
	case uow.LockModeWrite:
		need = exclusiveWeight - h.weight
	default:
		if h.weight == 0 {
			need = 1
		}
	}
	if need == 0 {
		markHeld(h, key.Mode)
		m.mu.Unlock()
		return nil
	}
	if h.weight > 0 && r.waiters > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s owner=%s waiters=%d", ErrUpgradeConflict, key, owner, r.waiters)
	}
	r.waiters++
	m.mu.Unlock()

	err := r.sem.Acquire(ctx, need)

	m.mu.Lock()
	defer m.mu.Unlock()
	r.waiters--
	if err != nil {
		m.cleanup(key.ID, r, owner, h)
		return timeoutError(key, owner, err)
	}
	h.weight += need
	markHeld(h, key.Mode)
	return nil
}

// Release gives back what owner holds for key. Unknown keys are ignored.
func (m *Memory) Release(_ context.Context, owner uow.ChainID, key uow.LockKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.resources[key.ID]
	if r == nil {
		return nil
	}
	h := r.owners[owner]
	if h == nil {
		return nil
	}

	switch key.Mode {
	case uow.LockModeWrite:
		if !h.write {
			return nil
		}
		h.write = false
		keep := int64(0)
		if h.read {
			keep = 1
		}
		r.sem.Release(h.weight - keep)
		h.weight = keep
	default:
		if !h.read {
			return nil
		}
		h.read = false
		if !h.write {
			r.sem.Release(h.weight)
			h.weight = 0
		}
	}
	m.cleanup(key.ID, r, owner, h)
	return nil
}

// Held reports whether owner holds key.
func (m *Memory) Held(owner uow.ChainID, key uow.LockKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.resources[key.ID]
	if r == nil {
		return false
	}
	h := r.owners[owner]
	if h == nil {
		return false
	}
	if key.Mode == uow.LockModeWrite {
		return h.write
	}
	return h.read
}

// Waiting returns how many acquisitions are queued on resource id.
func (m *Memory) Waiting(id int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.resources[id]; r != nil {
		return r.waiters
	}
	return 0
}

// Len returns the number of resources with holders or waiters.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// resource must be called with m.mu held.
func (m *Memory) resource(id int) *resource {
	r := m.resources[id]
	if r == nil {
		r = &resource{
			sem:    semaphore.NewWeighted(exclusiveWeight),
			owners: make(map[uow.ChainID]*holding),
		}
		m.resources[id] = r
	}
	return r
}

// cleanup must be called with m.mu held.
func (m *Memory) cleanup(id int, r *resource, owner uow.ChainID, h *holding) {
	if h.weight == 0 && !h.read && !h.write {
		delete(r.owners, owner)
	}
	if len(r.owners) == 0 && r.waiters == 0 {
		delete(m.resources, id)
	}
}

func markHeld(h *holding, mode uow.LockMode) {
	if mode == uow.LockModeWrite {
		h.write = true
		return
	}
	h.read = true
}
