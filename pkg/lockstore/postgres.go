package lockstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	uow "github.com/goliatone/go-uow"
)

const (
	pgLockShared    = "SELECT pg_advisory_lock_shared($1)"
	pgLockExclusive = "SELECT pg_advisory_lock($1)"
	pgUnlockShared  = "SELECT pg_advisory_unlock_shared($1)"
	pgUnlockExcl    = "SELECT pg_advisory_unlock($1)"
)

// Postgres maps lock keys onto PostgreSQL session advisory locks. Each owner
// gets a dedicated connection for as long as it holds any key, since
// advisory locks belong to the session that took them.
type Postgres struct {
	db *sql.DB

	mu       sync.Mutex
	sessions map[uow.ChainID]*pgSession
}

type pgSession struct {
	conn *sql.Conn
	held int
}

// NewPostgres builds a gateway over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, sessions: make(map[uow.ChainID]*pgSession)}
}

// Acquire blocks in the database until key is granted or ctx ends.
func (p *Postgres) Acquire(ctx context.Context, owner uow.ChainID, key uow.LockKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := p.session(ctx, owner)
	if err != nil {
		return err
	}

	query := pgLockShared
	if key.Mode == uow.LockModeWrite {
		query = pgLockExclusive
	}
	if _, err := s.conn.ExecContext(ctx, query, int64(key.ID)); err != nil {
		p.closeIdle(owner, s)
		if ctxErr := contextDone(ctx); ctxErr != nil {
			return timeoutError(key, owner, ctxErr)
		}
		return fmt.Errorf("lockstore: postgres acquire %s: %w", key, err)
	}

	p.mu.Lock()
	s.held++
	p.mu.Unlock()
	return nil
}

// Release unlocks key for owner and returns the connection to the pool once
// the owner holds nothing.
func (p *Postgres) Release(ctx context.Context, owner uow.ChainID, key uow.LockKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	s := p.sessions[owner]
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	query := pgUnlockShared
	if key.Mode == uow.LockModeWrite {
		query = pgUnlockExcl
	}
	_, err := s.conn.ExecContext(ctx, query, int64(key.ID))

	p.mu.Lock()
	if s.held > 0 {
		s.held--
	}
	p.mu.Unlock()
	p.closeIdle(owner, s)

	if err != nil {
		return fmt.Errorf("lockstore: postgres release %s: %w", key, err)
	}
	return nil
}

// Sessions returns the number of owners holding a dedicated connection.
func (p *Postgres) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Postgres) session(ctx context.Context, owner uow.ChainID) (*pgSession, error) {
	p.mu.Lock()
	s := p.sessions[owner]
	p.mu.Unlock()
	if s != nil {
		return s, nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		if ctxErr := contextDone(ctx); ctxErr != nil {
			return nil, fmt.Errorf("%w: owner=%s: %v", ErrLockTimeout, owner, ctxErr)
		}
		return nil, fmt.Errorf("lockstore: postgres connection: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.sessions[owner]; existing != nil {
		_ = conn.Close()
		return existing, nil
	}
	s = &pgSession{conn: conn}
	p.sessions[owner] = s
	return s, nil
}

func (p *Postgres) closeIdle(owner uow.ChainID, s *pgSession) {
	p.mu.Lock()
	if s.held > 0 || p.sessions[owner] != s {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, owner)
	p.mu.Unlock()
	_ = s.conn.Close()
}
