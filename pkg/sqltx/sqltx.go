// Package sqltx runs each unit-of-work chain inside a database/sql
// transaction.
package sqltx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	uow "github.com/goliatone/go-uow"
)

var (
	// ErrNoScope is returned when no ambient scope is present.
	ErrNoScope = errors.New("sqltx: no ambient scope")
	// ErrNotSQL is returned when the chain transaction was not begun by a
	// Factory.
	ErrNotSQL = errors.New("sqltx: chain transaction is not a database/sql transaction")
)

// Beginner starts database transactions. *sql.DB and *sql.Conn satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Option customizes a Factory.
type Option func(*Factory)

// WithTxOptions sets the options passed to BeginTx.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(f *Factory) { f.opts = opts }
}

// WithIsolation sets the isolation level for every chain.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(f *Factory) {
		opts := f.txOptions()
		opts.Isolation = level
		f.opts = opts
	}
}

// WithReadOnly begins read-only transactions.
func WithReadOnly() Option {
	return func(f *Factory) {
		opts := f.txOptions()
		opts.ReadOnly = true
		f.opts = opts
	}
}

// Factory begins one transaction per root scope.
type Factory struct {
	db   Beginner
	opts *sql.TxOptions
}

var _ uow.TransactionFactory = (*Factory)(nil)

// NewFactory builds a factory over db.
func NewFactory(db Beginner, opts ...Option) *Factory {
	f := &Factory{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Factory) txOptions() *sql.TxOptions {
	if f.opts == nil {
		return &sql.TxOptions{}
	}
	copied := *f.opts
	return &copied
}

// Begin starts the transaction. The context's cancellation is dropped
// because database/sql rolls a transaction back when its context ends, and
// the chain outlives the call that opened it.
func (f *Factory) Begin(ctx context.Context) (uow.Transaction, error) {
	if f.db == nil {
		return nil, errors.New("sqltx: factory has no database")
	}
	tx, err := f.db.BeginTx(context.WithoutCancel(ctx), f.opts)
	if err != nil {
		return nil, fmt.Errorf("sqltx: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx adapts *sql.Tx to the chain transaction contract.
type Tx struct {
	tx *sql.Tx
}

// SQL exposes the underlying transaction.
func (t *Tx) SQL() *sql.Tx { return t.tx }

// Commit implements uow.Transaction.
func (t *Tx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqltx: commit: %w", err)
	}
	return nil
}

// Rollback implements uow.Transaction. Rolling back a finished transaction
// is not an error.
func (t *Tx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return fmt.Errorf("sqltx: rollback: %w", err)
}

// From returns the database transaction of the chain s belongs to.
func From(s *uow.Scope) (*sql.Tx, error) {
	if s == nil {
		return nil, ErrNoScope
	}
	tx, err := s.Transaction()
	if err != nil {
		return nil, err
	}
	sqlTx, ok := tx.(*Tx)
	if !ok {
		return nil, ErrNotSQL
	}
	return sqlTx.tx, nil
}

// FromContext returns the database transaction of the ambient scope in ctx.
func FromContext(ctx context.Context) (*sql.Tx, error) {
	return From(uow.AmbientScope(ctx))
}
