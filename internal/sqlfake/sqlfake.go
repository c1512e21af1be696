// Package sqlfake is a recording database/sql driver for tests.
package sqlfake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
)

// Exec is one statement seen by the driver.
type Exec struct {
	Conn  int
	Query string
	Args  []any
}

// Driver records transactions and statements across every connection it
// opens. Set BlockExec to make statements wait for their context.
type Driver struct {
	mu sync.Mutex

	BeginErr  error
	CommitErr error
	ExecErr   error
	BlockExec bool

	opened    int
	closed    int
	begun     []driver.TxOptions
	commits   int
	rollbacks int
	execs     []Exec
}

// Open returns a *sql.DB backed by d.
func (d *Driver) Open() *sql.DB {
	return sql.OpenDB(connector{d: d})
}

// Stats returns transaction counters.
func (d *Driver) Stats() (begun, commits, rollbacks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.begun), d.commits, d.rollbacks
}

// TxOptions returns the options of every transaction begun so far.
func (d *Driver) TxOptions() []driver.TxOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.TxOptions(nil), d.begun...)
}

// Execs returns the statements executed so far.
func (d *Driver) Execs() []Exec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Exec(nil), d.execs...)
}

// Conns returns how many connections were opened and closed.
func (d *Driver) Conns() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

type connector struct{ d *Driver }

func (c connector) Connect(context.Context) (driver.Conn, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.opened++
	return &conn{d: c.d, id: c.d.opened}, nil
}

func (c connector) Driver() driver.Driver { return drv{} }

type drv struct{}

func (drv) Open(string) (driver.Conn, error) {
	return nil, errors.New("sqlfake: use Driver.Open")
}

type conn struct {
	d  *Driver
	id int
}

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("sqlfake: prepared statements not supported")
}

func (c *conn) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.closed++
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.BeginErr != nil {
		return nil, c.d.BeginErr
	}
	c.d.begun = append(c.d.begun, opts)
	return tx{d: c.d}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	block, execErr := c.d.BlockExec, c.d.ExecErr
	c.d.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if execErr != nil {
		return nil, execErr
	}

	values := make([]any, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	c.d.mu.Lock()
	c.d.execs = append(c.d.execs, Exec{Conn: c.id, Query: query, Args: values})
	c.d.mu.Unlock()
	return driver.RowsAffected(0), nil
}

type tx struct{ d *Driver }

func (t tx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.CommitErr != nil {
		return t.d.CommitErr
	}
	t.d.commits++
	return nil
}

func (t tx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.rollbacks++
	return nil
}
