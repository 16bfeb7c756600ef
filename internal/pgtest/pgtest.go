// Package pgtest provides an in-memory pgx.Tx for tests that fake repositories.
//
// Fake repositories stage their writes on the transaction with Stage; the
// writes become visible only when the transaction commits, so a rollback
// leaves the fake store untouched just like Postgres would.
package pgtest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything.
type Tx struct {
	mu         sync.Mutex
	staged     []func()
	committed  bool
	rolledBack bool

	// CommitErr, when set, is returned by Commit and the staged writes are dropped.
	CommitErr error
}

// Stage queues fn to run when the transaction commits.
func (t *Tx) Stage(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = append(t.staged, fn)
}

// Stage queues fn on tx when it is a *Tx and runs it immediately otherwise,
// so fakes also work with a nil transaction.
func Stage(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.Stage(fn)
		return
	}
	fn()
}

func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	if t.CommitErr != nil {
		t.rolledBack = true
		t.staged = nil
		t.mu.Unlock()
		return t.CommitErr
	}
	staged := t.staged
	t.staged = nil
	t.committed = true
	t.mu.Unlock()
	for _, fn := range staged {
		fn()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	t.staged = nil
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Pool hands out a fresh Tx on every Begin and remembers them.
type Pool struct {
	mu  sync.Mutex
	txs []*Tx

	// BeginErr, when set, is returned by Begin.
	BeginErr error
	// CommitErr is copied into every Tx handed out.
	CommitErr error
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{CommitErr: p.CommitErr}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txs) == 0 {
		return nil
	}
	return p.txs[len(p.txs)-1]
}

// Count returns how many transactions were begun.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}
