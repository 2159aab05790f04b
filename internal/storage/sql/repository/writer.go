// Package repository implements core.Store: the DB-Writer (a single
// goroutine that serializes every mutating operation into one
// totally-ordered stream, per spec.md §4.1) plus a separate bounded read
// pool for snapshot-consistent status queries.
package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/core"
)

// txFunc is one DB-Writer operation: it runs inside a single transaction
// against the write connection and returns an opaque result.
type txFunc func(ctx context.Context, tx *sql.Tx) (any, error)

type opRequest struct {
	ctx      context.Context
	fn       txFunc
	resultCh chan opResult
}

type opResult struct {
	val any
	err error
}

// Store is the repository.Store implementation of core.Store.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	clk     clock.Clock

	ops    chan *opRequest
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewStore wraps a write connection (expected to be pinned to a single
// physical connection by the caller) and a read pool into a Store, and
// starts the DB-Writer goroutine.
func NewStore(writeDB, readDB *sql.DB, clk clock.Clock) *Store {
	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		clk:     clk,
		ops:     make(chan *opRequest),
		closed:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runWriter()
	return s
}

func (s *Store) runWriter() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.ops:
			val, err := s.execTx(req.ctx, req.fn)
			req.resultCh <- opResult{val: val, err: err}
		case <-s.closed:
			return
		}
	}
}

func (s *Store) execTx(ctx context.Context, fn txFunc) (any, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	val, err := fn(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return val, nil
}

// submit enqueues fn to the DB-Writer and blocks for its result, preserving
// arrival order across all callers (spec.md §5 "DB-Writer operations are
// applied in arrival order").
func (s *Store) submit(ctx context.Context, fn txFunc) (any, error) {
	req := &opRequest{ctx: ctx, fn: fn, resultCh: make(chan opResult, 1)}

	select {
	case s.ops <- req:
	case <-s.closed:
		return nil, core.ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resultCh:
		return res.val, res.err
	case <-s.closed:
		return nil, core.ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the DB-Writer and releases both connection pools.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	writeErr := s.writeDB.Close()
	readErr := s.readDB.Close()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}
