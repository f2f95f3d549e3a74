// Package chaos injects the connection failures Postgres reports when a
// backend is terminated into the cache store's write path.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"arbsync/cache"
)

// AdminShutdown is the error a terminated backend reports.
func AdminShutdown() error {
	return &pgconn.PgError{
		Severity: "FATAL",
		Code:     "57P01",
		Message:  "terminating connection due to administrator command",
	}
}

// Pool fails a fraction of transaction starts, commits and writes. A failed
// commit rolls back first, so a fault never leaves a half-applied merge.
// Reads pass through untouched.
type Pool struct {
	inner  cache.Pool
	rate   float64
	faults atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

var _ cache.Pool = (*Pool)(nil)

// NewPool wraps inner so that each write fails with probability rate.
func NewPool(inner cache.Pool, rate float64, seed int64) *Pool {
	return &Pool{inner: inner, rate: rate, rng: rand.New(rand.NewSource(seed))}
}

// Faults returns the number of failures injected so far.
func (p *Pool) Faults() int64 {
	return p.faults.Load()
}

func (p *Pool) trip() bool {
	p.mu.Lock()
	hit := p.rng.Float64() < p.rate
	p.mu.Unlock()
	if hit {
		p.faults.Add(1)
	}
	return hit
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.trip() {
		return nil, AdminShutdown()
	}
	tx, err := p.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, pool: p}, nil
}

func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.trip() {
		return pgconn.CommandTag{}, AdminShutdown()
	}
	return p.inner.Exec(ctx, sql, args...)
}

func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.inner.Query(ctx, sql, args...)
}

func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.inner.QueryRow(ctx, sql, args...)
}

type flakyTx struct {
	pgx.Tx
	pool *Pool
}

func (t *flakyTx) Commit(ctx context.Context) error {
	if t.pool.trip() {
		_ = t.Tx.Rollback(ctx)
		return AdminShutdown()
	}
	return t.Tx.Commit(ctx)
}
