package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TxManager runs units of work atomically. InScopedTx additionally
// serializes every unit of work that names the same scope, which is how
// sequence-numbered identifiers stay unique and stock is never over-deducted.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InScopedTx(ctx context.Context, scope string, fn func(ctx context.Context) error) error
}

// PGTxManager implements TxManager with pgx transactions and transaction
// scoped advisory locks. Calls made while a transaction is already in the
// context join it.
type PGTxManager struct {
	pool     *pgxpool.Pool
	attempts int
}

func NewTxManager(pool *pgxpool.Pool, retryAttempts int) *PGTxManager {
	return &PGTxManager{pool: pool, attempts: retryAttempts}
}

func (m *PGTxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return RetryOnConflict(ctx, m.attempts, func() error {
		return m.run(ctx, "", fn)
	})
}

func (m *PGTxManager) InScopedTx(ctx context.Context, scope string, fn func(ctx context.Context) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
			return fmt.Errorf("lock scope %s: %w", scope, err)
		}
		return fn(ctx)
	}
	return RetryOnConflict(ctx, m.attempts, func() error {
		return m.run(ctx, scope, fn)
	})
}

func (m *PGTxManager) run(ctx context.Context, scope string, fn func(ctx context.Context) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if scope != "" {
		// Released automatically on commit or rollback.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
			return fmt.Errorf("lock scope %s: %w", scope, err)
		}
	}

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type heldScopesKey struct{}

// LocalTxManager serializes scopes with in-process mutexes. It provides no
// rollback and backs the in-memory repositories used by service tests.
type LocalTxManager struct {
	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

func NewLocalTxManager() *LocalTxManager {
	return &LocalTxManager{scopes: make(map[string]*sync.Mutex)}
}

func (m *LocalTxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *LocalTxManager) InScopedTx(ctx context.Context, scope string, fn func(ctx context.Context) error) error {
	held, _ := ctx.Value(heldScopesKey{}).(map[string]bool)
	if held[scope] {
		return fn(ctx)
	}

	m.mu.Lock()
	lock, ok := m.scopes[scope]
	if !ok {
		lock = &sync.Mutex{}
		m.scopes[scope] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	next := make(map[string]bool, len(held)+1)
	for k := range held {
		next[k] = true
	}
	next[scope] = true
	return fn(context.WithValue(ctx, heldScopesKey{}, next))
}
