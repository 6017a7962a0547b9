package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/ledger"
)

// ErrNoTransaction is returned by operations that must run inside a Tx.
var ErrNoTransaction = errors.New("operation requires an active transaction")

// Tx is a database transaction with its own ledger of staged backend
// operations. Resolve it with Commit or Rollback; the embedded sqlx.Tx methods
// of the same names are shadowed.
type Tx struct {
	*sqlx.Tx

	coord  *Coordinator
	ledger *ledger.Ledger
	done   atomic.Bool
}

// Begin starts a transaction on db.
func (c *Coordinator) Begin(ctx context.Context, db *sqlx.DB) (*Tx, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{Tx: tx, coord: c, ledger: ledger.New()}, nil
}

// Ledger returns the transaction's ledger.
func (t *Tx) Ledger() *ledger.Ledger { return t.ledger }

// PreInsert stores the data attached to img. Call it before inserting the row.
func (t *Tx) PreInsert(ctx context.Context, img *models.Image) error {
	return t.coord.PreInsert(ctx, t.ledger, img)
}

// PreDelete stages the removal of img's bytes. Call it before deleting the row.
func (t *Tx) PreDelete(ctx context.Context, img *models.Image) error {
	return t.coord.PreDelete(ctx, t.ledger, img)
}

// Commit commits the database transaction and then executes the staged
// deletes. When the commit itself fails the bytes written during the
// transaction are removed instead. Resolving a Tx twice is a no-op.
func (t *Tx) Commit(ctx context.Context) error {
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	cleanup := context.WithoutCancel(ctx)
	if err := t.Tx.Commit(); err != nil {
		t.coord.PostRollback(cleanup, t.ledger)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.coord.PostCommit(cleanup, t.ledger)
	return nil
}

// Rollback rolls the database transaction back and removes the bytes written
// during it. Resolving a Tx twice is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	err := t.Tx.Rollback()
	t.coord.PostRollback(context.WithoutCancel(ctx), t.ledger)
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

type txKey struct{}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok && tx != nil
}

// Executor returns the transaction carried by ctx, or db when there is none.
func Executor(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// RunInTransaction calls fn inside a transaction. When ctx already carries one
// it is reused and left for the outer caller to resolve. Otherwise a new
// transaction is committed when fn succeeds and rolled back when fn returns an
// error or panics.
func RunInTransaction(ctx context.Context, db *sqlx.DB, coord *Coordinator, fn func(ctx context.Context) error) (err error) {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := coord.Begin(ctx, db)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction after error %v: %w", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}
