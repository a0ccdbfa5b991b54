package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IsolationLevel is a PostgreSQL transaction isolation level.
type IsolationLevel int

const (
	// ReadCommitted is the server default.
	ReadCommitted IsolationLevel = iota
	// ReadUncommitted behaves as ReadCommitted on PostgreSQL.
	ReadUncommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// TxOptions are the transaction modes sent with BEGIN.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
	// Deferrable only has an effect for SERIALIZABLE READ ONLY transactions.
	Deferrable bool
}

func (o TxOptions) beginSQL() string {
	var b strings.Builder
	b.WriteString("BEGIN ISOLATION LEVEL ")
	b.WriteString(o.Isolation.String())
	if o.ReadOnly {
		b.WriteString(" READ ONLY")
	}
	if o.Deferrable {
		b.WriteString(" DEFERRABLE")
	}
	return b.String()
}

type txStatus int

const (
	txActive txStatus = iota
	// txFailed is PostgreSQL's aborted state: a statement failed and the
	// server rejects everything until ROLLBACK or ROLLBACK TO SAVEPOINT.
	txFailed
	txCommitted
	txRolledBack
)

var txStatusNames = [...]string{
	txActive:     "active",
	txFailed:     "failed",
	txCommitted:  "committed",
	txRolledBack: "rolledback",
}

// Transaction is a server transaction bound to one connector. Commands and
// batches enlisted in it must run on the same connector.
type Transaction struct {
	id        string
	conn      *Connector
	opts      TxOptions
	startedAt time.Time

	mu         sync.Mutex
	status     txStatus
	failure    error
	savepoints []string
}

// Begin starts a READ COMMITTED read-write transaction.
func (c *Connector) Begin(ctx context.Context) (*Transaction, error) {
	return c.BeginTx(ctx, TxOptions{})
}

// BeginTx starts a transaction with the given modes. A connector runs at
// most one transaction at a time.
func (c *Connector) BeginTx(ctx context.Context, opts TxOptions) (*Transaction, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if c.tx != nil && c.tx.active() {
		return nil, ErrTransactionAlreadyActive(c.tx.id)
	}
	if state := c.State(); state != StateReady {
		return nil, ErrInvalidState("begin", StateReady, state)
	}

	tx := &Transaction{
		id:        uuid.NewString(),
		conn:      c,
		opts:      opts,
		startedAt: time.Now(),
	}

	if err := c.conn.Exec(ctx, opts.beginSQL()); err != nil {
		return nil, tx.newError("E_BEGIN_FAILED", "failed to begin transaction", "pending", err)
	}

	c.tx = tx
	c.touch()
	c.logger.Debug("transaction started",
		String("tx_id", tx.id),
		String("isolation", opts.Isolation.String()),
		Bool("read_only", opts.ReadOnly))
	return tx, nil
}

// Transaction returns the connector's active transaction, or nil.
func (c *Connector) Transaction() *Transaction {
	return c.currentTx()
}

// CreateBatch returns a new batch enlisted in the transaction.
func (tx *Transaction) CreateBatch() *Batch {
	return NewBatch(tx.conn, tx)
}

// CreateCommand returns a single-statement command enlisted in the transaction.
func (tx *Transaction) CreateCommand(sql string, args ...any) *Command {
	cmd := NewCommand(sql, tx.conn, args...)
	cmd.tx = tx
	return cmd
}

func (tx *Transaction) newError(code, msg, state string, cause error) *TransactionError {
	return newTransactionError(code, msg, tx.id, state, cause)
}

// Commit commits the transaction. Committing a failed transaction rolls it
// back and returns E_TX_ABORTED wrapping the statement error that failed it.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.status {
	case txCommitted:
		return ErrTransactionAlreadyCommitted(tx.id)
	case txRolledBack:
		return ErrTransactionAlreadyRolledBack(tx.id)
	case txFailed:
		failure := tx.failure
		if err := tx.rollbackLocked(ctx); err != nil {
			return err
		}
		return tx.newError("E_TX_ABORTED", "transaction was aborted by a failed statement and has been rolled back", "rolledback", failure)
	}

	if err := tx.conn.conn.Exec(ctx, "COMMIT"); err != nil {
		return tx.newError("E_COMMIT_FAILED", "failed to commit transaction", "active", err)
	}

	tx.status = txCommitted
	tx.release()
	return nil
}

// Rollback rolls back the transaction. Rolling back twice is a no-op.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackLocked(ctx)
}

func (tx *Transaction) rollbackLocked(ctx context.Context) error {
	switch tx.status {
	case txCommitted:
		return ErrTransactionAlreadyCommitted(tx.id)
	case txRolledBack:
		return nil
	}

	if err := tx.conn.conn.Exec(ctx, "ROLLBACK"); err != nil {
		return tx.newError("E_ROLLBACK_FAILED", "failed to rollback transaction", txStatusNames[tx.status], err)
	}

	tx.status = txRolledBack
	tx.savepoints = nil
	tx.release()
	return nil
}

// Savepoint establishes a named savepoint inside the transaction.
func (tx *Transaction) Savepoint(ctx context.Context, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.usableLocked(); err != nil {
		return err
	}
	if err := tx.conn.conn.Exec(ctx, "SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return tx.newError("E_SAVEPOINT_FAILED", "failed to create savepoint", "active", err)
	}
	tx.savepoints = append(tx.savepoints, name)
	return nil
}

// RollbackTo rolls back to a savepoint, discarding the savepoints created
// after it. This is the only way to continue a failed transaction.
func (tx *Transaction) RollbackTo(ctx context.Context, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status == txCommitted || tx.status == txRolledBack {
		return tx.usableLocked()
	}
	i := tx.savepointIndex(name)
	if i < 0 {
		return tx.unknownSavepoint(name)
	}
	if err := tx.conn.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return tx.newError("E_SAVEPOINT_FAILED", "failed to roll back to savepoint", txStatusNames[tx.status], err)
	}
	tx.savepoints = tx.savepoints[:i+1]
	tx.status = txActive
	tx.failure = nil
	return nil
}

// ReleaseSavepoint destroys a savepoint and the ones created after it,
// keeping their effects.
func (tx *Transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.usableLocked(); err != nil {
		return err
	}
	i := tx.savepointIndex(name)
	if i < 0 {
		return tx.unknownSavepoint(name)
	}
	if err := tx.conn.conn.Exec(ctx, "RELEASE SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return tx.newError("E_SAVEPOINT_FAILED", "failed to release savepoint", "active", err)
	}
	tx.savepoints = tx.savepoints[:i]
	return nil
}

// savepointIndex finds the most recent savepoint called name. PostgreSQL
// allows reusing a name; the newest one shadows the others.
func (tx *Transaction) savepointIndex(name string) int {
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i] == name {
			return i
		}
	}
	return -1
}

func (tx *Transaction) unknownSavepoint(name string) *TransactionError {
	e := tx.newError("E_SAVEPOINT_NOT_FOUND", fmt.Sprintf("savepoint %q does not exist", name), txStatusNames[tx.status], nil)
	e.Details = map[string]interface{}{"savepoint": name}
	return e
}

// Savepoints returns the open savepoint names, oldest first.
func (tx *Transaction) Savepoints() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]string(nil), tx.savepoints...)
}

// release unbinds the transaction from its connector.
func (tx *Transaction) release() {
	c := tx.conn
	c.txMu.Lock()
	if c.tx == tx {
		c.tx = nil
	}
	c.txMu.Unlock()
	c.touch()
}

func (tx *Transaction) ID() string { return tx.id }

// Isolation returns the isolation level the transaction was started with.
func (tx *Transaction) Isolation() IsolationLevel { return tx.opts.Isolation }

// Options returns the modes the transaction was started with.
func (tx *Transaction) Options() TxOptions { return tx.opts }

// Connection returns the connector the transaction is bound to.
func (tx *Transaction) Connection() *Connector { return tx.conn }

// active reports whether the transaction still holds the connector, which
// includes the failed state.
func (tx *Transaction) active() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status == txActive || tx.status == txFailed
}

// markFailed records that a statement failed inside the transaction.
func (tx *Transaction) markFailed(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status == txActive {
		tx.status = txFailed
		tx.failure = cause
	}
}

func (tx *Transaction) usableLocked() error {
	switch tx.status {
	case txCommitted:
		return ErrTransactionAlreadyCommitted(tx.id)
	case txRolledBack:
		return ErrTransactionAlreadyRolledBack(tx.id)
	case txFailed:
		return tx.newError("E_TX_ABORTED", "current transaction is aborted, commands ignored until end of transaction block", "failed", tx.failure)
	}
	return nil
}

// checkActive returns an error unless commands may still run in the
// transaction. A transaction past its timeout is rolled back here.
func (tx *Transaction) checkActive() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.usableLocked(); err != nil {
		return err
	}

	timeout := tx.conn.opts.TransactionTimeout
	if elapsed := time.Since(tx.startedAt); timeout > 0 && elapsed > timeout {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := tx.rollbackLocked(ctx); err != nil {
			tx.conn.logger.Warn("failed to roll back timed out transaction",
				String("tx_id", tx.id),
				Error("error", err))
		}
		return ErrTransactionTimeout(tx.id, elapsed.Milliseconds())
	}
	return nil
}

func (tx *Transaction) getState() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return txStatusNames[tx.status]
}

// InTransaction runs fn in a READ COMMITTED transaction. It commits when fn
// returns nil and rolls back when fn returns an error or panics.
func (c *Connector) InTransaction(ctx context.Context, fn func(*Transaction) error) error {
	return c.InTransactionTx(ctx, TxOptions{}, fn)
}

// InTransactionTx is InTransaction with explicit transaction modes.
func (c *Connector) InTransactionTx(ctx context.Context, opts TxOptions, fn func(*Transaction) error) error {
	tx, err := c.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			rollbackErr := tx.Rollback(ctx)

			c.logger.Warn("transaction rolled back due to panic",
				String("tx_id", tx.id),
				Duration("duration", time.Since(tx.startedAt)),
				Error("panic", fmt.Errorf("%v", r)),
				Error("rollback_error", rollbackErr),
				String("stack", string(debug.Stack())))

			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			c.logger.Error("failed to rollback transaction after error",
				String("tx_id", tx.id),
				Error("original_error", err),
				Error("rollback_error", rollbackErr))
		}
		return err
	}

	return tx.Commit(ctx)
}
