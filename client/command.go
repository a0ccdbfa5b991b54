package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
)

// cancelTimeout bounds the out-of-band cancel request sent by Cancel.
const cancelTimeout = 10 * time.Second

// Command executes a list of statements on a connector. A command built with
// NewCommand holds a single statement; a Batch drives a command over its own
// statement list.
//
// A Command is not safe for concurrent execution. Cancel may be called from
// any goroutine.
type Command struct {
	list *statementList

	conn       *Connector
	tx         *Transaction
	timeout    time.Duration
	timeoutSet bool

	inflight atomic.Pointer[Connector]
}

// NewCommand creates a single-statement command.
func NewCommand(sql string, conn *Connector, args ...any) *Command {
	list := newStatementList(1)
	list.items = append(list.items, NewStatement(sql, args...))
	return &Command{list: list, conn: conn}
}

func newBatchCommand(list *statementList, conn *Connector, tx *Transaction) *Command {
	return &Command{list: list, conn: conn, tx: tx}
}

// Statement returns the command's first statement, creating an empty one when the list is empty.
func (cmd *Command) Statement() *Statement {
	if len(cmd.list.items) == 0 {
		cmd.list.items = append(cmd.list.items, NewStatement(""))
	}
	return cmd.list.items[0]
}

// Text returns the SQL text of the first statement.
func (cmd *Command) Text() string { return cmd.Statement().Text() }

// SetText replaces the SQL text of the first statement.
func (cmd *Command) SetText(sql string) { cmd.Statement().SetText(sql) }

// Parameters returns the parameters of the first statement.
func (cmd *Command) Parameters() *ParameterCollection { return cmd.Statement().Parameters() }

// Connection returns the connector the command executes on.
func (cmd *Command) Connection() *Connector { return cmd.conn }

// SetConnection changes the connector the command executes on.
func (cmd *Command) SetConnection(conn *Connector) { cmd.conn = conn }

// Transaction returns the transaction the command enlists in.
func (cmd *Command) Transaction() *Transaction { return cmd.tx }

// SetTransaction sets the transaction the command enlists in.
func (cmd *Command) SetTransaction(tx *Transaction) { cmd.tx = tx }

// Timeout returns the execution timeout. Unless set explicitly it is the
// connector's default timeout; zero means no timeout.
func (cmd *Command) Timeout() time.Duration {
	if cmd.timeoutSet {
		return cmd.timeout
	}
	if cmd.conn != nil {
		return cmd.conn.opts.DefaultTimeout()
	}
	return 0
}

// SetTimeout sets the execution timeout. Zero disables it.
func (cmd *Command) SetTimeout(d time.Duration) {
	cmd.timeout = d
	cmd.timeoutSet = true
}

// ExecuteReader runs every statement in one round trip and returns their results.
func (cmd *Command) ExecuteReader(ctx context.Context) (*Reader, error) {
	return cmd.execute(ctx, false)
}

// ExecuteNonQuery runs every statement and returns the total rows affected by
// INSERT, UPDATE, DELETE, MERGE and COPY statements, or -1 when there were none.
func (cmd *Command) ExecuteNonQuery(ctx context.Context) (int64, error) {
	r, err := cmd.execute(ctx, false)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.RecordsAffected(), nil
}

// ExecuteScalar runs every statement and returns the first column of the first
// row of the first result set, or nil when it has no rows.
func (cmd *Command) ExecuteScalar(ctx context.Context) (any, error) {
	r, err := cmd.execute(ctx, false)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if !r.Next() || r.FieldCount() == 0 {
		return nil, nil
	}
	return r.Value(0)
}

// Prepare prepares every statement on the server. Statements already prepared are skipped.
func (cmd *Command) Prepare(ctx context.Context) error {
	_, err := cmd.execute(ctx, true)
	return err
}

// Cancel asks the server to abort the execution in flight. It is a no-op when
// nothing is executing.
func (cmd *Command) Cancel() error {
	conn := cmd.inflight.Load()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	return conn.cancel(ctx)
}

// ExecuteReaderAsync runs ExecuteReader in a new goroutine.
func (cmd *Command) ExecuteReaderAsync(ctx context.Context) *future.Future[*Reader] {
	return async(func() (*Reader, error) { return cmd.ExecuteReader(ctx) })
}

// ExecuteNonQueryAsync runs ExecuteNonQuery in a new goroutine.
func (cmd *Command) ExecuteNonQueryAsync(ctx context.Context) *future.Future[int64] {
	return async(func() (int64, error) { return cmd.ExecuteNonQuery(ctx) })
}

// ExecuteScalarAsync runs ExecuteScalar in a new goroutine.
func (cmd *Command) ExecuteScalarAsync(ctx context.Context) *future.Future[any] {
	return async(func() (any, error) { return cmd.ExecuteScalar(ctx) })
}

// PrepareAsync runs Prepare in a new goroutine.
func (cmd *Command) PrepareAsync(ctx context.Context) *future.Future[struct{}] {
	return async(func() (struct{}, error) { return struct{}{}, cmd.Prepare(ctx) })
}

func async[T any](fn func() (T, error)) *future.Future[T] {
	p := future.NewPromise[T]()
	go func() {
		p.Set(fn())
	}()
	return p.Future()
}
