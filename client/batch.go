package client

import (
	"context"
	"time"

	"github.com/jizhuozhi/go-future"
)

// defaultStatementCapacity sizes a new batch for the common handful of statements.
const defaultStatementCapacity = 5

// Batch sends an ordered list of statements to the server in a single round trip.
//
// The batch and its StatementCollection share one list; the batch's Command
// reads the same list when executing. A Batch is reusable: reset its statements
// or replace their parameters and execute again.
type Batch struct {
	statements *StatementCollection
	cmd        *Command
}

// NewBatch creates an empty batch. conn and tx may be nil and set later.
func NewBatch(conn *Connector, tx *Transaction) *Batch {
	capacity := defaultStatementCapacity
	if conn != nil && conn.opts.StatementCapacity > 0 {
		capacity = conn.opts.StatementCapacity
	}

	list := newStatementList(capacity)
	return &Batch{
		statements: &StatementCollection{list: list},
		cmd:        newBatchCommand(list, conn, tx),
	}
}

// Statements returns the batch's statement collection.
func (b *Batch) Statements() *StatementCollection { return b.statements }

// CreateStatement returns a new empty statement. It is not added to the batch.
func (b *Batch) CreateStatement() *Statement { return NewStatement("") }

// Add appends a statement built from sql and args and returns it.
func (b *Batch) Add(sql string, args ...any) *Statement {
	return b.statements.AddSQL(sql, args...)
}

func (b *Batch) Connection() *Connector         { return b.cmd.Connection() }
func (b *Batch) SetConnection(conn *Connector)  { b.cmd.SetConnection(conn) }
func (b *Batch) Transaction() *Transaction      { return b.cmd.Transaction() }
func (b *Batch) SetTransaction(tx *Transaction) { b.cmd.SetTransaction(tx) }
func (b *Batch) Timeout() time.Duration         { return b.cmd.Timeout() }
func (b *Batch) SetTimeout(d time.Duration)     { b.cmd.SetTimeout(d) }

// ExecuteReader executes the batch and returns one result set per statement.
func (b *Batch) ExecuteReader(ctx context.Context) (*Reader, error) {
	return b.cmd.ExecuteReader(ctx)
}

// ExecuteNonQuery executes the batch and returns the total rows affected.
func (b *Batch) ExecuteNonQuery(ctx context.Context) (int64, error) {
	return b.cmd.ExecuteNonQuery(ctx)
}

// ExecuteScalar executes the batch and returns the first value of the first result set.
func (b *Batch) ExecuteScalar(ctx context.Context) (any, error) {
	return b.cmd.ExecuteScalar(ctx)
}

// Prepare prepares every statement in the batch.
func (b *Batch) Prepare(ctx context.Context) error {
	return b.cmd.Prepare(ctx)
}

// Cancel cancels the execution in flight. Safe to call concurrently with execution.
func (b *Batch) Cancel() error {
	return b.cmd.Cancel()
}

func (b *Batch) ExecuteReaderAsync(ctx context.Context) *future.Future[*Reader] {
	return b.cmd.ExecuteReaderAsync(ctx)
}

func (b *Batch) ExecuteNonQueryAsync(ctx context.Context) *future.Future[int64] {
	return b.cmd.ExecuteNonQueryAsync(ctx)
}

func (b *Batch) ExecuteScalarAsync(ctx context.Context) *future.Future[any] {
	return b.cmd.ExecuteScalarAsync(ctx)
}

func (b *Batch) PrepareAsync(ctx context.Context) *future.Future[struct{}] {
	return b.cmd.PrepareAsync(ctx)
}
