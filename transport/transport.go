// Package transport defines the pipelined connection abstraction used by the batch engine
package transport

import (
	"context"
	"time"

	"github.com/dan-strohschein/pgbatch/protocol"
)

// Conn is a single server connection capable of pipelined execution.
type Conn interface {
	// StartPipeline begins a pipeline. Only one pipeline may be open at a time.
	StartPipeline(ctx context.Context) Pipeline

	// Exec runs a parameterless statement outside of any pipeline
	// (transaction control, DEALLOCATE, health checks).
	Exec(ctx context.Context, sql string) error

	// CancelRequest asks the server to cancel the statement in flight on this connection.
	CancelRequest(ctx context.Context) error

	// Close closes the connection
	Close(ctx context.Context) error

	// IsClosed reports whether the connection is unusable
	IsClosed() bool

	// PID returns the server backend process id
	PID() uint32

	// Metrics returns transport performance metrics
	Metrics() Metrics
}

// Pipeline queues extended-protocol messages and reads their results in send order.
type Pipeline interface {
	SendPrepare(name, sql string, paramOIDs []uint32)
	SendQueryParams(sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats, resultFormats []int16)
	SendQueryPrepared(name string, paramValues [][]byte, paramFormats, resultFormats []int16)

	// Sync flushes the queued messages and marks the end of an implicit transaction.
	Sync() error

	// Next returns the next result. An EventNone with nil error means no more results.
	Next() (Event, error)

	// Close drains any remaining results and ends the pipeline.
	Close() error
}

// EventKind identifies the variant held by an Event.
type EventKind int

const (
	// EventNone is the zero Event returned once the pipeline has no more results.
	EventNone EventKind = iota
	// EventDescription answers a SendPrepare.
	EventDescription
	// EventResult answers a SendQueryParams or SendQueryPrepared.
	EventResult
	// EventSync answers a Sync.
	EventSync
)

// Event is one pipeline result.
type Event struct {
	Kind        EventKind
	Description *protocol.StatementDescription
	Fields      []protocol.FieldDescription
	Rows        [][][]byte
	CommandTag  string
}

// Metrics contains performance and health metrics
type Metrics struct {
	// TotalPipelines is the total number of pipelines started
	TotalPipelines int64

	// TotalErrors is the total number of errors encountered
	TotalErrors int64

	// LastError is the most recent error encountered
	LastError error

	// LastErrorTime is when the last error occurred
	LastErrorTime time.Time

	// BytesSent is the total bytes sent
	BytesSent int64

	// BytesReceived is the total bytes received
	BytesReceived int64
}

// ByteObserver receives byte counts as they cross the wire.
type ByteObserver interface {
	BytesWritten(n int64)
	BytesRead(n int64)
}

// Factory creates new connections
type Factory func(ctx context.Context) (Conn, error)
