package client

import (
	"context"
	"time"
)

// Executable is implemented by anything that can be prepared, executed and cancelled.
type Executable interface {
	Prepare(ctx context.Context) error
	ExecuteReader(ctx context.Context) (*Reader, error)
	ExecuteNonQuery(ctx context.Context) (int64, error)
	ExecuteScalar(ctx context.Context) (any, error)
	Cancel() error

	Connection() *Connector
	SetConnection(conn *Connector)
	Transaction() *Transaction
	SetTransaction(tx *Transaction)
	Timeout() time.Duration
	SetTimeout(d time.Duration)
}

// StatementList is an ordered, mutable sequence of statements.
type StatementList interface {
	Len() int
	At(index int) (*Statement, error)
	Set(index int, s *Statement) error
	Add(s *Statement) error
	Insert(index int, s *Statement) error
	Remove(s *Statement) bool
	RemoveAt(index int) error
	IndexOf(s *Statement) int
	Contains(s *Statement) bool
	Clear()
	All() []*Statement
}

// ParameterList is an ordered sequence of parameters with lookup by name.
type ParameterList interface {
	Len() int
	At(i int) *Parameter
	Add(p *Parameter) *Parameter
	AddValue(value any) *Parameter
	AddWithValue(name string, value any) *Parameter
	Lookup(name string) (*Parameter, bool)
	All() []*Parameter
	Clear()
}

var (
	_ Executable    = (*Batch)(nil)
	_ Executable    = (*Command)(nil)
	_ StatementList = (*StatementCollection)(nil)
	_ ParameterList = (*ParameterCollection)(nil)
)
