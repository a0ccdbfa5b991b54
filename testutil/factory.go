package testutil

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/transport/mock"
)

// pgTimestampFormat is the server's text output for timestamptz.
const pgTimestampFormat = "2006-01-02 15:04:05.999999-07"

// Column describes one result column of a RowFactory. Generate produces the
// text value of the column for the n-th row built by the factory.
type Column struct {
	Name     string
	OID      uint32
	Generate func(n int64) string
}

// Option overrides column values of a built row.
type Option func(map[string]string)

// WithField sets a specific column value.
func WithField(name, value string) Option {
	return func(row map[string]string) {
		row[name] = value
	}
}

// WithFields sets multiple column values.
func WithFields(fields map[string]string) Option {
	return func(row map[string]string) {
		for k, v := range fields {
			row[k] = v
		}
	}
}

// RowFactory builds canned result rows for the mock server.
type RowFactory struct {
	columns []Column
	seq     atomic.Int64
}

// NewRowFactory creates a factory producing rows with the given columns.
func NewRowFactory(columns ...Column) *RowFactory {
	return &RowFactory{columns: columns}
}

// Build creates one row in column order.
func (f *RowFactory) Build(options ...Option) []string {
	n := f.seq.Add(1)

	values := make(map[string]string, len(f.columns))
	for _, c := range f.columns {
		if c.Generate != nil {
			values[c.Name] = c.Generate(n)
		}
	}
	for _, opt := range options {
		opt(values)
	}

	row := make([]string, len(f.columns))
	for i, c := range f.columns {
		row[i] = values[c.Name]
	}
	return row
}

// BuildList creates count rows.
func (f *RowFactory) BuildList(count int, options ...Option) [][]string {
	rows := make([][]string, count)
	for i := range rows {
		rows[i] = f.Build(options...)
	}
	return rows
}

// Fields returns the row description of the factory's columns.
func (f *RowFactory) Fields() []protocol.FieldDescription {
	fields := make([]protocol.FieldDescription, len(f.columns))
	for i, c := range f.columns {
		fields[i] = protocol.FieldDescription{
			Name:         c.Name,
			DataTypeOID:  c.OID,
			DataTypeSize: -1,
			Format:       protocol.TextFormat,
		}
	}
	return fields
}

// Result builds a canned SELECT result of count rows for MockConn.WithResult.
func (f *RowFactory) Result(count int, options ...Option) mock.Result {
	return mock.Result{
		Fields: f.Fields(),
		Rows:   f.BuildList(count, options...),
		Tag:    protocol.FormatCommandTag(protocol.StatementSelect, uint64(count)),
	}
}

// Sequence generators for unique values

var (
	emailSequence    uint64
	usernameSequence uint64
	idSequence       uint64
)

// SequenceEmail generates unique email addresses.
func SequenceEmail() string {
	n := atomic.AddUint64(&emailSequence, 1)
	return fmt.Sprintf("user%d@example.com", n)
}

// SequenceUsername generates unique usernames.
func SequenceUsername() string {
	n := atomic.AddUint64(&usernameSequence, 1)
	return fmt.Sprintf("user%d", n)
}

// SequenceID generates unique IDs.
func SequenceID() int64 {
	return int64(atomic.AddUint64(&idSequence, 1))
}

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomString generates a random string of the specified length.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}

// NewUserFactory builds rows shaped like
// SELECT id, email, username, active, created_at FROM users.
func NewUserFactory() *RowFactory {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewRowFactory(
		Column{Name: "id", OID: pgtype.Int8OID, Generate: func(int64) string {
			return strconv.FormatInt(SequenceID(), 10)
		}},
		Column{Name: "email", OID: pgtype.TextOID, Generate: func(int64) string {
			return SequenceEmail()
		}},
		Column{Name: "username", OID: pgtype.TextOID, Generate: func(int64) string {
			return SequenceUsername()
		}},
		Column{Name: "active", OID: pgtype.BoolOID, Generate: func(int64) string {
			return "t"
		}},
		Column{Name: "created_at", OID: pgtype.TimestamptzOID, Generate: func(n int64) string {
			return created.Add(time.Duration(n) * time.Hour).Format(pgTimestampFormat)
		}},
	)
}

// NewAmountFactory builds rows shaped like SELECT account, amount FROM ledger,
// with amount as numeric.
func NewAmountFactory() *RowFactory {
	return NewRowFactory(
		Column{Name: "account", OID: pgtype.TextOID, Generate: func(n int64) string {
			return fmt.Sprintf("acct-%04d", n)
		}},
		Column{Name: "amount", OID: pgtype.NumericOID, Generate: func(n int64) string {
			return fmt.Sprintf("%d.%02d", n*10, n%100)
		}},
	)
}
