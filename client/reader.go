package client

import (
	"fmt"

	"github.com/dan-strohschein/pgbatch/protocol"
)

// resultSet is the buffered result of one statement.
type resultSet struct {
	statement   *Statement
	description *protocol.RowDescription
	rows        [][][]byte
	completion  protocol.Completion
}

// Reader iterates the result sets of an execution, one per statement, in
// statement order. Rows are buffered when the pipeline completes.
//
//	r, err := batch.ExecuteReader(ctx)
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	for {
//		for r.Next() {
//			vals, err := r.Values()
//			...
//		}
//		if !r.NextResultSet() {
//			break
//		}
//	}
type Reader struct {
	codec *protocol.ParameterCodec
	sets  []*resultSet
	set   int
	row   int

	closed bool
	err    error
}

func newReader(codec *protocol.ParameterCodec, sets []*resultSet) *Reader {
	return &Reader{codec: codec, sets: sets, row: -1}
}

func (r *Reader) current() *resultSet {
	if r.closed || r.set >= len(r.sets) {
		return nil
	}
	return r.sets[r.set]
}

// Next advances to the next row of the current result set.
func (r *Reader) Next() bool {
	rs := r.current()
	if rs == nil {
		return false
	}
	if r.row+1 >= len(rs.rows) {
		r.row = len(rs.rows)
		return false
	}
	r.row++
	return true
}

// NextResultSet advances to the next statement's result set.
func (r *Reader) NextResultSet() bool {
	if r.closed || r.set+1 >= len(r.sets) {
		r.set = len(r.sets)
		return false
	}
	r.set++
	r.row = -1
	return true
}

// ResultSetCount returns the number of result sets, one per executed statement.
func (r *Reader) ResultSetCount() int { return len(r.sets) }

// Statement returns the statement that produced the current result set.
func (r *Reader) Statement() *Statement {
	if rs := r.current(); rs != nil {
		return rs.statement
	}
	return nil
}

// HasRows reports whether the current result set holds any row.
func (r *Reader) HasRows() bool {
	rs := r.current()
	return rs != nil && len(rs.rows) > 0
}

// FieldDescriptions returns the columns of the current result set.
func (r *Reader) FieldDescriptions() []protocol.FieldDescription {
	rs := r.current()
	if rs == nil || rs.description == nil {
		return nil
	}
	return rs.description.Fields
}

// FieldCount returns the number of columns of the current result set.
func (r *Reader) FieldCount() int {
	rs := r.current()
	if rs == nil {
		return 0
	}
	return rs.description.Len()
}

// RawValues returns the undecoded values of the current row.
func (r *Reader) RawValues() [][]byte {
	rs := r.current()
	if rs == nil || r.row < 0 || r.row >= len(rs.rows) {
		return nil
	}
	return rs.rows[r.row]
}

// Values decodes every column of the current row.
func (r *Reader) Values() ([]any, error) {
	raw := r.RawValues()
	if raw == nil {
		return nil, fmt.Errorf("no current row")
	}
	fields := r.FieldDescriptions()
	out := make([]any, len(raw))
	for i := range raw {
		v, err := r.decode(fields, i, raw[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Value decodes column i of the current row.
func (r *Reader) Value(i int) (any, error) {
	raw := r.RawValues()
	if raw == nil {
		return nil, fmt.Errorf("no current row")
	}
	if i < 0 || i >= len(raw) {
		return nil, ErrIndexOutOfRange(i, len(raw))
	}
	return r.decode(r.FieldDescriptions(), i, raw[i])
}

func (r *Reader) decode(fields []protocol.FieldDescription, i int, src []byte) (any, error) {
	var oid uint32
	format := protocol.TextFormat
	if i < len(fields) {
		oid = fields[i].DataTypeOID
		format = fields[i].Format
	}
	v, err := r.codec.Decode(oid, format, src)
	if err != nil {
		r.err = err
		return nil, err
	}
	return v, nil
}

// RecordsAffected returns the rows affected by INSERT, UPDATE, DELETE, MERGE
// and COPY statements across all result sets, or -1 when there were none.
func (r *Reader) RecordsAffected() int64 {
	total := int64(-1)
	for _, rs := range r.sets {
		switch rs.completion.Kind {
		case protocol.StatementInsert, protocol.StatementUpdate, protocol.StatementDelete,
			protocol.StatementMerge, protocol.StatementCopy:
			if total < 0 {
				total = 0
			}
			total += int64(rs.completion.Rows)
		}
	}
	return total
}

// Err returns the last decoding error.
func (r *Reader) Err() error { return r.err }

// Close releases the buffered rows. It is safe to call more than once.
func (r *Reader) Close() error {
	r.closed = true
	r.sets = nil
	return nil
}
