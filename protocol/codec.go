// Package protocol provides the parsed wire structures shared by the batch engine:
// completion tags, row descriptions and parameter value encoding.
package protocol

import (
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const (
	// TextFormat is the PostgreSQL text format code.
	TextFormat int16 = pgtype.TextFormatCode

	// BinaryFormat is the PostgreSQL binary format code.
	BinaryFormat int16 = pgtype.BinaryFormatCode

	// UnspecifiedOID lets the server infer a parameter type.
	UnspecifiedOID uint32 = 0
)

// ParameterCodec encodes Go values into wire parameters and decodes column values.
// All parameters travel in text format so the same bytes work for prepared and
// unprepared execution.
type ParameterCodec struct {
	mu sync.Mutex
	m  *pgtype.Map

	// Buffer pool for encoding operations
	bufferPool sync.Pool
}

// NewParameterCodec creates a codec backed by a fresh pgtype map.
func NewParameterCodec() *ParameterCodec {
	return &ParameterCodec{
		m: pgtype.NewMap(),
		bufferPool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, 64)
				return &b
			},
		},
	}
}

// Encode converts value into text-format bytes. When oid is UnspecifiedOID the
// type is inferred from the Go value. The returned OID is the one sent to the server.
func (c *ParameterCodec) Encode(value any, oid uint32) ([]byte, uint32, error) {
	if value == nil {
		return nil, oid, nil
	}

	switch v := value.(type) {
	case decimal.Decimal:
		return []byte(v.String()), pgtype.NumericOID, nil
	case *decimal.Decimal:
		if v == nil {
			return nil, pgtype.NumericOID, nil
		}
		return []byte(v.String()), pgtype.NumericOID, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if oid == UnspecifiedOID {
		t, ok := c.m.TypeForValue(value)
		if !ok {
			return nil, oid, ParameterEncodingError(value, nil)
		}
		oid = t.OID
	}

	bufp := c.bufferPool.Get().(*[]byte)
	defer c.bufferPool.Put(bufp)

	buf, err := c.m.Encode(oid, TextFormat, value, (*bufp)[:0])
	if err != nil {
		return nil, oid, ParameterEncodingError(value, err)
	}
	if buf == nil {
		return nil, oid, nil
	}

	// Return a copy since the buffer is reused
	out := make([]byte, len(buf))
	copy(out, buf)
	*bufp = buf
	return out, oid, nil
}

// Decode converts a raw column value into a Go value.
// Numeric columns decode into decimal.Decimal; unknown types decode as string.
func (c *ParameterCodec) Decode(oid uint32, format int16, src []byte) (any, error) {
	if src == nil {
		return nil, nil
	}

	if oid == pgtype.NumericOID && format == TextFormat {
		d, err := decimal.NewFromString(string(src))
		if err != nil {
			return nil, fmt.Errorf("decode numeric %q: %w", src, err)
		}
		return d, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.m.TypeForOID(oid)
	if !ok {
		return string(src), nil
	}
	return t.Codec.DecodeValue(c.m, oid, format, src)
}
