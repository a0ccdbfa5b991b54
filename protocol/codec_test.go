package protocol

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterCodecEncode(t *testing.T) {
	codec := NewParameterCodec()

	tests := []struct {
		name     string
		value    any
		oid      uint32
		wantOID  uint32
		expected string
	}{
		{
			name:     "int infers int8",
			value:    8,
			wantOID:  pgtype.Int8OID,
			expected: "8",
		},
		{
			name:     "string infers text",
			value:    "hello",
			wantOID:  pgtype.TextOID,
			expected: "hello",
		},
		{
			name:     "bool infers bool",
			value:    true,
			wantOID:  pgtype.BoolOID,
			expected: "t",
		},
		{
			name:     "explicit oid is kept",
			value:    int32(42),
			oid:      pgtype.Int4OID,
			wantOID:  pgtype.Int4OID,
			expected: "42",
		},
		{
			name:     "decimal encodes as numeric",
			value:    decimal.RequireFromString("12.50"),
			wantOID:  pgtype.NumericOID,
			expected: "12.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, oid, err := codec.Encode(tt.value, tt.oid)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOID, oid)
			assert.Equal(t, tt.expected, string(buf))
		})
	}
}

func TestParameterCodecEncodeNil(t *testing.T) {
	codec := NewParameterCodec()

	buf, oid, err := codec.Encode(nil, UnspecifiedOID)
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.Equal(t, UnspecifiedOID, oid)
}

func TestParameterCodecEncodeUnsupported(t *testing.T) {
	codec := NewParameterCodec()

	_, _, err := codec.Encode(make(chan int), UnspecifiedOID)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ErrorCodeParameterEncoding, te.Code)
	assert.Equal(t, "chan int", te.Details["goType"])
}

func TestParameterCodecDecode(t *testing.T) {
	codec := NewParameterCodec()

	tests := []struct {
		name     string
		oid      uint32
		src      []byte
		expected any
	}{
		{name: "int8", oid: pgtype.Int8OID, src: []byte("8"), expected: int64(8)},
		{name: "int4", oid: pgtype.Int4OID, src: []byte("9"), expected: int32(9)},
		{name: "text", oid: pgtype.TextOID, src: []byte("abc"), expected: "abc"},
		{name: "numeric", oid: pgtype.NumericOID, src: []byte("1.25"), expected: decimal.RequireFromString("1.25")},
		{name: "null", oid: pgtype.Int8OID, src: nil, expected: nil},
		{name: "unknown oid falls back to string", oid: 999999, src: []byte("raw"), expected: "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Decode(tt.oid, TextFormat, tt.src)
			require.NoError(t, err)
			if d, ok := tt.expected.(decimal.Decimal); ok {
				require.IsType(t, decimal.Decimal{}, got)
				assert.True(t, d.Equal(got.(decimal.Decimal)), "got %v", got)
				return
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParameterCodecRoundTripIsStable(t *testing.T) {
	codec := NewParameterCodec()

	// The buffer pool must not leak bytes between calls.
	first, _, err := codec.Encode("first value", UnspecifiedOID)
	require.NoError(t, err)
	_, _, err = codec.Encode("x", UnspecifiedOID)
	require.NoError(t, err)
	assert.Equal(t, "first value", string(first))
}
