package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/pgbatch/transport/mock"
)

// newMockConnector returns a ready connector over an in-memory server.
func newMockConnector(t *testing.T, configure ...Option) (*Connector, *mock.MockConn) {
	t.Helper()

	opts := NewOptions(WithLogger(NewNoopLogger()))
	opts.Apply(configure...)

	mc := mock.NewMockConn()
	conn := NewConnector(mc, opts)
	t.Cleanup(func() {
		conn.Close(context.Background())
	})
	return conn, mc
}

var withoutAutoPrepare = WithoutAutoPrepare()

// readAll decodes every row of every result set.
func readAll(t *testing.T, r *Reader) [][][]any {
	t.Helper()

	if r.ResultSetCount() == 0 {
		return nil
	}

	var sets [][][]any
	for {
		var rows [][]any
		for r.Next() {
			vals, err := r.Values()
			require.NoError(t, err)
			rows = append(rows, vals)
		}
		sets = append(sets, rows)
		if !r.NextResultSet() {
			break
		}
	}
	return sets
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
