package testutil

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dan-strohschein/pgbatch/client"
	"github.com/dan-strohschein/pgbatch/transport/mock"
)

var nameCounter uint64

// NewMockConnector returns a ready connector over an in-memory server.
// The connector is closed when the test ends.
//
// Example:
//
//	conn, server := testutil.NewMockConnector(t)
//	server.WithResult("SELECT name FROM users", testutil.NewUserFactory().Result(3))
func NewMockConnector(t testing.TB, configure ...client.Option) (*client.Connector, *mock.MockConn) {
	t.Helper()

	opts := client.DefaultOptions()
	opts.Logger = client.NewNoopLogger()
	if testing.Verbose() {
		opts.DebugMode = true
	}
	opts.Apply(configure...)

	server := mock.NewMockConn()
	conn := client.NewConnector(server, opts)
	t.Cleanup(func() {
		conn.Close(context.Background())
	})
	return conn, server
}

// NewTestConnector opens a connector to the server named by PGBATCH_TEST_CONN.
// The test is skipped when the variable is not set.
//
// Example:
//
//	export PGBATCH_TEST_CONN="postgres://postgres@localhost:5432/postgres"
//	conn := testutil.NewTestConnector(t)
func NewTestConnector(t testing.TB, configure ...client.Option) *client.Connector {
	t.Helper()

	connStr := os.Getenv("PGBATCH_TEST_CONN")
	if connStr == "" {
		t.Skip("PGBATCH_TEST_CONN not set, skipping integration test")
		return nil
	}

	opts := client.DefaultOptions()
	opts.ConnString = connStr
	opts.DebugMode = testing.Verbose()
	opts.Apply(configure...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.Open(ctx, opts)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(context.Background()); err != nil {
			t.Logf("warning: failed to close connector: %v", err)
		}
	})
	return conn
}

// UniqueName generates a name that is unique within the test binary.
// Format: <prefix>_<timestamp>_<counter>
func UniqueName(prefix string) string {
	if prefix == "" {
		prefix = "test"
	}
	n := atomic.AddUint64(&nameCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().Unix(), n)
}

// WithTimeout creates a context with timeout for tests.
// Default timeout is 10 seconds.
func WithTimeout(t testing.TB, timeout ...time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	duration := 10 * time.Second
	if len(timeout) > 0 {
		duration = timeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	t.Cleanup(cancel)

	return ctx, cancel
}

// ReadAll decodes every row of every result set of r and closes it.
func ReadAll(t testing.TB, r *client.Reader) [][][]any {
	t.Helper()
	defer r.Close()

	if r.ResultSetCount() == 0 {
		return nil
	}

	var sets [][][]any
	for {
		var rows [][]any
		for r.Next() {
			vals, err := r.Values()
			if err != nil {
				t.Fatalf("failed to decode row: %v", err)
			}
			rows = append(rows, vals)
		}
		sets = append(sets, rows)
		if !r.NextResultSet() {
			break
		}
	}
	return sets
}

// WaitFor polls a condition until it returns true or times out.
//
// Example:
//
//	testutil.WaitFor(t, time.Second, 10*time.Millisecond, func() bool {
//	    return server.GetCancelCallCount() > 0
//	})
func WaitFor(t testing.TB, timeout, interval time.Duration, condition func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}

	t.Errorf("condition not met within timeout %v", timeout)
	return false
}

// SkipIf skips the test if the condition is true.
func SkipIf(t testing.TB, condition bool, reason string) {
	t.Helper()
	if condition {
		t.Skip(reason)
	}
}

// SkipUnless skips the test unless the condition is true.
func SkipUnless(t testing.TB, condition bool, reason string) {
	t.Helper()
	if !condition {
		t.Skip(reason)
	}
}

// BenchmarkHelper runs batches against a mock connector inside a benchmark.
type BenchmarkHelper struct {
	b      *testing.B
	conn   *client.Connector
	server *mock.MockConn
}

// NewBenchmarkHelper creates a benchmark helper over a fresh mock connector.
func NewBenchmarkHelper(b *testing.B, configure ...client.Option) *BenchmarkHelper {
	b.Helper()
	conn, server := NewMockConnector(b, configure...)
	return &BenchmarkHelper{b: b, conn: conn, server: server}
}

// Connector returns the benchmark connector.
func (h *BenchmarkHelper) Connector() *client.Connector { return h.conn }

// Server returns the in-memory server behind the connector.
func (h *BenchmarkHelper) Server() *mock.MockConn { return h.server }

// RunBatch executes batch b.N times, failing the benchmark on the first error.
func (h *BenchmarkHelper) RunBatch(batch *client.Batch) {
	ctx := context.Background()
	h.b.ResetTimer()
	for i := 0; i < h.b.N; i++ {
		r, err := batch.ExecuteReader(ctx)
		if err != nil {
			h.b.Fatalf("batch failed: %v", err)
		}
		r.Close()
	}
}
