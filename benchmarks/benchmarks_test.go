package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/dan-strohschein/pgbatch/client"
	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/rewrite"
	"github.com/dan-strohschein/pgbatch/testutil"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const batchSize = 10

// BenchmarkBatchVsSequential compares one pipelined batch against the same
// statements sent as individual commands.
func BenchmarkBatchVsSequential(b *testing.B) {
	b.Run("Batch", func(b *testing.B) {
		h := testutil.NewBenchmarkHelper(b)
		batch := h.Connector().CreateBatch()
		for i := 0; i < batchSize; i++ {
			batch.Add("SELECT $1", i)
		}
		b.ReportAllocs()
		h.RunBatch(batch)
	})

	b.Run("Sequential", func(b *testing.B) {
		h := testutil.NewBenchmarkHelper(b)
		cmds := make([]*client.Command, batchSize)
		for i := range cmds {
			cmds[i] = h.Connector().CreateCommand("SELECT $1", i)
		}
		ctx := context.Background()

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			for _, cmd := range cmds {
				if _, err := cmd.ExecuteNonQuery(ctx); err != nil {
					b.Fatalf("command failed: %v", err)
				}
			}
		}
	})
}

// BenchmarkAutoPrepare measures repeated execution with and without automatic preparation.
func BenchmarkAutoPrepare(b *testing.B) {
	for _, tc := range []struct {
		name      string
		minUsages int
	}{
		{"Unprepared", 0},
		{"AutoPrepared", 2},
	} {
		b.Run(tc.name, func(b *testing.B) {
			h := testutil.NewBenchmarkHelper(b, func(o *client.ClientOptions) {
				o.AutoPrepareMinUsages = tc.minUsages
			})
			batch := h.Connector().CreateBatch()
			batch.Add("SELECT $1", 1)
			batch.Add("INSERT INTO events (id) VALUES ($1)", 2)
			b.ReportAllocs()
			h.RunBatch(batch)
		})
	}
}

// BenchmarkExplicitPrepare measures executing a batch that was prepared up front.
func BenchmarkExplicitPrepare(b *testing.B) {
	h := testutil.NewBenchmarkHelper(b)
	batch := h.Connector().CreateBatch()
	batch.Add("SELECT $1", 1)
	batch.Add("SELECT $1", "two")
	if err := batch.Prepare(context.Background()); err != nil {
		b.Fatalf("prepare failed: %v", err)
	}
	b.ReportAllocs()
	h.RunBatch(batch)
}

// BenchmarkNamedRewrite measures placeholder rewriting.
func BenchmarkNamedRewrite(b *testing.B) {
	queries := map[string]string{
		"Positional": "SELECT * FROM users WHERE id = $1 AND status = $2",
		"Named":      "SELECT * FROM users WHERE id = @id AND status = :status AND created_at > @since::timestamptz",
		"Comments":   "-- find a user\nSELECT /* @ignored */ name FROM users WHERE email = @email AND note <> '@literal'",
	}

	for name, sql := range queries {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := rewrite.Rewrite(sql); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkSplit measures splitting a multi-statement script.
func BenchmarkSplit(b *testing.B) {
	script := ""
	for i := 0; i < 50; i++ {
		script += fmt.Sprintf("-- statement %d\nINSERT INTO t (a, b) VALUES (%d, 'x;y');\n", i, i)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := rewrite.Split(script); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCodec measures parameter encoding and result decoding.
func BenchmarkCodec(b *testing.B) {
	codec := protocol.NewParameterCodec()
	amount := decimal.RequireFromString("1234.5678")

	b.Run("EncodeInt", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, _, err := codec.Encode(i, protocol.UnspecifiedOID); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("EncodeDecimal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, _, err := codec.Encode(amount, protocol.UnspecifiedOID); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("DecodeNumeric", func(b *testing.B) {
		src := []byte("1234.5678")
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := codec.Decode(pgtype.NumericOID, pgtype.TextFormatCode, src); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("DecodeText", func(b *testing.B) {
		src := []byte("hello")
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := codec.Decode(pgtype.TextOID, pgtype.TextFormatCode, src); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkRegistryLookup measures auto-prepare lookups against a warm registry.
func BenchmarkRegistryLookup(b *testing.B) {
	registry := client.NewPreparedStatementManager(1, 64, client.NewNoopLogger())
	stmts := make([]*client.Statement, 32)
	for i := range stmts {
		stmts[i] = client.NewStatement(fmt.Sprintf("SELECT * FROM t%d WHERE id = $1", i))
		registry.TryGetAutoPrepared(stmts[i])
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		registry.TryGetAutoPrepared(stmts[i%len(stmts)])
	}
}

// BenchmarkReaderDecode measures reading a multi-row result set through the reader.
func BenchmarkReaderDecode(b *testing.B) {
	users := testutil.NewUserFactory()
	h := testutil.NewBenchmarkHelper(b)
	h.Server().WithResult("SELECT * FROM users", users.Result(100))

	batch := h.Connector().CreateBatch()
	batch.Add("SELECT * FROM users")
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		r, err := batch.ExecuteReader(ctx)
		if err != nil {
			b.Fatalf("batch failed: %v", err)
		}
		for r.Next() {
			if _, err := r.Values(); err != nil {
				b.Fatal(err)
			}
		}
		r.Close()
	}
}
