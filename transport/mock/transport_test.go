package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/transport"
)

func drain(t *testing.T, p transport.Pipeline) ([]transport.Event, error) {
	t.Helper()
	var events []transport.Event
	for {
		ev, err := p.Next()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		if ev.Kind == transport.EventSync {
			return events, nil
		}
	}
}

func TestMockConn_SelectParams(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryParams("SELECT $1, $2", [][]byte{[]byte("9"), []byte("10")}, []uint32{pgtype.Int8OID, pgtype.Int8OID}, nil, nil)
	if err := p.Sync(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	events, err := drain(t, p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected result + sync, got %d events", len(events))
	}

	res := events[0]
	if res.Kind != transport.EventResult {
		t.Fatalf("expected result event, got %v", res.Kind)
	}
	if len(res.Fields) != 2 || res.Fields[0].DataTypeOID != pgtype.Int8OID {
		t.Errorf("unexpected fields %+v", res.Fields)
	}
	if len(res.Rows) != 1 || string(res.Rows[0][0]) != "9" || string(res.Rows[0][1]) != "10" {
		t.Errorf("unexpected rows %q", res.Rows)
	}
	if res.CommandTag != "SELECT 1" {
		t.Errorf("expected tag SELECT 1, got %q", res.CommandTag)
	}
}

func TestMockConn_GenerateSeries(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryParams("SELECT generate_series(1, 5)", nil, nil, nil, nil)
	_ = p.Sync()

	events, err := drain(t, p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events[0].Rows) != 5 {
		t.Errorf("expected 5 rows, got %d", len(events[0].Rows))
	}
	if events[0].CommandTag != "SELECT 5" {
		t.Errorf("expected tag SELECT 5, got %q", events[0].CommandTag)
	}
}

func TestMockConn_PrepareAndExecute(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())

	p.SendPrepare("_pgb1", "SELECT $1 AS x", []uint32{pgtype.Int4OID})
	p.SendQueryPrepared("_pgb1", [][]byte{[]byte("3")}, nil, nil)
	_ = p.Sync()

	events, err := drain(t, p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	p.Close()

	if events[0].Kind != transport.EventDescription {
		t.Fatalf("expected description, got %v", events[0].Kind)
	}
	if got := events[0].Description.Fields[0].Name; got != "x" {
		t.Errorf("expected field name x, got %q", got)
	}
	if !conn.HasPrepared("_pgb1") {
		t.Error("expected statement to be prepared on the server")
	}

	if err := conn.Exec(context.Background(), "DEALLOCATE _pgb1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if conn.HasPrepared("_pgb1") {
		t.Error("expected statement to be deallocated")
	}
}

func TestMockConn_MissingPreparedStatement(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryPrepared("nope", nil, nil, nil)
	p.SendQueryParams("SELECT 1", nil, nil, nil, nil)
	_ = p.Sync()

	_, err := p.Next()
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "26000" {
		t.Fatalf("expected 26000, got %v", err)
	}

	// Everything up to the sync is skipped after an error.
	ev, err := p.Next()
	if err != nil || ev.Kind != transport.EventSync {
		t.Fatalf("expected sync after error, got %v %v", ev.Kind, err)
	}
}

func TestMockConn_MultipleCommandsRejected(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryParams("SELECT 1; SELECT 2", nil, nil, nil, nil)
	_ = p.Sync()

	_, err := p.Next()
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.SQLState != "42601" {
		t.Fatalf("expected syntax error, got %v", err)
	}
}

func TestMockConn_BindCountMismatch(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryParams("SELECT $1, $2", [][]byte{[]byte("1")}, nil, nil, nil)
	_ = p.Sync()

	if _, err := p.Next(); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestMockConn_CannedResultAndError(t *testing.T) {
	conn := NewMockConn().
		WithResult("SELECT name FROM users", Result{Rows: [][]string{{"ann"}, {"bob"}}}).
		WithError("SELECT broken", &pgconn.PgError{Severity: "ERROR", Code: "42P01", Message: "relation does not exist"})

	p := conn.StartPipeline(context.Background())
	p.SendQueryParams("SELECT name FROM users", nil, nil, nil, nil)
	_ = p.Sync()
	events, err := drain(t, p)
	p.Close()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events[0].Rows) != 2 || events[0].CommandTag != "SELECT 2" {
		t.Errorf("unexpected canned result %+v", events[0])
	}

	p = conn.StartPipeline(context.Background())
	defer p.Close()
	p.SendQueryParams("SELECT broken", nil, nil, nil, nil)
	_ = p.Sync()
	if _, err := p.Next(); err == nil {
		t.Fatal("expected configured error")
	}
}

func TestMockConn_DMLTags(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryParams("INSERT INTO t VALUES ($1)", [][]byte{[]byte("1")}, nil, nil, nil)
	p.SendQueryParams("UPDATE t SET a = 1", nil, nil, nil, nil)
	p.SendQueryParams("CREATE TABLE t (a int)", nil, nil, nil, nil)
	_ = p.Sync()

	events, err := drain(t, p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"INSERT 0 1", "UPDATE 1", "CREATE TABLE"}
	for i, tag := range want {
		if events[i].CommandTag != tag {
			t.Errorf("event %d: expected %q, got %q", i, tag, events[i].CommandTag)
		}
	}
}

func TestMockConn_CancelDuringSync(t *testing.T) {
	conn := NewMockConn().WithSyncDelay(2 * time.Second)
	p := conn.StartPipeline(context.Background())
	defer p.Close()

	p.SendQueryParams("SELECT 1", nil, nil, nil, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = conn.CancelRequest(context.Background())
	}()

	start := time.Now()
	_ = p.Sync()
	if time.Since(start) > time.Second {
		t.Fatal("expected cancel to interrupt the delay")
	}

	_, err := p.Next()
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.Code != protocol.ErrorCodeCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if conn.GetCancelCallCount() != 1 {
		t.Errorf("expected 1 cancel call, got %d", conn.GetCancelCallCount())
	}
}

func TestMockConn_CloseAndReset(t *testing.T) {
	conn := NewMockConn()

	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("expected connection to be closed")
	}
	if err := conn.Exec(context.Background(), "SELECT 1"); err == nil {
		t.Error("expected error on closed connection")
	}

	conn.Reset()
	if conn.IsClosed() {
		t.Error("expected connection to be open after reset")
	}
	if len(conn.GetHistory()) != 0 {
		t.Errorf("expected empty history after reset, got %d", len(conn.GetHistory()))
	}
}

func TestMockConn_Metrics(t *testing.T) {
	conn := NewMockConn()
	p := conn.StartPipeline(context.Background())
	p.SendQueryParams("SELECT 'abc'", nil, nil, nil, nil)
	_ = p.Sync()
	_, _ = drain(t, p)
	p.Close()

	m := conn.Metrics()
	if m.TotalPipelines != 1 {
		t.Errorf("expected 1 pipeline, got %d", m.TotalPipelines)
	}
	if m.BytesSent != int64(len("SELECT 'abc'")) {
		t.Errorf("unexpected bytes sent %d", m.BytesSent)
	}
	if m.BytesReceived != 3 {
		t.Errorf("expected 3 bytes received, got %d", m.BytesReceived)
	}
	if conn.CountMessages(MessageSync) != 1 {
		t.Errorf("expected 1 sync, got %d", conn.CountMessages(MessageSync))
	}
}
