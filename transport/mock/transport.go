package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/transport"
)

// MessageKind identifies a recorded client message.
type MessageKind string

const (
	MessagePrepare       MessageKind = "prepare"
	MessageQueryParams   MessageKind = "query_params"
	MessageQueryPrepared MessageKind = "query_prepared"
	MessageSync          MessageKind = "sync"
	MessageExec          MessageKind = "exec"
)

// Message is one client message as seen by the mock server.
type Message struct {
	Kind      MessageKind
	Name      string
	SQL       string
	Params    [][]byte
	ParamOIDs []uint32
}

// Result is a canned response for a statement text.
type Result struct {
	Fields []protocol.FieldDescription
	Rows   [][]string
	Tag    string
}

// MockConn implements transport.Conn with an in-memory server that understands
// simple SELECT lists, generate_series and DML tags.
type MockConn struct {
	// Behavior configuration
	results    map[string]Result
	errors     map[string]*pgconn.PgError
	execErr    error
	syncDelay  time.Duration
	observer   transport.ByteObserver
	pid        uint32
	prepared   map[string]*plan
	closed     bool
	cancelCh   chan struct{}
	history    []Message
	pipelineMu sync.Mutex

	// Call tracking
	pipelineCalls atomic.Int32
	cancelCalls   atomic.Int32
	closeCalls    atomic.Int32

	// Metrics
	metrics mockMetrics
	mu      sync.RWMutex
}

type mockMetrics struct {
	totalPipelines atomic.Int64
	totalErrors    atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
}

var nextPID atomic.Uint32

// NewMockConn creates a new mock connection
func NewMockConn() *MockConn {
	return &MockConn{
		results:  make(map[string]Result),
		errors:   make(map[string]*pgconn.PgError),
		prepared: make(map[string]*plan),
		cancelCh: make(chan struct{}, 1),
		pid:      nextPID.Add(1),
		history:  make([]Message, 0),
	}
}

// WithResult configures a canned result for the exact statement text
func (m *MockConn) WithResult(sql string, r Result) *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[sql] = r
	return m
}

// WithError configures a server error for the exact statement text
func (m *MockConn) WithError(sql string, err *pgconn.PgError) *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[sql] = err
	return m
}

// WithExecError configures the error returned by Exec
func (m *MockConn) WithExecError(err error) *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execErr = err
	return m
}

// WithSyncDelay delays result production after Sync until the delay passes,
// the context ends, or a cancel request arrives
func (m *MockConn) WithSyncDelay(delay time.Duration) *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncDelay = delay
	return m
}

// WithObserver reports simulated wire traffic to obs
func (m *MockConn) WithObserver(obs transport.ByteObserver) *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = obs
	return m
}

// StartPipeline implements transport.Conn
func (m *MockConn) StartPipeline(ctx context.Context) transport.Pipeline {
	m.pipelineCalls.Add(1)
	m.metrics.totalPipelines.Add(1)
	m.pipelineMu.Lock()
	return &mockPipeline{ctx: ctx, conn: m}
}

// Exec implements transport.Conn
func (m *MockConn) Exec(ctx context.Context, sql string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return protocol.ClosedError("connection")
	}
	m.history = append(m.history, Message{Kind: MessageExec, SQL: sql})
	m.countSent(len(sql))

	if m.execErr != nil {
		m.metrics.totalErrors.Add(1)
		return m.execErr
	}

	fields := strings.Fields(sql)
	if len(fields) == 2 && strings.EqualFold(fields[0], "DEALLOCATE") {
		delete(m.prepared, strings.Trim(fields[1], `";`))
	}
	return nil
}

// CancelRequest implements transport.Conn
func (m *MockConn) CancelRequest(ctx context.Context) error {
	m.cancelCalls.Add(1)
	select {
	case m.cancelCh <- struct{}{}:
	default:
	}
	return nil
}

// Close implements transport.Conn
func (m *MockConn) Close(ctx context.Context) error {
	m.closeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed implements transport.Conn
func (m *MockConn) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// PID implements transport.Conn
func (m *MockConn) PID() uint32 {
	return m.pid
}

// Metrics implements transport.Conn
func (m *MockConn) Metrics() transport.Metrics {
	return transport.Metrics{
		TotalPipelines: m.metrics.totalPipelines.Load(),
		TotalErrors:    m.metrics.totalErrors.Load(),
		BytesSent:      m.metrics.bytesSent.Load(),
		BytesReceived:  m.metrics.bytesReceived.Load(),
	}
}

// GetPipelineCallCount returns the number of pipelines started
func (m *MockConn) GetPipelineCallCount() int {
	return int(m.pipelineCalls.Load())
}

// GetCancelCallCount returns the number of cancel requests
func (m *MockConn) GetCancelCallCount() int {
	return int(m.cancelCalls.Load())
}

// GetCloseCallCount returns the number of times Close was called
func (m *MockConn) GetCloseCallCount() int {
	return int(m.closeCalls.Load())
}

// GetHistory returns every message the server has received
func (m *MockConn) GetHistory() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to prevent external modifications
	history := make([]Message, len(m.history))
	copy(history, m.history)
	return history
}

// CountMessages returns how many recorded messages have the given kind
func (m *MockConn) CountMessages(kind MessageKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, msg := range m.history {
		if msg.Kind == kind {
			n++
		}
	}
	return n
}

// HasPrepared reports whether the server holds a prepared statement with the given name
func (m *MockConn) HasPrepared(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.prepared[name]
	return ok
}

// Reset clears recorded history, prepared statements and call counts
func (m *MockConn) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.execErr = nil
	m.syncDelay = 0
	m.closed = false
	m.prepared = make(map[string]*plan)
	m.history = make([]Message, 0)

	m.pipelineCalls.Store(0)
	m.cancelCalls.Store(0)
	m.closeCalls.Store(0)

	m.metrics.totalPipelines.Store(0)
	m.metrics.totalErrors.Store(0)
	m.metrics.bytesSent.Store(0)
	m.metrics.bytesReceived.Store(0)
}

// countSent must be called with m.mu held.
func (m *MockConn) countSent(n int) {
	m.metrics.bytesSent.Add(int64(n))
	if m.observer != nil {
		m.observer.BytesWritten(int64(n))
	}
}

// countReceived must be called with m.mu held.
func (m *MockConn) countReceived(n int) {
	m.metrics.bytesReceived.Add(int64(n))
	if m.observer != nil {
		m.observer.BytesRead(int64(n))
	}
}

type mockPipeline struct {
	ctx     context.Context
	conn    *MockConn
	queued  []Message
	results []pipelineResult
	closed  bool
}

type pipelineResult struct {
	event transport.Event
	err   error
}

func (p *mockPipeline) SendPrepare(name, sql string, paramOIDs []uint32) {
	p.queued = append(p.queued, Message{Kind: MessagePrepare, Name: name, SQL: sql, ParamOIDs: paramOIDs})
}

func (p *mockPipeline) SendQueryParams(sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats, resultFormats []int16) {
	p.queued = append(p.queued, Message{Kind: MessageQueryParams, SQL: sql, Params: paramValues, ParamOIDs: paramOIDs})
}

func (p *mockPipeline) SendQueryPrepared(name string, paramValues [][]byte, paramFormats, resultFormats []int16) {
	p.queued = append(p.queued, Message{Kind: MessageQueryPrepared, Name: name, Params: paramValues})
}

func (p *mockPipeline) Sync() error {
	if p.closed {
		return protocol.ClosedError("pipeline")
	}

	m := p.conn
	m.mu.RLock()
	delay := m.syncDelay
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return protocol.ClosedError("connection")
	}

	cancelled := false
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-m.cancelCh:
			cancelled = true
		case <-p.ctx.Done():
			return protocol.TimeoutError(p.ctx.Err().Error(), nil)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	failed := false
	for _, msg := range p.queued {
		m.history = append(m.history, msg)
		m.countSent(messageSize(msg))
		if failed {
			continue
		}

		if cancelled {
			failed = true
			p.fail(&pgconn.PgError{Severity: "ERROR", Code: "57014", Message: "canceling statement due to user request"})
			continue
		}

		ev, err := m.process(msg)
		if err != nil {
			failed = true
			p.fail(err)
			continue
		}
		p.results = append(p.results, pipelineResult{event: ev})
	}
	p.queued = nil

	m.history = append(m.history, Message{Kind: MessageSync})
	p.results = append(p.results, pipelineResult{event: transport.Event{Kind: transport.EventSync}})
	return nil
}

func (p *mockPipeline) fail(err error) {
	p.conn.metrics.totalErrors.Add(1)
	p.results = append(p.results, pipelineResult{err: protocol.FromPgError(err)})
}

func (p *mockPipeline) Next() (transport.Event, error) {
	if len(p.results) == 0 {
		return transport.Event{}, nil
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r.event, r.err
}

func (p *mockPipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.results = nil
	p.queued = nil
	p.conn.pipelineMu.Unlock()
	return nil
}

// process must be called with m.mu held.
func (m *MockConn) process(msg Message) (transport.Event, error) {
	if pgErr, ok := m.errors[msg.SQL]; ok && msg.Kind != MessageQueryPrepared {
		return transport.Event{}, pgErr
	}

	switch msg.Kind {
	case MessagePrepare:
		pl, err := m.planFor(msg.SQL, msg.ParamOIDs)
		if err != nil {
			return transport.Event{}, err
		}
		if _, exists := m.prepared[msg.Name]; exists && msg.Name != "" {
			return transport.Event{}, &pgconn.PgError{Severity: "ERROR", Code: "42P05", Message: fmt.Sprintf("prepared statement %q already exists", msg.Name)}
		}
		m.prepared[msg.Name] = pl
		return transport.Event{
			Kind: transport.EventDescription,
			Description: &protocol.StatementDescription{
				Name:      msg.Name,
				SQL:       msg.SQL,
				ParamOIDs: pl.paramOIDs,
				Fields:    pl.fields,
			},
		}, nil

	case MessageQueryParams:
		pl, err := m.planFor(msg.SQL, msg.ParamOIDs)
		if err != nil {
			return transport.Event{}, err
		}
		return m.execute(pl, msg.Params)

	case MessageQueryPrepared:
		pl, ok := m.prepared[msg.Name]
		if !ok {
			return transport.Event{}, &pgconn.PgError{Severity: "ERROR", Code: "26000", Message: fmt.Sprintf("prepared statement %q does not exist", msg.Name)}
		}
		if pgErr, ok := m.errors[pl.sql]; ok {
			return transport.Event{}, pgErr
		}
		return m.execute(pl, msg.Params)
	}

	return transport.Event{}, fmt.Errorf("mock: unsupported message %s", msg.Kind)
}

// planFor must be called with m.mu held.
func (m *MockConn) planFor(sql string, paramOIDs []uint32) (*plan, error) {
	if r, ok := m.results[sql]; ok {
		return cannedPlan(sql, paramOIDs, r), nil
	}
	return compile(sql, paramOIDs)
}

// execute must be called with m.mu held.
func (m *MockConn) execute(pl *plan, params [][]byte) (transport.Event, error) {
	rows, err := pl.run(params)
	if err != nil {
		return transport.Event{}, err
	}

	size := 0
	for _, row := range rows {
		for _, v := range row {
			size += len(v)
		}
	}
	m.countReceived(size)

	return transport.Event{
		Kind:       transport.EventResult,
		Fields:     pl.fields,
		Rows:       rows,
		CommandTag: pl.tag(len(rows)),
	}, nil
}

func messageSize(msg Message) int {
	n := len(msg.SQL) + len(msg.Name)
	for _, p := range msg.Params {
		n += len(p)
	}
	return n
}

var _ transport.Conn = (*MockConn)(nil)
