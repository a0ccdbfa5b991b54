// Package pg implements transport.Conn on top of pgconn.
package pg

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/transport"
)

// Options configures a pgconn-backed connection
type Options struct {
	// ConnString is a libpq-style URL or keyword/value string
	ConnString string

	// ConnectTimeout bounds the dial and startup handshake
	ConnectTimeout time.Duration

	// TLSConfig overrides the TLS settings parsed from ConnString when non-nil
	TLSConfig *tls.Config

	// RuntimeParams are sent in the startup message unless the connection
	// string already sets them (application_name, search_path, ...).
	RuntimeParams map[string]string

	// Observer receives byte counts for every read and write on the socket
	Observer transport.ByteObserver
}

// Conn implements transport.Conn
type Conn struct {
	pgConn  *pgconn.PgConn
	metrics connMetrics
}

// connMetrics tracks transport performance
type connMetrics struct {
	totalPipelines atomic.Int64
	totalErrors    atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	lastError      error
	lastErrorTime  time.Time
	mu             sync.RWMutex
}

// Connect dials the server described by opts
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if opts.ConnString == "" {
		return nil, protocol.ConnectionError("connection string is required", nil)
	}

	cfg, err := pgconn.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, protocol.ConnectionError(fmt.Sprintf("invalid connection string: %v", err), nil)
	}

	if opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.TLSConfig != nil {
		cfg.TLSConfig = opts.TLSConfig
		for _, fb := range cfg.Fallbacks {
			fb.TLSConfig = opts.TLSConfig
		}
	}
	// Parameters already named in the connection string win.
	for k, v := range opts.RuntimeParams {
		if _, set := cfg.RuntimeParams[k]; !set {
			cfg.RuntimeParams[k] = v
		}
	}

	c := &Conn{}

	baseDial := cfg.DialFunc
	cfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		nc, err := baseDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &countingConn{Conn: nc, owner: c, observer: opts.Observer}, nil
	}

	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		te := protocol.ConnectionError(fmt.Sprintf("failed to connect to %s", cfg.Host), map[string]interface{}{
			"host": cfg.Host,
			"port": cfg.Port,
		})
		te.Cause = err
		return nil, te
	}
	c.pgConn = pgConn

	return c, nil
}

// StartPipeline implements transport.Conn
func (c *Conn) StartPipeline(ctx context.Context) transport.Pipeline {
	c.metrics.totalPipelines.Add(1)
	return &pipeline{p: c.pgConn.StartPipeline(ctx), conn: c}
}

// Exec implements transport.Conn
func (c *Conn) Exec(ctx context.Context, sql string) error {
	_, err := c.pgConn.Exec(ctx, sql).ReadAll()
	if err != nil {
		c.recordError(err)
		return protocol.FromPgError(err)
	}
	return nil
}

// CancelRequest implements transport.Conn
func (c *Conn) CancelRequest(ctx context.Context) error {
	return c.pgConn.CancelRequest(ctx)
}

// Close implements transport.Conn
func (c *Conn) Close(ctx context.Context) error {
	return c.pgConn.Close(ctx)
}

// IsClosed implements transport.Conn
func (c *Conn) IsClosed() bool {
	return c.pgConn.IsClosed()
}

// PID implements transport.Conn
func (c *Conn) PID() uint32 {
	return c.pgConn.PID()
}

// Metrics implements transport.Conn
func (c *Conn) Metrics() transport.Metrics {
	c.metrics.mu.RLock()
	lastErr := c.metrics.lastError
	lastErrTime := c.metrics.lastErrorTime
	c.metrics.mu.RUnlock()

	return transport.Metrics{
		TotalPipelines: c.metrics.totalPipelines.Load(),
		TotalErrors:    c.metrics.totalErrors.Load(),
		LastError:      lastErr,
		LastErrorTime:  lastErrTime,
		BytesSent:      c.metrics.bytesSent.Load(),
		BytesReceived:  c.metrics.bytesReceived.Load(),
	}
}

func (c *Conn) recordError(err error) {
	c.metrics.totalErrors.Add(1)
	c.metrics.mu.Lock()
	c.metrics.lastError = err
	c.metrics.lastErrorTime = time.Now()
	c.metrics.mu.Unlock()
}

type pipeline struct {
	p    *pgconn.Pipeline
	conn *Conn
}

func (p *pipeline) SendPrepare(name, sql string, paramOIDs []uint32) {
	p.p.SendPrepare(name, sql, paramOIDs)
}

func (p *pipeline) SendQueryParams(sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats, resultFormats []int16) {
	p.p.SendQueryParams(sql, paramValues, paramOIDs, paramFormats, resultFormats)
}

func (p *pipeline) SendQueryPrepared(name string, paramValues [][]byte, paramFormats, resultFormats []int16) {
	p.p.SendQueryPrepared(name, paramValues, paramFormats, resultFormats)
}

func (p *pipeline) Sync() error {
	if err := p.p.Sync(); err != nil {
		p.conn.recordError(err)
		return protocol.FromPgError(err)
	}
	return nil
}

func (p *pipeline) Next() (transport.Event, error) {
	for {
		res, err := p.p.GetResults()
		if err != nil {
			p.conn.recordError(err)
			return transport.Event{}, protocol.FromPgError(err)
		}

		switch r := res.(type) {
		case nil:
			return transport.Event{}, nil
		case *pgconn.StatementDescription:
			return transport.Event{
				Kind: transport.EventDescription,
				Description: &protocol.StatementDescription{
					Name:      r.Name,
					SQL:       r.SQL,
					ParamOIDs: r.ParamOIDs,
					Fields:    convertFields(r.Fields),
				},
			}, nil
		case *pgconn.ResultReader:
			return readResult(r, p.conn)
		case *pgconn.PipelineSync:
			return transport.Event{Kind: transport.EventSync}, nil
		default:
			// Acknowledgements the engine does not track are skipped.
			continue
		}
	}
}

func (p *pipeline) Close() error {
	if err := p.p.Close(); err != nil {
		p.conn.recordError(err)
		return protocol.FromPgError(err)
	}
	return nil
}

func readResult(rr *pgconn.ResultReader, conn *Conn) (transport.Event, error) {
	ev := transport.Event{
		Kind:   transport.EventResult,
		Fields: convertFields(rr.FieldDescriptions()),
	}

	for rr.NextRow() {
		values := rr.Values()
		row := make([][]byte, len(values))
		for i, v := range values {
			if v == nil {
				continue
			}
			row[i] = make([]byte, len(v))
			copy(row[i], v)
		}
		ev.Rows = append(ev.Rows, row)
	}

	tag, err := rr.Close()
	if err != nil {
		conn.recordError(err)
		return transport.Event{}, protocol.FromPgError(err)
	}
	ev.CommandTag = tag.String()
	return ev, nil
}

func convertFields(fds []pgconn.FieldDescription) []protocol.FieldDescription {
	if fds == nil {
		return nil
	}
	out := make([]protocol.FieldDescription, len(fds))
	for i, fd := range fds {
		out[i] = protocol.FieldDescription{
			Name:                 fd.Name,
			TableOID:             fd.TableOID,
			TableAttributeNumber: fd.TableAttributeNumber,
			DataTypeOID:          fd.DataTypeOID,
			DataTypeSize:         fd.DataTypeSize,
			TypeModifier:         fd.TypeModifier,
			Format:               fd.Format,
		}
	}
	return out
}

// countingConn reports socket traffic to the owning Conn and an optional observer.
type countingConn struct {
	net.Conn
	owner    *Conn
	observer transport.ByteObserver
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.owner.metrics.bytesReceived.Add(int64(n))
		if c.observer != nil {
			c.observer.BytesRead(int64(n))
		}
	}
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.owner.metrics.bytesSent.Add(int64(n))
		if c.observer != nil {
			c.observer.BytesWritten(int64(n))
		}
	}
	return n, err
}

var _ transport.Conn = (*Conn)(nil)
