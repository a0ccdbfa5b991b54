package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/telemetry"
	"github.com/dan-strohschein/pgbatch/transport"
	"github.com/dan-strohschein/pgbatch/transport/pg"
)

// Connector is one physical server connection together with everything scoped
// to it: the prepared-statement registry, the parameter codec, hooks and the
// active transaction.
//
// A Connector runs at most one pipeline at a time. Executing while another
// execution is in flight fails with a StateError.
type Connector struct {
	id       string
	conn     transport.Conn
	opts     ClientOptions
	logger   Logger
	codec    *protocol.ParameterCodec
	prepared *PreparedStatementManager
	stateMgr *StateManager

	debugMode    atomic.Bool
	lastActivity atomic.Int64

	hooks hookChain

	txMu sync.Mutex
	tx   *Transaction

	pool *Pool
}

// Open dials the server described by opts.ConnString and returns a ready connector.
func Open(ctx context.Context, opts ClientOptions) (*Connector, error) {
	if opts.ConnString == "" {
		return nil, &ConnectionError{
			Code:    "INVALID_CONNECTION_STRING",
			Type:    "CONNECTION_ERROR",
			Message: "connection string is required",
		}
	}

	c := newConnector(opts)
	if err := c.stateMgr.TransitionTo(StateConnecting, nil, map[string]interface{}{
		"reason":    "user_initiated",
		"connector": c.id,
	}); err != nil {
		return nil, err
	}

	tlsConfig, err := c.tlsConfig()
	if err != nil {
		c.stateMgr.TransitionTo(StateClosed, err, map[string]interface{}{"reason": "error"})
		return nil, err
	}

	conn, err := pg.Connect(ctx, pg.Options{
		ConnString:     opts.ConnString,
		ConnectTimeout: opts.DefaultTimeout(),
		TLSConfig:      tlsConfig,
		RuntimeParams:  map[string]string{"application_name": ApplicationName()},
		Observer:       telemetry.ByteCounter{},
	})
	if err != nil {
		c.stateMgr.TransitionTo(StateClosed, err, map[string]interface{}{"reason": "error"})
		c.logger.Error("failed to connect", Error("error", err))
		if tlsErr, ok := classifyTLSError(err); ok {
			return nil, tlsErr
		}
		return nil, &ConnectionError{
			Code:      "CONNECTION_FAILED",
			Type:      "CONNECTION_ERROR",
			Message:   "failed to open connection",
			Cause:     err,
			Timestamp: time.Now(),
		}
	}

	c.attach(conn)
	c.logger.Info("connected", Int64("pid", int64(conn.PID())))
	return c, nil
}

// NewConnector wraps an already established transport connection.
func NewConnector(conn transport.Conn, opts ClientOptions) *Connector {
	c := newConnector(opts)
	c.stateMgr.TransitionTo(StateConnecting, nil, map[string]interface{}{"connector": c.id})
	c.attach(conn)
	return c
}

func newConnector(opts ClientOptions) *Connector {
	id := uuid.New().String()
	logger := opts.logger().WithFields(String("connector", id))

	c := &Connector{
		id:       id,
		opts:     opts,
		logger:   logger,
		codec:    protocol.NewParameterCodec(),
		prepared: NewPreparedStatementManager(opts.AutoPrepareMinUsages, opts.MaxAutoPrepare, logger),
		stateMgr: NewStateManager(),
	}
	c.debugMode.Store(opts.DebugMode)
	return c
}

func (c *Connector) attach(conn transport.Conn) {
	c.conn = conn
	c.touch()
	c.stateMgr.TransitionTo(StateReady, nil, map[string]interface{}{
		"reason":    "connected",
		"connector": c.id,
	})
}

func (c *Connector) tlsConfig() (*tls.Config, error) {
	host := ""
	if cfg, err := pgconn.ParseConfig(c.opts.ConnString); err == nil {
		host = cfg.Host
	}
	return buildTLSConfig(c.opts, host)
}

// ID returns the connector's unique identifier.
func (c *Connector) ID() string { return c.id }

// PID returns the server backend process id.
func (c *Connector) PID() uint32 { return c.conn.PID() }

// State returns the current connector state.
func (c *Connector) State() ConnectorState { return c.stateMgr.GetState() }

// OnStateChange registers a handler called on every state transition.
func (c *Connector) OnStateChange(handler StateChangeHandler) {
	c.stateMgr.OnStateChange(handler)
}

// Options returns the options the connector was created with.
func (c *Connector) Options() ClientOptions { return c.opts }

// PreparedStatements returns the connector's prepared-statement registry.
func (c *Connector) PreparedStatements() *PreparedStatementManager { return c.prepared }

// LastActivity returns when the connector last completed a round trip.
func (c *Connector) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connector) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IsAlive reports whether the connector can still execute commands.
func (c *Connector) IsAlive() bool {
	switch c.State() {
	case StateReady, StateExecuting:
		return c.conn != nil && !c.conn.IsClosed()
	default:
		return false
	}
}

// Ping runs an empty round trip to verify the connection.
func (c *Connector) Ping(ctx context.Context) error {
	if !c.IsAlive() {
		return &ConnectionError{
			Code:    "CONNECTION_DEAD",
			Type:    "CONNECTION_ERROR",
			Message: "connection is not alive",
		}
	}

	if err := c.conn.Exec(ctx, "SELECT 1"); err != nil {
		c.markBroken(err)
		return &ConnectionError{
			Code:    "PING_FAILED",
			Type:    "CONNECTION_ERROR",
			Message: "ping failed",
			Cause:   err,
		}
	}
	c.touch()
	return nil
}

// Close closes the connection. Prepared statements die with the session and
// are invalidated so statements referencing them fall back to unprepared execution.
func (c *Connector) Close(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return nil
	case StateExecuting:
		c.stateMgr.TransitionTo(StateBroken, nil, map[string]interface{}{"reason": "closed_while_executing"})
	}
	c.stateMgr.TransitionTo(StateClosed, nil, map[string]interface{}{"reason": "user_initiated"})

	c.prepared.InvalidateAll()
	c.logger.Info("connection closed")

	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(ctx); err != nil {
		return &ConnectionError{
			Code:    "CLOSE_FAILED",
			Type:    "CONNECTION_ERROR",
			Message: "failed to close connection",
			Cause:   err,
		}
	}
	return nil
}

// markBroken moves the connector to Broken after a fatal transport error.
func (c *Connector) markBroken(cause error) {
	if c.State() == StateBroken || c.State() == StateClosed {
		return
	}
	c.stateMgr.TransitionTo(StateBroken, cause, map[string]interface{}{"reason": "error"})
	c.prepared.InvalidateAll()
	c.logger.Warn("connection broken", Error("error", cause))
}

// CreateBatch returns a new batch bound to this connector.
func (c *Connector) CreateBatch() *Batch {
	return NewBatch(c, c.currentTx())
}

// CreateCommand returns a single-statement command bound to this connector.
func (c *Connector) CreateCommand(sql string, args ...any) *Command {
	cmd := NewCommand(sql, c, args...)
	cmd.tx = c.currentTx()
	return cmd
}

func (c *Connector) currentTx() *Transaction {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.tx != nil && !c.tx.active() {
		c.tx = nil
	}
	return c.tx
}

// cancel asks the server to abort the pipeline in flight.
func (c *Connector) cancel(ctx context.Context) error {
	if c.conn == nil {
		return ErrNoConnection()
	}
	if err := c.conn.CancelRequest(ctx); err != nil {
		return &ConnectionError{
			Code:    "CANCEL_FAILED",
			Type:    "CONNECTION_ERROR",
			Message: fmt.Sprintf("failed to send cancel request for backend %d", c.conn.PID()),
			Cause:   err,
		}
	}
	c.logger.Debug("cancel request sent")
	return nil
}

// deallocatePending drops server statements evicted from the auto-prepare
// cache. A name whose DEALLOCATE fails is queued again for the next flush,
// unless the server reports it never held the statement.
func (c *Connector) deallocatePending(ctx context.Context) {
	for _, name := range c.prepared.PendingDeallocations() {
		err := c.conn.Exec(ctx, "DEALLOCATE "+name)
		var te *protocol.TransportError
		switch {
		case err == nil:
			c.logger.Debug("deallocated prepared statement", String("name", name))
		case errors.As(err, &te) && te.Code == protocol.ErrorCodeStatementNotFound:
			c.logger.Debug("prepared statement already gone", String("name", name))
		default:
			c.prepared.queueDeallocation(name)
			c.logger.Warn("failed to deallocate prepared statement, will retry",
				String("name", name),
				Error("error", err))
		}
	}
}
