package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dan-strohschein/pgbatch/protocol"
	"github.com/dan-strohschein/pgbatch/rewrite"
	"github.com/dan-strohschein/pgbatch/telemetry"
	"github.com/dan-strohschein/pgbatch/transport"
)

// boundStatement is a statement validated, rewritten and encoded for one execution.
type boundStatement struct {
	stmt     *Statement
	index    int
	sql      string
	params   []*Parameter
	borrowed bool
	values   [][]byte
	oids     []uint32

	ps        *PreparedStatement
	preparing bool
}

func (cmd *Command) execute(ctx context.Context, prepareOnly bool) (*Reader, error) {
	conn := cmd.conn
	if conn == nil {
		return nil, ErrNoConnection()
	}
	if tx := cmd.tx; tx != nil {
		if tx.conn != conn {
			return nil, ErrTransactionConnectionMismatch(tx.id)
		}
		if err := tx.checkActive(); err != nil {
			return nil, err
		}
	}

	// Validation and encoding touch no statement state, so a rejected batch
	// is left exactly as the caller built it.
	bound, err := conn.bind(cmd.list.items)
	if err != nil {
		return nil, err
	}

	if _, ok := conn.stateMgr.CompareAndTransition(StateReady, StateExecuting, map[string]interface{}{
		"connector":  conn.id,
		"statements": len(bound),
		"prepare":    prepareOnly,
	}); !ok {
		return nil, ErrInvalidState("execute", StateReady, conn.State())
	}

	if timeout := cmd.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hookCtx := conn.newHookContext(bound, prepareOnly, cmd.tx)
	if err := conn.executeBeforeHooks(ctx, hookCtx); err != nil {
		conn.stateMgr.TransitionTo(StateReady, nil, map[string]interface{}{"reason": "hook_aborted"})
		return nil, err
	}

	for _, b := range bound {
		b.apply()
	}

	cmd.inflight.Store(conn)
	sets, err := conn.run(ctx, bound, prepareOnly)
	cmd.inflight.Store(nil)
	for _, b := range bound {
		if b.ps != nil {
			hookCtx.PreparedStatements++
		}
	}

	if err != nil && cmd.tx != nil {
		cmd.tx.markFailed(err)
	}
	if err != nil && conn.conn.IsClosed() {
		conn.markBroken(err)
	} else {
		conn.stateMgr.TransitionTo(StateReady, err, map[string]interface{}{"connector": conn.id})
	}
	conn.touch()

	var reader *Reader
	if err == nil && !prepareOnly {
		reader = newReader(conn.codec, sets)
		hookCtx.Result = reader
	}
	hookCtx.Error = err
	hookCtx.Duration = time.Since(hookCtx.StartTime)
	if hookErr := conn.executeAfterHooks(ctx, hookCtx); hookErr != nil {
		err = hookErr
	}
	conn.logBatchDetail(hookCtx)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func (c *Connector) bind(statements []*Statement) ([]*boundStatement, error) {
	bound := make([]*boundStatement, len(statements))
	for i, s := range statements {
		b, err := c.bindStatement(i, s)
		if err != nil {
			return nil, err
		}
		bound[i] = b
	}
	return bound, nil
}

func (c *Connector) bindStatement(index int, s *Statement) (*boundStatement, error) {
	params := s.Parameters()
	if p, ok := params.firstNonInput(); ok {
		return nil, ErrUnsupportedStatement(index, s.text,
			fmt.Sprintf("parameter %q has direction %s; only input parameters are supported", p.Name, p.Direction))
	}

	res, err := rewrite.Rewrite(s.text)
	switch {
	case errors.Is(err, rewrite.ErrMultipleStatements):
		return nil, ErrUnsupportedStatement(index, s.text,
			"the text holds more than one command; add each command as its own statement")
	case errors.Is(err, rewrite.ErrMixedPlaceholders):
		return nil, ErrMixedParameters(s.text)
	case err != nil:
		return nil, &QueryError{
			Code:      "E_SQL_TOKENIZE",
			Type:      "QUERY_ERROR",
			Message:   "failed to tokenize statement",
			Details:   map[string]interface{}{"statement_index": index},
			Query:     s.text,
			Cause:     err,
			Timestamp: time.Now(),
		}
	}

	b := &boundStatement{stmt: s, index: index, sql: res.SQL}

	switch {
	case res.Named():
		for _, p := range params.All() {
			if p.IsPositional() {
				return nil, ErrMixedParameters(s.text)
			}
		}
		for _, name := range res.Names {
			p, ok := params.Lookup(name)
			if !ok {
				return nil, ErrParameterNotFound(name, s.text)
			}
			b.params = append(b.params, p)
		}

	case params.hasNamed():
		if res.MaxPositional > 0 || !allNamed(params) {
			return nil, ErrMixedParameters(s.text)
		}

	default:
		if res.MaxPositional > params.Len() {
			return nil, ErrInvalidParameterCount(res.MaxPositional, params.Len())
		}
		b.params = params.All()
		b.borrowed = true
	}

	b.values = make([][]byte, len(b.params))
	b.oids = make([]uint32, len(b.params))
	for i, p := range b.params {
		v, oid, err := c.codec.Encode(p.Value, p.DataTypeOID)
		if err != nil {
			return nil, &QueryError{
				Code:    "E_PARAM_ENCODING",
				Type:    "QUERY_ERROR",
				Message: fmt.Sprintf("cannot encode parameter %d of statement %d", i+1, index),
				Details: map[string]interface{}{
					"statement_index": index,
					"parameter":       i + 1,
					"goType":          fmt.Sprintf("%T", p.Value),
				},
				Query:     s.text,
				Cause:     err,
				Timestamp: time.Now(),
			}
		}
		b.values[i], b.oids[i] = v, oid
	}
	return b, nil
}

func allNamed(params *ParameterCollection) bool {
	for _, p := range params.All() {
		if p.IsPositional() {
			return false
		}
	}
	return true
}

// apply installs the rewritten text and positional storage on the statement.
func (b *boundStatement) apply() {
	s := b.stmt
	s.finalText = b.sql
	s.boundOIDs = b.oids
	s.isPreparing = false

	if b.borrowed {
		s.UsePositionalParameters(s.Parameters())
	} else {
		owned := s.ownedParameters()
		for _, p := range b.params {
			owned.Add(p)
		}
	}

	if ps := s.PreparedStatement(); ps != nil && !ps.matches(b.sql, b.oids) {
		s.prepared = nil
		s.explicit = false
	}
}

// run drives one pipeline: preparation checks, sends, and result collection.
func (c *Connector) run(ctx context.Context, bound []*boundStatement, prepareOnly bool) ([]*resultSet, error) {
	reg := c.prepared
	prepares := 0
	allPrepared := len(bound) > 0
	for _, b := range bound {
		s := b.stmt
		// A statement listed twice is prepared by its first occurrence only.
		s.isPreparing = false
		s.detachForeign(reg)
		switch {
		case prepareOnly || s.explicit:
			s.ExplicitPrepare(reg)
		case reg.AutoPrepareEnabled():
			s.TryAutoPrepare(reg)
		}
		b.ps = s.PreparedStatement()
		b.preparing = s.isPreparing
		if b.preparing {
			prepares++
		}
		if b.ps == nil {
			allPrepared = false
		}
	}

	if prepareOnly {
		if prepares == 0 {
			return nil, nil
		}
	} else {
		telemetry.CommandStart(allPrepared)
		defer telemetry.CommandStop()
	}

	c.deallocatePending(ctx)

	if len(bound) == 0 {
		return nil, nil
	}

	pipe := c.conn.StartPipeline(ctx)
	defer pipe.Close()

	for _, b := range bound {
		if b.preparing {
			pipe.SendPrepare(b.ps.Name(), b.ps.SQL(), b.ps.ParamOIDs())
		}
		if prepareOnly {
			continue
		}
		if b.ps != nil {
			pipe.SendQueryPrepared(b.ps.Name(), b.values, nil, nil)
		} else {
			pipe.SendQueryParams(b.sql, b.values, b.oids, nil, nil)
		}
	}

	c.logger.Debug("pipeline sent",
		Int("statements", len(bound)),
		Int("prepares", prepares),
		Bool("prepare_only", prepareOnly))

	if err := pipe.Sync(); err != nil {
		return nil, c.fail(ctx, pipe, bound, nil, err)
	}

	sets := make([]*resultSet, 0, len(bound))
	for _, b := range bound {
		if b.preparing {
			ev, err := pipe.Next()
			if err == nil && ev.Kind != transport.EventDescription {
				err = protocol.UnexpectedMessageError("statement description", ev.Kind)
			}
			if err != nil {
				return nil, c.fail(ctx, pipe, bound, b, err)
			}
			reg.MarkPrepared(b.ps, ev.Description)
			b.preparing = false
			b.stmt.isPreparing = false
		}
		if prepareOnly {
			continue
		}

		ev, err := pipe.Next()
		if err == nil && ev.Kind != transport.EventResult {
			err = protocol.UnexpectedMessageError("result", ev.Kind)
		}
		if err != nil {
			return nil, c.fail(ctx, pipe, bound, b, err)
		}
		sets = append(sets, b.consume(ev))
	}

	ev, err := pipe.Next()
	if err == nil && ev.Kind != transport.EventSync {
		err = protocol.UnexpectedMessageError("sync", ev.Kind)
	}
	if err != nil {
		return nil, c.fail(ctx, pipe, bound, nil, err)
	}
	return sets, nil
}

// consume records a result on its statement. The description is stored before
// any row becomes visible through a Reader.
func (b *boundStatement) consume(ev transport.Event) *resultSet {
	s := b.stmt

	// Commands that return no rows have no shape; a prepared statement may
	// rely on the shape cached when it was described.
	var desc *protocol.RowDescription
	switch {
	case ev.Fields != nil:
		desc = protocol.NewRowDescription(ev.Fields)
	case b.ps != nil:
		desc = b.ps.Description()
	}
	s.SetDescription(desc)

	rows := ev.Rows
	completion := protocol.ParseCommandTag(ev.CommandTag)
	if s.Behavior == BehaviorSingleRow && len(rows) > 1 {
		rows = rows[:1]
		if completion.Kind.ReturnsRows() {
			completion.Rows = 1
		}
	}
	s.ApplyCompletion(completion)

	return &resultSet{statement: s, description: desc, rows: rows, completion: completion}
}

// fail cleans up after an error: statements still preparing release their
// records, the pipeline is drained to its sync point, and the cause is wrapped.
func (c *Connector) fail(ctx context.Context, pipe transport.Pipeline, bound []*boundStatement, at *boundStatement, cause error) error {
	for _, b := range bound {
		if b.preparing {
			c.prepared.MarkFailed(b.ps)
			b.preparing = false
			b.stmt.isPreparing = false
		}
	}
	c.drain(pipe, len(bound))
	telemetry.CommandFailed()

	qe := &QueryError{
		Code:      "E_QUERY_FAILED",
		Type:      "QUERY_ERROR",
		Message:   "batch execution failed",
		Details:   map[string]interface{}{},
		Cause:     cause,
		Timestamp: time.Now(),
	}

	var te *protocol.TransportError
	if errors.As(cause, &te) {
		qe.Message = te.Message
		if te.SQLState != "" {
			qe.Details["sqlstate"] = te.SQLState
		}
		if te.Code == protocol.ErrorCodeCancelled {
			qe.Code = "E_QUERY_CANCELLED"
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		qe.Code = "E_QUERY_TIMEOUT"
	}
	if at != nil {
		qe.Query = at.stmt.text
		qe.Details["statement_index"] = at.index
	}

	c.logger.Debug("batch execution failed",
		String("code", qe.Code),
		Error("error", cause))
	return qe
}

// drain reads until the sync point so the connection can be reused.
func (c *Connector) drain(pipe transport.Pipeline, statements int) {
	for i := 0; i < 2*statements+2; i++ {
		ev, err := pipe.Next()
		if err != nil {
			if c.conn.IsClosed() {
				return
			}
			continue
		}
		if ev.Kind == transport.EventSync || ev.Kind == transport.EventNone {
			return
		}
	}
}
