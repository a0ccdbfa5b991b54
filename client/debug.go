package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnableDebugMode enables debug mode with verbose logging and stack traces.
func (c *Connector) EnableDebugMode() {
	c.debugMode.Store(true)
	c.logger.Info("debug mode enabled")
}

// DisableDebugMode disables debug mode.
func (c *Connector) DisableDebugMode() {
	c.debugMode.Store(false)
	c.logger.Info("debug mode disabled")
}

// IsDebugMode returns whether debug mode is currently enabled.
func (c *Connector) IsDebugMode() bool {
	return c.debugMode.Load()
}

// FormatError formats err using the connector's debug mode.
func (c *Connector) FormatError(err error) string {
	return FormatError(err, c.IsDebugMode())
}

// GetDebugInfo returns a snapshot of connector state for debugging.
func (c *Connector) GetDebugInfo() map[string]interface{} {
	info := map[string]interface{}{
		"version":      buildVersion(),
		"connector":    c.id,
		"state":        c.State().String(),
		"stateSince":   c.stateMgr.Since().String(),
		"executions":   c.stateMgr.Executions(),
		"debugMode":    c.IsDebugMode(),
		"lastActivity": c.LastActivity().Format(time.RFC3339Nano),
	}

	if c.conn != nil {
		m := c.conn.Metrics()
		conn := map[string]interface{}{
			"pid":            c.conn.PID(),
			"closed":         c.conn.IsClosed(),
			"totalPipelines": m.TotalPipelines,
			"totalErrors":    m.TotalErrors,
			"bytesSent":      m.BytesSent,
			"bytesReceived":  m.BytesReceived,
		}
		if m.LastError != nil {
			conn["lastError"] = m.LastError.Error()
			conn["lastErrorTime"] = m.LastErrorTime.Format(time.RFC3339Nano)
		}
		info["connection"] = conn
	}

	var transitions []string
	for _, tr := range c.stateMgr.History() {
		line := tr.From.String() + " → " + tr.To.String()
		if tr.Error != nil {
			line += " (" + tr.Error.Error() + ")"
		}
		transitions = append(transitions, line)
	}
	info["recentTransitions"] = transitions

	stats := c.prepared.Stats()
	info["preparedStatements"] = map[string]interface{}{
		"explicit":     stats.Explicit,
		"autoPrepared": stats.AutoPrepared,
		"candidates":   stats.Candidates,
		"prepared":     stats.Prepared,
		"evictions":    stats.Evictions,
		"failures":     stats.Failures,
	}

	if tx := c.currentTx(); tx != nil {
		info["transaction"] = map[string]interface{}{
			"id":         tx.id,
			"isolation":  tx.opts.Isolation.String(),
			"readOnly":   tx.opts.ReadOnly,
			"savepoints": tx.Savepoints(),
			"state":      tx.getState(),
			"age":        time.Since(tx.startedAt).String(),
		}
	}

	if c.pool != nil {
		ps := c.pool.Stats()
		info["pool"] = map[string]interface{}{
			"open":             ps.Open,
			"idle":             ps.Idle,
			"inUse":            ps.InUse,
			"waitCount":        ps.WaitCount,
			"waitDuration":     ps.WaitDuration.String(),
			"hits":             ps.Hits,
			"misses":           ps.Misses,
			"discarded":        ps.Discarded,
			"cachedStatements": ps.CachedStatements,
		}
	}

	info["options"] = map[string]interface{}{
		"defaultTimeoutMs":     c.opts.DefaultTimeoutMs,
		"autoPrepareMinUsages": c.opts.AutoPrepareMinUsages,
		"maxAutoPrepare":       c.opts.MaxAutoPrepare,
		"statementCapacity":    c.opts.StatementCapacity,
		"poolMinSize":          c.opts.PoolMinSize,
		"poolMaxSize":          c.opts.PoolMaxSize,
		"transactionTimeout":   c.opts.TransactionTimeout.String(),
		"tlsEnabled":           c.opts.tlsRequested(),
	}

	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (c *Connector) DumpDebugInfoJSON() string {
	info := c.GetDebugInfo()
	bytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}

// logBatchDetail logs every statement and parameter of an execution in debug mode.
func (c *Connector) logBatchDetail(hookCtx *HookContext) {
	if !c.IsDebugMode() {
		return
	}

	fields := []Field{
		String("trace_id", hookCtx.TraceID),
		Int("statements", len(hookCtx.Statements)),
		Bool("prepare", hookCtx.Prepare),
		Duration("duration", hookCtx.Duration),
	}
	for i, text := range hookCtx.Statements {
		fields = append(fields, String(fmt.Sprintf("statement_%d", i), text))
	}
	if len(hookCtx.Params) > 0 {
		fields = append(fields, String("params", fmt.Sprintf("%v", hookCtx.Params)))
	}
	if hookCtx.Error != nil {
		fields = append(fields, String("error", c.FormatError(hookCtx.Error)))
	}
	if hookCtx.Result != nil {
		fields = append(fields,
			Int("result_sets", hookCtx.Result.ResultSetCount()),
			Int64("records_affected", hookCtx.Result.RecordsAffected()))
	}

	c.logger.Debug("batch execution detail", fields...)
}
