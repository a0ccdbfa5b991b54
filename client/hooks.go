package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dan-strohschein/pgbatch/rewrite"
)

// HookContext describes one batch execution. Before hooks see the batch as the
// caller built it; After hooks additionally see the outcome.
type HookContext struct {
	// Command is the statement texts joined by ";\n".
	Command string

	// Statements holds the SQL text of each statement in wire order.
	Statements []string

	// FinalStatements holds the text actually sent, after placeholder rewriting.
	FinalStatements []string

	// CommandType categorizes the first statement (query, mutation, transaction, schema, other).
	CommandType string

	// Params are the positional values of every statement, flattened.
	Params []interface{}

	// Prepare is true when the execution only prepares statements.
	Prepare bool

	ConnectorID   string
	TransactionID string

	StartTime time.Time

	// Metadata passes data from Before to After.
	Metadata map[string]interface{}

	TraceID string

	// PreparedStatements is the number of statements executed through a
	// server-side prepared statement. Set for After.
	PreparedStatements int

	// Result is the Reader of a successful execution. Set for After.
	Result *Reader

	// Error is the execution error, if any. Set for After.
	Error error

	// Duration is the execution time. Set for After.
	Duration time.Duration
}

// Hook observes batch executions on a connector.
type Hook interface {
	// Name identifies the hook. Registering a second hook with the same name replaces the first.
	Name() string

	// Before runs before anything is sent. An error aborts the execution
	// and leaves the statements untouched.
	Before(ctx context.Context, hookCtx *HookContext) error

	// After runs once the pipeline has completed or failed. An error replaces
	// the execution result.
	After(ctx context.Context, hookCtx *HookContext) error
}

// hookChain is a copy-on-write list so executions read it without locking.
type hookChain struct {
	mu    sync.Mutex
	hooks atomic.Pointer[[]Hook]
}

func (hc *hookChain) load() []Hook {
	if p := hc.hooks.Load(); p != nil {
		return *p
	}
	return nil
}

// replace swaps in a modified copy of the chain built by edit.
func (hc *hookChain) replace(edit func([]Hook) []Hook) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	cur := hc.load()
	next := edit(append([]Hook(nil), cur...))
	hc.hooks.Store(&next)
}

func (c *Connector) newHookContext(bound []*boundStatement, prepare bool, tx *Transaction) *HookContext {
	texts := make([]string, len(bound))
	finals := make([]string, len(bound))
	var params []interface{}
	for i, b := range bound {
		texts[i] = b.stmt.text
		finals[i] = b.sql
		for _, p := range b.params {
			params = append(params, p.Value)
		}
	}

	commandType := "unknown"
	if len(texts) > 0 {
		commandType = inferCommandType(texts[0])
	}

	hookCtx := &HookContext{
		Command:         strings.Join(texts, ";\n"),
		Statements:      texts,
		FinalStatements: finals,
		CommandType:     commandType,
		Params:          params,
		Prepare:         prepare,
		ConnectorID:     c.id,
		StartTime:       time.Now(),
		Metadata:        make(map[string]interface{}),
		TraceID:         uuid.NewString(),
	}
	if tx != nil {
		hookCtx.TransactionID = tx.ID()
	}
	return hookCtx
}

// RegisterHook appends hook to the chain, or replaces the hook with the same name in place.
func (c *Connector) RegisterHook(hook Hook) {
	replaced := false
	c.hooks.replace(func(hooks []Hook) []Hook {
		for i, h := range hooks {
			if h.Name() == hook.Name() {
				hooks[i] = hook
				replaced = true
				return hooks
			}
		}
		return append(hooks, hook)
	})

	if replaced {
		c.logger.Info("hook replaced", String("hook", hook.Name()))
	} else {
		c.logger.Info("hook registered", String("hook", hook.Name()))
	}
}

// UnregisterHook removes a hook by name and reports whether it was registered.
func (c *Connector) UnregisterHook(name string) bool {
	found := false
	c.hooks.replace(func(hooks []Hook) []Hook {
		for i, h := range hooks {
			if h.Name() == name {
				found = true
				return append(hooks[:i], hooks[i+1:]...)
			}
		}
		return hooks
	})
	if found {
		c.logger.Info("hook unregistered", String("hook", name))
	}
	return found
}

// GetHooks returns the registered hook names in execution order.
func (c *Connector) GetHooks() []string {
	hooks := c.hooks.load()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name()
	}
	return names
}

func (c *Connector) executeBeforeHooks(ctx context.Context, hookCtx *HookContext) error {
	for _, hook := range c.hooks.load() {
		if err := hook.Before(ctx, hookCtx); err != nil {
			c.logger.Debug("hook aborted execution",
				String("hook", hook.Name()),
				String("trace_id", hookCtx.TraceID),
				Error("error", err))
			return err
		}
	}
	return nil
}

// executeAfterHooks runs every After hook and returns the last error.
func (c *Connector) executeAfterHooks(ctx context.Context, hookCtx *HookContext) error {
	var lastErr error
	for _, hook := range c.hooks.load() {
		if err := hook.After(ctx, hookCtx); err != nil {
			c.logger.Debug("hook failed after execution",
				String("hook", hook.Name()),
				String("trace_id", hookCtx.TraceID),
				Error("error", err))
			lastErr = err
		}
	}
	return lastErr
}

// inferCommandType categorizes a statement by its first keyword.
func inferCommandType(command string) string {
	switch rewrite.FirstKeyword(command) {
	case "SELECT", "WITH", "VALUES", "TABLE", "SHOW", "EXPLAIN", "FETCH", "MOVE":
		return "query"
	case "INSERT", "UPDATE", "DELETE", "MERGE", "COPY":
		return "mutation"
	case "BEGIN", "START", "COMMIT", "END", "ROLLBACK", "SAVEPOINT", "RELEASE":
		return "transaction"
	case "CREATE", "DROP", "ALTER", "TRUNCATE":
		return "schema"
	case "":
		return "unknown"
	default:
		return "other"
	}
}
