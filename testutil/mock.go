package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dan-strohschein/pgbatch/client"
)

// BatchRecorder is a client.Hook that records executions and checks them
// against expectations. Registered on a connector, it sees every batch before
// it is sent and can fail it with a chosen error.
//
// Example usage:
//
//	rec := testutil.NewBatchRecorder()
//	rec.ExpectBatch("SELECT $1", "UPDATE users SET name = @name").Once()
//	rec.ExpectBatch("DELETE FROM users").WillReturnError(errBlocked)
//	conn.RegisterHook(rec)
//	...
//	rec.VerifyExpectations(t)
type BatchRecorder struct {
	expectations []*Expectation
	calls        []Call
	mu           sync.Mutex
	strict       bool // If true, unexpected batches fail
}

// Expectation is an expected batch and the outcome to force on it.
type Expectation struct {
	statements  []string
	prepare     bool
	err         error
	times       int // Expected number of calls (-1 = any)
	actualCalls int
}

// Call is one observed execution.
type Call struct {
	Statements []string
	Prepare    bool
	Params     []interface{}
	Err        error
}

// NewBatchRecorder creates a recorder with no expectations.
func NewBatchRecorder() *BatchRecorder {
	return &BatchRecorder{}
}

// Strict makes unexpected batches fail with an error instead of passing through.
func (r *BatchRecorder) Strict() *BatchRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = true
	return r
}

// ExpectBatch expects one execution of exactly these statement texts, in order.
func (r *BatchRecorder) ExpectBatch(statements ...string) *Expectation {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp := &Expectation{statements: statements, times: 1}
	r.expectations = append(r.expectations, exp)
	return exp
}

// ExpectPrepare expects one Prepare call for these statement texts.
func (r *BatchRecorder) ExpectPrepare(statements ...string) *Expectation {
	exp := r.ExpectBatch(statements...)
	exp.prepare = true
	return exp
}

// WillReturnError makes matching executions fail with err before anything is sent.
func (e *Expectation) WillReturnError(err error) *Expectation {
	e.err = err
	return e
}

// Times sets the expected number of matching executions.
// Use -1 for "any number of times".
func (e *Expectation) Times(n int) *Expectation {
	e.times = n
	return e
}

// Once is a shorthand for Times(1).
func (e *Expectation) Once() *Expectation { return e.Times(1) }

// Twice is a shorthand for Times(2).
func (e *Expectation) Twice() *Expectation { return e.Times(2) }

// AnyTimes allows this expectation to match any number of times.
func (e *Expectation) AnyTimes() *Expectation { return e.Times(-1) }

func (e *Expectation) matches(hookCtx *client.HookContext) bool {
	if e.prepare != hookCtx.Prepare || len(e.statements) != len(hookCtx.Statements) {
		return false
	}
	for i := range e.statements {
		if e.statements[i] != hookCtx.Statements[i] {
			return false
		}
	}
	return e.times == -1 || e.actualCalls < e.times
}

// Name implements client.Hook.
func (r *BatchRecorder) Name() string { return "testutil_recorder" }

// Before implements client.Hook.
func (r *BatchRecorder) Before(ctx context.Context, hookCtx *client.HookContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, Call{
		Statements: append([]string(nil), hookCtx.Statements...),
		Prepare:    hookCtx.Prepare,
		Params:     hookCtx.Params,
	})

	for _, exp := range r.expectations {
		if exp.matches(hookCtx) {
			exp.actualCalls++
			return exp.err
		}
	}

	if r.strict {
		return fmt.Errorf("unexpected batch: %s", strings.Join(hookCtx.Statements, "; "))
	}
	return nil
}

// After implements client.Hook.
func (r *BatchRecorder) After(ctx context.Context, hookCtx *client.HookContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.calls); n > 0 {
		r.calls[n-1].Err = hookCtx.Error
	}
	return nil
}

// VerifyExpectations checks that all expectations were met.
// Should be called at the end of each test.
func (r *BatchRecorder) VerifyExpectations(t testing.TB) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, exp := range r.expectations {
		if exp.times != -1 && exp.actualCalls != exp.times {
			t.Errorf("expectation %d (%s): expected %d calls, got %d",
				i, strings.Join(exp.statements, "; "), exp.times, exp.actualCalls)
		}
	}
}

// GetCalls returns all recorded executions.
func (r *BatchRecorder) GetCalls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call{}, r.calls...)
}

// GetCallCount returns the number of recorded executions that contained statement.
func (r *BatchRecorder) GetCallCount(statement string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, call := range r.calls {
		for _, s := range call.Statements {
			if s == statement {
				count++
				break
			}
		}
	}
	return count
}

// Reset clears all expectations and recorded calls.
func (r *BatchRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expectations = nil
	r.calls = nil
}

var _ client.Hook = (*BatchRecorder)(nil)
