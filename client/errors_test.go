package client

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dan-strohschein/pgbatch/protocol"
)

func TestConnectionError(t *testing.T) {
	err := &ConnectionError{
		Code:    "CONNECTION_FAILED",
		Type:    "CONNECTION_ERROR",
		Message: "failed to connect",
		Details: map[string]interface{}{
			"address": "localhost:5432",
		},
	}

	if got := err.Error(); got != "CONNECTION_FAILED: failed to connect" {
		t.Errorf("unexpected short format: %s", got)
	}

	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.FormatError(true)), &parsed); jsonErr != nil {
		t.Fatalf("debug format should be valid JSON: %v", jsonErr)
	}

	if parsed["code"] != "CONNECTION_FAILED" {
		t.Errorf("expected code=CONNECTION_FAILED, got %v", parsed["code"])
	}
	if parsed["type"] != "CONNECTION_ERROR" {
		t.Errorf("expected type=CONNECTION_ERROR, got %v", parsed["type"])
	}
	details := parsed["details"].(map[string]interface{})
	if details["address"] != "localhost:5432" {
		t.Errorf("expected address detail, got %v", details["address"])
	}
}

func TestConnectionErrorWithCause(t *testing.T) {
	cause := &ConnectionError{
		Code:    "NETWORK_ERROR",
		Type:    "CONNECTION_ERROR",
		Message: "connection refused",
	}

	err := &ConnectionError{
		Code:    "CONNECTION_FAILED",
		Type:    "CONNECTION_ERROR",
		Message: "failed to connect",
		Cause:   cause,
	}

	if !strings.Contains(err.Error(), "caused by: NETWORK_ERROR") {
		t.Errorf("short format should include the cause, got: %s", err.Error())
	}

	var parsed map[string]interface{}
	json.Unmarshal([]byte(err.FormatError(true)), &parsed)

	causeData, ok := parsed["cause"].(map[string]interface{})
	if !ok {
		t.Fatal("expected structured cause in JSON")
	}
	if causeData["code"] != "NETWORK_ERROR" {
		t.Errorf("expected cause code NETWORK_ERROR, got %v", causeData["code"])
	}

	if err.Unwrap() != cause {
		t.Errorf("expected unwrapped to be cause")
	}
}

func TestErrInvalidState(t *testing.T) {
	err := ErrInvalidState("execute", StateReady, StateExecuting)

	stateErr, ok := err.(*StateError)
	if !ok {
		t.Fatalf("expected *StateError, got %T", err)
	}

	if stateErr.Code != "INVALID_STATE" {
		t.Errorf("expected code=INVALID_STATE, got %s", stateErr.Code)
	}

	details := stateErr.Details
	if details["operation"] != "execute" {
		t.Errorf("expected operation=execute, got %v", details["operation"])
	}
	if details["requiredState"] != "READY" {
		t.Errorf("expected requiredState=READY, got %v", details["requiredState"])
	}
	if details["currentState"] != "EXECUTING" {
		t.Errorf("expected currentState=EXECUTING, got %v", details["currentState"])
	}
	if len(stateErr.StackTrace) == 0 {
		t.Error("expected a captured stack trace")
	}
}

func TestUnsupportedStatementShapeError(t *testing.T) {
	err := ErrUnsupportedStatement(2, "SELECT 1; SELECT 2", "two commands")

	if !errors.Is(err, ErrUnsupportedStatementShape) {
		t.Error("expected errors.Is to match ErrUnsupportedStatementShape")
	}
	if errors.Is(err, ErrInvalidElementType) {
		t.Error("did not expect a match on ErrInvalidElementType")
	}
	if !strings.Contains(err.Error(), "(statement 2)") {
		t.Errorf("expected statement index in message, got %s", err.Error())
	}

	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.FormatError(true)), &parsed); jsonErr != nil {
		t.Fatalf("debug format should be valid JSON: %v", jsonErr)
	}
	if parsed["query"] != "SELECT 1; SELECT 2" {
		t.Errorf("expected query in debug payload, got %v", parsed["query"])
	}
}

func TestInvalidElementTypeError(t *testing.T) {
	err := ErrInvalidElement(42)
	if !errors.Is(err, ErrInvalidElementType) {
		t.Error("expected errors.Is to match ErrInvalidElementType")
	}
	if !strings.Contains(err.Error(), "int") {
		t.Errorf("expected type name in message, got %s", err.Error())
	}

	var nilStmt *Statement
	if msg := ErrInvalidElement(nilStmt).Message; msg != "nil is not a valid Statement" {
		t.Errorf("unexpected message for nil statement: %s", msg)
	}
}

func TestNotImplementedError(t *testing.T) {
	err := ErrOperationNotImplemented("CopyTo", "use All")
	if !errors.Is(err, ErrNotImplemented) {
		t.Error("expected errors.Is to match ErrNotImplemented")
	}
	if err.Operation != "CopyTo" {
		t.Errorf("expected operation CopyTo, got %s", err.Operation)
	}
}

func TestQueryErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &QueryError{Code: "E_QUERY_FAILED", Type: "QUERY_ERROR", Message: "failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if err.Error() != "E_QUERY_FAILED: failed (caused by: boom)" {
		t.Errorf("unexpected format: %s", err.Error())
	}
}

func TestTransactionErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   *TransactionError
		code  string
		state string
	}{
		{"already active", ErrTransactionAlreadyActive("tx1"), "E_TX_ALREADY_ACTIVE", "active"},
		{"committed", ErrTransactionAlreadyCommitted("tx1"), "E_TX_ALREADY_COMMITTED", "committed"},
		{"rolled back", ErrTransactionAlreadyRolledBack("tx1"), "E_TX_ALREADY_ROLLEDBACK", "rolledback"},
		{"timeout", ErrTransactionTimeout("tx1", 1500), "E_TX_TIMEOUT", "timedout"},
		{"mismatch", ErrTransactionConnectionMismatch("tx1"), "E_TX_CONNECTION_MISMATCH", "active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, tt.err.Code)
			}
			if tt.err.State != tt.state {
				t.Errorf("expected state %s, got %s", tt.state, tt.err.State)
			}
			if !strings.Contains(tt.err.Error(), "(TX: tx1)") {
				t.Errorf("expected transaction id in message, got %s", tt.err.Error())
			}
		})
	}
}

func TestFormatErrorHelper(t *testing.T) {
	if FormatError(nil, true) != "" {
		t.Error("expected empty string for nil error")
	}

	plain := errors.New("plain")
	if FormatError(plain, true) != "plain" {
		t.Error("expected plain errors to use Error()")
	}

	wrapped := &QueryError{Code: "E_X", Type: "QUERY_ERROR", Message: "x"}
	if !strings.HasPrefix(FormatError(wrapped, true), "{") {
		t.Error("expected JSON output in debug mode")
	}
	if FormatError(wrapped, false) != "E_X: x" {
		t.Errorf("unexpected short output: %s", FormatError(wrapped, false))
	}
}

func serverQueryError(code, msg string) *QueryError {
	te := protocol.FromPgError(&pgconn.PgError{Severity: "ERROR", Code: code, Message: msg, Hint: "try again"})
	return &QueryError{
		Code:    "E_QUERY_FAILED",
		Type:    "QUERY_ERROR",
		Message: msg,
		Details: map[string]interface{}{"statement_index": 0},
		Cause:   te,
	}
}

func TestQueryErrorSQLState(t *testing.T) {
	qe := serverQueryError("23505", "duplicate key value violates unique constraint")
	if got := qe.SQLState(); got != "23505" {
		t.Errorf("expected 23505, got %q", got)
	}

	var pgErr *pgconn.PgError
	if !errors.As(qe, &pgErr) {
		t.Fatal("expected the server error to be reachable through Unwrap")
	}

	fromDetails := &QueryError{Code: "E_QUERY_FAILED", Details: map[string]interface{}{"sqlstate": "42P01"}}
	if got := fromDetails.SQLState(); got != "42P01" {
		t.Errorf("expected 42P01 from details, got %q", got)
	}

	local := ErrInvalidParameterCount(2, 1)
	if got := local.SQLState(); got != "" {
		t.Errorf("expected no sqlstate for a client-side error, got %q", got)
	}
}

func TestQueryErrorIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  *QueryError
		want bool
	}{
		{"serialization failure", serverQueryError("40001", "could not serialize access"), true},
		{"deadlock", serverQueryError("40P01", "deadlock detected"), true},
		{"unique violation", serverQueryError("23505", "duplicate key"), false},
		{"timeout", &QueryError{Code: "E_QUERY_TIMEOUT", Message: "deadline exceeded"}, true},
		{"client side", ErrMixedParameters("SELECT $1, @a"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryErrorDebugIncludesServerFields(t *testing.T) {
	out := serverQueryError("40001", "could not serialize access").FormatError(true)

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("debug output is not JSON: %v", err)
	}
	server, ok := decoded["server"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected server section, got %v", decoded)
	}
	if server["sqlstate"] != "40001" || server["hint"] != "try again" || server["severity"] != "ERROR" {
		t.Errorf("unexpected server section: %v", server)
	}
}

func TestDebugPayloadWalksCauseChain(t *testing.T) {
	pgErr := &pgconn.PgError{Severity: "ERROR", Code: "23503", Message: "violates foreign key", ConstraintName: "orders_user_fk", TableName: "orders"}
	qe := &QueryError{
		Code:    "E_QUERY_FAILED",
		Type:    "QUERY_ERROR",
		Message: "violates foreign key",
		Cause:   protocol.FromPgError(pgErr),
	}
	txErr := &TransactionError{Code: "E_TX_ABORTED", Type: "TRANSACTION_ERROR", Message: "aborted", TransactionID: "tx1", Cause: qe}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(txErr.FormatError(true)), &parsed); err != nil {
		t.Fatalf("debug output is not JSON: %v", err)
	}

	level := parsed["cause"].(map[string]interface{})
	if level["code"] != "E_QUERY_FAILED" {
		t.Errorf("expected query error first, got %v", level)
	}
	level = level["cause"].(map[string]interface{})
	if level["sqlstate"] != "23503" || level["retryable"] != false {
		t.Errorf("expected transport error second, got %v", level)
	}
	level = level["cause"].(map[string]interface{})
	if level["constraint"] != "orders_user_fk" || level["table"] != "orders" || level["severity"] != "ERROR" {
		t.Errorf("expected server error last, got %v", level)
	}
	if _, deeper := level["cause"]; deeper {
		t.Error("chain should end at the server error")
	}
}
