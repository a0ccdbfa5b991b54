package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dan-strohschein/pgbatch/protocol"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrUnsupportedStatementShape = errors.New("unsupported statement shape")
	ErrInvalidElementType        = errors.New("invalid element type")
	ErrNotImplemented            = errors.New("operation not implemented")
)

// ConnectionError represents connection-related failures.
type ConnectionError struct {
	Code        string                 `json:"code"`
	Type        string                 `json:"type"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details"`
	Cause       error                  `json:"cause,omitempty"`
	StackTrace  []string               `json:"stack_trace,omitempty"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`
	GoroutineID int                    `json:"goroutine_id,omitempty"`
}

func (e *ConnectionError) Error() string {
	return e.FormatError(false)
}

// FormatError renders "CODE: message (caused by: ...)", or with debugMode an
// indented JSON object carrying details, the cause chain, stack and timestamp.
// Every error type in this package implements it the same way.
func (e *ConnectionError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, e.Cause)
	}

	errorData := debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	if e.GoroutineID > 0 {
		errorData["goroutine_id"] = e.GoroutineID
	}
	return marshalIndented(errorData)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// StateError represents invalid state for an operation.
type StateError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	StackTrace []string               `json:"stack_trace,omitempty"`
}

func (e *StateError) Error() string {
	return e.FormatError(false)
}

func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return marshalIndented(debugPayload(e.Code, e.Type, e.Message, e.Details, nil, e.StackTrace, time.Time{}))
}

// ErrInvalidState creates a StateError for operations attempted in wrong state.
func ErrInvalidState(operation string, required, actual ConnectorState) error {
	return &StateError{
		Code:    "INVALID_STATE",
		Type:    "STATE_ERROR",
		Message: fmt.Sprintf("%s requires %s state, currently %s", operation, required, actual),
		Details: map[string]interface{}{
			"operation":     operation,
			"requiredState": required.String(),
			"currentState":  actual.String(),
		},
		StackTrace: captureStackTrace(),
	}
}

// QueryError represents query execution errors with parameter context.
type QueryError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Query      string                 `json:"query,omitempty"`
	Params     []interface{}          `json:"params,omitempty"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

func (e *QueryError) Error() string {
	return e.FormatError(false)
}

func (e *QueryError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortFormat(e.Code, e.Message, e.Cause)
	}

	errorData := debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	if e.Query != "" {
		errorData["query"] = e.Query
	}
	if len(e.Params) > 0 {
		errorData["params"] = e.Params
	}
	var te *protocol.TransportError
	if errors.As(e.Cause, &te) && te.SQLState != "" {
		server := map[string]interface{}{"sqlstate": te.SQLState}
		for k, v := range te.Details {
			server[k] = v
		}
		errorData["server"] = server
	}
	return marshalIndented(errorData)
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// SQLState returns the server's five-character error code, or "" when the
// failure did not come from the server.
func (e *QueryError) SQLState() string {
	var te *protocol.TransportError
	if errors.As(e.Cause, &te) && te.SQLState != "" {
		return te.SQLState
	}
	if s, ok := e.Details["sqlstate"].(string); ok {
		return s
	}
	return ""
}

// IsRetryable reports whether executing the same batch again can succeed:
// serialization failures, deadlocks, invalidated cached plans and timeouts.
func (e *QueryError) IsRetryable() bool {
	if e.Code == "E_QUERY_TIMEOUT" {
		return true
	}
	var te *protocol.TransportError
	return errors.As(e.Cause, &te) && te.IsRetryable
}

// StatementError represents prepared statement errors.
type StatementError struct {
	QueryError
	StatementName string `json:"statement_name,omitempty"`
}

func (e *StatementError) Error() string {
	return e.FormatError(false)
}

func (e *StatementError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s (statement: %s)", e.Code, e.Message, e.StatementName)
	}

	errorData := debugPayload(e.Code, "STATEMENT_ERROR", e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	errorData["statement_name"] = e.StatementName
	if e.Query != "" {
		errorData["query"] = e.Query
	}
	return marshalIndented(errorData)
}

// TransactionError represents transaction-related errors.
type TransactionError struct {
	Code          string                 `json:"code"`
	Type          string                 `json:"type"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	State         string                 `json:"state,omitempty"`
	Cause         error                  `json:"cause,omitempty"`
	StackTrace    []string               `json:"stack_trace,omitempty"`
	Timestamp     time.Time              `json:"timestamp,omitempty"`
}

func (e *TransactionError) Error() string {
	return e.FormatError(false)
}

func (e *TransactionError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (TX: %s, caused by: %s)", e.Code, e.Message, e.TransactionID, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s (TX: %s)", e.Code, e.Message, e.TransactionID)
	}

	errorData := debugPayload(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
	if e.TransactionID != "" {
		errorData["transaction_id"] = e.TransactionID
	}
	if e.State != "" {
		errorData["state"] = e.State
	}
	return marshalIndented(errorData)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// UnsupportedStatementShapeError is raised before any I/O when a statement holds
// several commands or declares a parameter that can carry output.
type UnsupportedStatementShapeError struct {
	Code           string                 `json:"code"`
	Type           string                 `json:"type"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details"`
	StatementIndex int                    `json:"statement_index"`
	Query          string                 `json:"query,omitempty"`
	StackTrace     []string               `json:"stack_trace,omitempty"`
	Timestamp      time.Time              `json:"timestamp,omitempty"`
}

func (e *UnsupportedStatementShapeError) Error() string {
	return e.FormatError(false)
}

func (e *UnsupportedStatementShapeError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s (statement %d)", e.Code, e.Message, e.StatementIndex)
	}

	errorData := debugPayload(e.Code, e.Type, e.Message, e.Details, nil, e.StackTrace, e.Timestamp)
	errorData["statement_index"] = e.StatementIndex
	if e.Query != "" {
		errorData["query"] = e.Query
	}
	return marshalIndented(errorData)
}

// Is matches ErrUnsupportedStatementShape.
func (e *UnsupportedStatementShapeError) Is(target error) bool {
	return target == ErrUnsupportedStatementShape
}

// InvalidElementTypeError is raised by StatementCollection when a value other than
// a *Statement is passed to a list operation.
type InvalidElementTypeError struct {
	Code       string      `json:"code"`
	Type       string      `json:"type"`
	Message    string      `json:"message"`
	Value      interface{} `json:"-"`
	Expected   string      `json:"expected"`
	StackTrace []string    `json:"stack_trace,omitempty"`
}

func (e *InvalidElementTypeError) Error() string {
	return e.FormatError(false)
}

func (e *InvalidElementTypeError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	details := map[string]interface{}{
		"expected": e.Expected,
		"actual":   fmt.Sprintf("%T", e.Value),
	}
	return marshalIndented(debugPayload(e.Code, e.Type, e.Message, details, nil, e.StackTrace, time.Time{}))
}

// Is matches ErrInvalidElementType.
func (e *InvalidElementTypeError) Is(target error) bool {
	return target == ErrInvalidElementType
}

// NotImplementedError is raised for operations the collection deliberately does not support.
type NotImplementedError struct {
	Code      string `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Operation string `json:"operation"`
}

func (e *NotImplementedError) Error() string {
	return e.FormatError(false)
}

func (e *NotImplementedError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	details := map[string]interface{}{"operation": e.Operation}
	return marshalIndented(debugPayload(e.Code, e.Type, e.Message, details, nil, nil, time.Time{}))
}

// Is matches ErrNotImplemented.
func (e *NotImplementedError) Is(target error) bool {
	return target == ErrNotImplemented
}

// ErrUnsupportedStatement creates an UnsupportedStatementShapeError for the statement at index.
func ErrUnsupportedStatement(index int, query, reason string) *UnsupportedStatementShapeError {
	return &UnsupportedStatementShapeError{
		Code:           "E_UNSUPPORTED_STATEMENT",
		Type:           "UNSUPPORTED_STATEMENT_SHAPE",
		Message:        reason,
		StatementIndex: index,
		Query:          query,
		Details: map[string]interface{}{
			"statement_index": index,
		},
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// ErrInvalidElement creates an InvalidElementTypeError for value.
func ErrInvalidElement(value interface{}) *InvalidElementTypeError {
	msg := fmt.Sprintf("value of type %T is not a Statement", value)
	if s, ok := value.(*Statement); ok && s == nil {
		msg = "nil is not a valid Statement"
	}
	return &InvalidElementTypeError{
		Code:       "E_INVALID_ELEMENT_TYPE",
		Type:       "INVALID_ELEMENT_TYPE",
		Message:    msg,
		Value:      value,
		Expected:   "Statement",
		StackTrace: captureStackTrace(),
	}
}

// ErrOperationNotImplemented creates a NotImplementedError for operation.
func ErrOperationNotImplemented(operation, hint string) *NotImplementedError {
	return &NotImplementedError{
		Code:      "E_NOT_IMPLEMENTED",
		Type:      "NOT_IMPLEMENTED",
		Message:   fmt.Sprintf("%s is not supported; %s", operation, hint),
		Operation: operation,
	}
}

// ErrIndexOutOfRange creates an error for list access outside [0, length].
func ErrIndexOutOfRange(index, length int) *QueryError {
	return &QueryError{
		Code:    "E_INDEX_OUT_OF_RANGE",
		Type:    "QUERY_ERROR",
		Message: fmt.Sprintf("index %d is out of range for collection of length %d", index, length),
		Details: map[string]interface{}{
			"index":  index,
			"length": length,
		},
		Timestamp: time.Now(),
	}
}

// ErrInvalidParameterCount creates an error for parameter count mismatches.
func ErrInvalidParameterCount(expected, actual int) *QueryError {
	return &QueryError{
		Code:    "E_PARAM_COUNT_MISMATCH",
		Type:    "QUERY_ERROR",
		Message: fmt.Sprintf("parameter count mismatch: expected %d, got %d", expected, actual),
		Details: map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// ErrParameterNotFound creates an error for a named placeholder with no matching parameter.
func ErrParameterNotFound(name, query string) *QueryError {
	return &QueryError{
		Code:    "E_PARAM_NOT_FOUND",
		Type:    "QUERY_ERROR",
		Message: fmt.Sprintf("no parameter named '%s' was supplied", name),
		Details: map[string]interface{}{
			"parameter": name,
		},
		Query:      query,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// ErrMixedParameters creates an error for statements combining named and positional parameters.
func ErrMixedParameters(query string) *QueryError {
	return &QueryError{
		Code:       "E_MIXED_PARAMETERS",
		Type:       "QUERY_ERROR",
		Message:    "named and positional parameters cannot be mixed in one statement",
		Query:      query,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// ErrStatementNotFound creates an error when a prepared statement doesn't exist.
func ErrStatementNotFound(name string) *StatementError {
	return &StatementError{
		QueryError: QueryError{
			Code:    "E_STMT_NOT_FOUND",
			Type:    "STATEMENT_ERROR",
			Message: fmt.Sprintf("prepared statement '%s' does not exist", name),
			Details: map[string]interface{}{
				"statement_name": name,
			},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		StatementName: name,
	}
}

// ErrNoConnection creates an error for executing a command that has no connector.
func ErrNoConnection() *ConnectionError {
	return &ConnectionError{
		Code:       "E_NO_CONNECTION",
		Type:       "CONNECTION_ERROR",
		Message:    "command has no connection",
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

func newTransactionError(code, message, id, state string, cause error) *TransactionError {
	return &TransactionError{
		Code:          code,
		Type:          "TRANSACTION_ERROR",
		Message:       message,
		TransactionID: id,
		State:         state,
		Cause:         cause,
		StackTrace:    captureStackTrace(),
		Timestamp:     time.Now(),
	}
}

// ErrTransactionConnectionMismatch is returned when a command enlisted in a
// transaction runs on a connector other than the transaction's.
func ErrTransactionConnectionMismatch(id string) *TransactionError {
	return newTransactionError("E_TX_CONNECTION_MISMATCH", "transaction is bound to a different connection", id, "active", nil)
}

func ErrTransactionAlreadyActive(id string) *TransactionError {
	return newTransactionError("E_TX_ALREADY_ACTIVE", "transaction already in progress", id, "active", nil)
}

func ErrTransactionAlreadyCommitted(id string) *TransactionError {
	return newTransactionError("E_TX_ALREADY_COMMITTED", "transaction has already been committed", id, "committed", nil)
}

func ErrTransactionAlreadyRolledBack(id string) *TransactionError {
	return newTransactionError("E_TX_ALREADY_ROLLEDBACK", "transaction has already been rolled back", id, "rolledback", nil)
}

// ErrTransactionTimeout is returned for a transaction that outlived
// TransactionTimeout and was rolled back.
func ErrTransactionTimeout(id string, durationMs int64) *TransactionError {
	e := newTransactionError("E_TX_TIMEOUT", "transaction exceeded timeout and was rolled back", id, "timedout", nil)
	e.Details = map[string]interface{}{"duration_ms": durationMs}
	return e
}

func shortFormat(code, message string, cause error) string {
	if cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", code, message, cause.Error())
	}
	return fmt.Sprintf("%s: %s", code, message)
}

func debugPayload(code, typ, message string, details map[string]interface{}, cause error, stack []string, ts time.Time) map[string]interface{} {
	errorData := map[string]interface{}{
		"code":    code,
		"type":    typ,
		"message": message,
	}

	if len(details) > 0 {
		errorData["details"] = details
	}

	if cause != nil {
		errorData["cause"] = describeCause(cause, 0)
	}

	if len(stack) > 0 {
		errorData["stack_trace"] = stack
	}

	if !ts.IsZero() {
		errorData["timestamp"] = ts.Format(time.RFC3339Nano)
	}

	return errorData
}

const maxCauseDepth = 8

// describeCause renders an error chain as nested objects, one level per
// Unwrap, keeping the structured fields of the error types it recognizes.
func describeCause(err error, depth int) map[string]interface{} {
	d := map[string]interface{}{"message": err.Error()}
	switch e := err.(type) {
	case *ConnectionError:
		d["code"], d["type"], d["message"] = e.Code, e.Type, e.Message
		if len(e.Details) > 0 {
			d["details"] = e.Details
		}
	case *QueryError:
		d["code"], d["type"], d["message"] = e.Code, e.Type, e.Message
	case *TransactionError:
		d["code"], d["type"], d["message"] = e.Code, e.Type, e.Message
	case *protocol.TransportError:
		d["code"], d["message"] = int(e.Code), e.Message
		d["retryable"] = e.IsRetryable
		if e.SQLState != "" {
			d["sqlstate"] = e.SQLState
		}
	case *pgconn.PgError:
		d["sqlstate"], d["severity"] = e.Code, e.Severity
		if e.ConstraintName != "" {
			d["constraint"] = e.ConstraintName
		}
		if e.TableName != "" {
			d["table"] = e.TableName
		}
	}

	if next := errors.Unwrap(err); next != nil && depth < maxCauseDepth {
		d["cause"] = describeCause(next, depth+1)
	}
	return d
}

func marshalIndented(v map[string]interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs)

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}

	return frames
}

// FormatError renders err with the first FormatError(bool) implementation
// found in its chain, or err.Error() when there is none.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	var formatter debugFormatter
	if errors.As(err, &formatter) {
		return formatter.FormatError(debugMode)
	}

	return err.Error()
}
