package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode represents standardized error codes across transport layers
type ErrorCode int

const (
	// Connection errors (1000-1099)
	ErrorCodeConnectionRefused ErrorCode = 1001
	ErrorCodeTimeout           ErrorCode = 1002
	ErrorCodeAuthFailed        ErrorCode = 1003
	ErrorCodeCancelled         ErrorCode = 1005
	ErrorCodeConnectionClosed  ErrorCode = 1006

	// Protocol errors (2000-2099)
	ErrorCodeProtocolError     ErrorCode = 2001
	ErrorCodeParameterEncoding ErrorCode = 2002
	ErrorCodeUnexpectedMessage ErrorCode = 2003

	// Query errors (3000-3099)
	ErrorCodeQueryError            ErrorCode = 3001
	ErrorCodeStatementNotFound     ErrorCode = 3002
	ErrorCodeSerializationFailure  ErrorCode = 3003
	ErrorCodeDeadlockDetected      ErrorCode = 3004
	ErrorCodeCachedPlanInvalidated ErrorCode = 3005
)

// TransportError represents an error with structured error code
type TransportError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	SQLState    string                 `json:"sqlState,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	IsRetryable bool                   `json:"isRetryable"`
	Cause       error                  `json:"-"`
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		return fmt.Sprintf("[%d] %s (details: %s)", e.Code, e.Message, string(detailsJSON))
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new transport error
func NewTransportError(code ErrorCode, message string, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     message,
		Details:     details,
		IsRetryable: isRetryable(code),
	}
}

// isRetryable determines if an error code represents a retryable error
func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrorCodeTimeout,
		ErrorCodeSerializationFailure,
		ErrorCodeDeadlockDetected,
		ErrorCodeCachedPlanInvalidated:
		return true
	default:
		return false
	}
}

// ConnectionError creates a connection-related transport error
func ConnectionError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeConnectionRefused, message, details)
}

// TimeoutError creates a timeout transport error
func TimeoutError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeTimeout, message, details)
}

// ClosedError is returned by pipelines and connections used after Close.
func ClosedError(what string) *TransportError {
	return NewTransportError(ErrorCodeConnectionClosed, what+" is closed", nil)
}

// UnexpectedMessageError reports a pipeline result that does not match what was sent.
func UnexpectedMessageError(want string, got interface{}) *TransportError {
	return NewTransportError(ErrorCodeUnexpectedMessage, "unexpected pipeline result", map[string]interface{}{
		"want": want,
		"got":  fmt.Sprintf("%T", got),
	})
}

// ParameterEncodingError reports a value the codec cannot encode.
func ParameterEncodingError(value interface{}, cause error) *TransportError {
	e := NewTransportError(ErrorCodeParameterEncoding, "cannot encode parameter value", map[string]interface{}{
		"goType": fmt.Sprintf("%T", value),
	})
	e.Cause = cause
	return e
}

// FromPgError maps a server error to a TransportError keyed by its SQLSTATE class.
// Errors that are not *pgconn.PgError are wrapped as protocol errors.
func FromPgError(err error) *TransportError {
	if err == nil {
		return nil
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		e := NewTransportError(ErrorCodeProtocolError, err.Error(), nil)
		e.Cause = err
		return e
	}

	code := ErrorCodeQueryError
	switch {
	case pgErr.Code == "57014":
		code = ErrorCodeCancelled
	case pgErr.Code == "26000":
		code = ErrorCodeStatementNotFound
	case pgErr.Code == "40001":
		code = ErrorCodeSerializationFailure
	case pgErr.Code == "40P01":
		code = ErrorCodeDeadlockDetected
	case pgErr.Code == "0A000" && strings.Contains(pgErr.Message, "cached plan"):
		code = ErrorCodeCachedPlanInvalidated
	case strings.HasPrefix(pgErr.Code, "08"):
		code = ErrorCodeConnectionRefused
	case strings.HasPrefix(pgErr.Code, "28"):
		code = ErrorCodeAuthFailed
	}

	details := map[string]interface{}{
		"severity": pgErr.Severity,
	}
	if pgErr.Detail != "" {
		details["detail"] = pgErr.Detail
	}
	if pgErr.Hint != "" {
		details["hint"] = pgErr.Hint
	}
	if pgErr.Position != 0 {
		details["position"] = pgErr.Position
	}

	e := NewTransportError(code, pgErr.Message, details)
	e.SQLState = pgErr.Code
	e.Cause = err
	return e
}
