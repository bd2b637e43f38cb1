package protocol

import "fmt"

// ErrorCode is the machine-readable league-level error enumeration. These
// travel inside an ERROR envelope returned as a JSON-RPC success — JSON-RPC
// level failures (malformed request, unknown method) use the standard
// numeric codes instead.
type ErrorCode string

const (
	ErrEnvelopeInvalid    ErrorCode = "ENVELOPE_INVALID"
	ErrAuthRequired       ErrorCode = "AUTH_REQUIRED"
	ErrAuthInvalid        ErrorCode = "AUTH_INVALID"
	ErrRegistrationClosed ErrorCode = "REGISTRATION_CLOSED"
	ErrDuplicateID        ErrorCode = "DUPLICATE_ID"
	ErrPrecondition       ErrorCode = "PRECONDITION_FAILED"
	ErrNotAssigned        ErrorCode = "NOT_ASSIGNED"
	ErrResultConflict     ErrorCode = "RESULT_CONFLICT"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Error is a league-level protocol error. It implements the error interface
// so it can flow through ordinary Go error returns and be unwrapped at the
// HTTP boundary into an ERROR envelope.
type Error struct {
	Code    ErrorCode `json:"error_code"`
	Message string    `json:"message"`

	// Optional structured context. Field names the envelope or payload field
	// that failed validation; RetryAfter is seconds until a retry may
	// succeed (0 = not retryable or unknown).
	Detail     string `json:"detail,omitempty"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a league Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FieldError builds an ENVELOPE_INVALID error naming the offending field.
func FieldError(field, message string) *Error {
	return &Error{Code: ErrEnvelopeInvalid, Message: message, Field: field}
}
