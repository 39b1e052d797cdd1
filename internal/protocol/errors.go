package protocol

// ErrorCode enumerates the non-exhaustive wire error codes from spec.md §6.
type ErrorCode string

const (
	CodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	CodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	CodeUnsupportedType      ErrorCode = "UNSUPPORTED_TYPE"
	CodeVersionIncompatible  ErrorCode = "VERSION_INCOMPATIBLE"
	CodeFailedAuth           ErrorCode = "FAILED_AUTH"
	CodeNotHAI               ErrorCode = "NOT_HAI"
	CodeSeqViolation         ErrorCode = "SEQ_VIOLATION"
	CodeFlowControlViolation ErrorCode = "FLOW_CONTROL_VIOLATION"
	CodeInsufficientCredits  ErrorCode = "INSUFFICIENT_CREDITS"
	CodeReplayTooOld         ErrorCode = "REPLAY_TOO_OLD"
	CodeResumeFailed         ErrorCode = "RESUME_FAILED"
	CodeTransactionNotFound  ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeMissingToolName      ErrorCode = "MISSING_TOOL_NAME"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeRunNotFound          ErrorCode = "RUN_NOT_FOUND"
	CodeRunLimitExceeded     ErrorCode = "RUN_LIMIT_EXCEEDED"
	CodeMissingRunID         ErrorCode = "MISSING_RUN_ID"
)

// ErrorPayload is the payload shape for an EventError envelope.
type ErrorPayload struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	RelatedID string         `json:"related_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Error is a protocol-level failure, distinct from pkg/errors.ContextualError:
// it always corresponds to an ERROR envelope placed on channel SYSTEM and
// never escapes the session task as a Go error that unwinds the process.
type Error struct {
	Code      ErrorCode
	Message   string
	RelatedID string
	Detail    map[string]any
	// Fatal marks errors that must terminate the session (handshake/auth
	// failures, version mismatch) per spec.md §7.
	Fatal bool
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// NewError builds a non-fatal protocol error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewFatalError builds a protocol error that must close the session.
func NewFatalError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Fatal: true}
}

// WithRelated sets the triggering envelope id.
func (e *Error) WithRelated(id string) *Error {
	e.RelatedID = id
	return e
}

// Payload converts the error to its wire payload shape.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message, RelatedID: e.RelatedID, Detail: e.Detail}
}
