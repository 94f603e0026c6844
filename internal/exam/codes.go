package exam

import "fmt"

// RejectCode is a stable machine-readable code reported to clients on
// admission rejections and recoverable operational errors. Internal error
// text is never forwarded alongside it.
type RejectCode string

// Admission rejection codes. Each closes the connection attempt.
const (
	CodeMissingTarget        RejectCode = "MISSING_TARGET"
	CodeNotFound             RejectCode = "NOT_FOUND"
	CodeWrongStatus          RejectCode = "WRONG_STATUS"
	CodeOwnershipNotVerified RejectCode = "OWNERSHIP_NOT_VERIFIED"
	CodeExpiredEntitlement   RejectCode = "EXPIRED_ENTITLEMENT"
	CodeDuplicateConnection  RejectCode = "DUPLICATE_CONNECTION"
	CodeUpstreamInitFailed   RejectCode = "UPSTREAM_INIT_FAILED"
	CodeMissingCredential    RejectCode = "MISSING_CREDENTIAL"
	CodeInvalidCredential    RejectCode = "INVALID_CREDENTIAL"
	CodeOwnershipMismatch    RejectCode = "OWNERSHIP_MISMATCH"
	CodeSessionLimit         RejectCode = "SESSION_LIMIT"
	CodeUnexpectedFailure    RejectCode = "UNEXPECTED_FAILURE"
)

// Operational error codes. The session stays alive; the client is told to
// correct its behaviour.
const (
	CodeStateMismatch     RejectCode = "STATE_MISMATCH"
	CodeAudioChunkInvalid RejectCode = "AUDIO_CHUNK_INVALID"
	CodeAudioChunkTooLong RejectCode = "AUDIO_CHUNK_TOO_LARGE"
	CodeRateExceeded      RejectCode = "RATE_EXCEEDED"
	CodeUpstreamFailed    RejectCode = "UPSTREAM_FAILED"
)

// RejectError carries a rejection code and a client-safe message.
type RejectError struct {
	Code    RejectCode
	Message string
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reject builds a RejectError.
func Reject(code RejectCode, format string, args ...any) *RejectError {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}
