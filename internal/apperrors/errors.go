// Package apperrors defines the typed error taxonomy the core uses to cross
// component boundaries (spec §7). Cryptographic and storage failures are
// never allowed to unwind as bare errors past a component's public API; they
// are caught and translated into one of the ErrorTypes below.
package apperrors

import "fmt"

// ErrorType names one of the error kinds spec §7 requires the core to
// distinguish. The HTTP shell maps each to a status code.
type ErrorType string

const (
	// MalformedToken: input didn't parse into three base64 segments, header
	// or claims JSON was invalid, or alg wasn't EdDSA. HTTP 400.
	MalformedToken ErrorType = "malformed_token"
	// UnknownKey: JWKS federation could not find a verifying key. HTTP 401.
	UnknownKey ErrorType = "unknown_key"
	// SignatureInvalid: key located, signature did not verify. HTTP 401.
	SignatureInvalid ErrorType = "signature_invalid"
	// MissingClaim: a required claim for the requested operation is absent. HTTP 400.
	MissingClaim ErrorType = "missing_claim"
	// Upstream: a JWKS fetch timed out or failed. Collapsed into UnknownKey
	// for callers, logged here. HTTP 401.
	Upstream ErrorType = "upstream"
	// Persistence: storage failed during a non-critical write. The request
	// still succeeds; this is logged, never returned to a caller.
	Persistence ErrorType = "persistence"
	// PersistenceFatal: storage failed during a critical write. HTTP 503.
	PersistenceFatal ErrorType = "persistence_fatal"
)

// Error is the core's error envelope: a type for HTTP-status mapping, a
// human summary, and the underlying cause (nil for errors that have none).
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

// New constructs an *Error. Cause may be nil.
func New(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause.Error())
}

// Unwrap exposes Cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Type, so that
// errors.Is(err, apperrors.New(MalformedToken, "", nil)) works for callers
// that only care about the type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}
