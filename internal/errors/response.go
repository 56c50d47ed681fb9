package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/CedrosPay/kora-server/pkg/responders"
)

// Error is Kora's error type. Every component in the request pipeline
// returns one of these (or wraps a lower-level error with one via New),
// so the JSON-RPC layer and the plain-HTTP fallback layer share a single
// source of truth for status/code mapping.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New constructs an Error with the given category and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an underlying error, keeping it unwrappable.
func Wrap(code ErrorCode, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As reports whether err is (or wraps) a Kora *Error and returns it.
func As(err error) (*Error, bool) {
	var kerr *Error
	if stderrors.As(err, &kerr) {
		return kerr, true
	}
	return nil, false
}

// Convenience constructors mirroring the original implementation's
// KoraError variants, kept terse since these are called from every module.
func AccountNotFound(account string) *Error {
	return Newf(ErrCodeAccountNotFound, "account %s not found", account)
}

func InvalidTransaction(msg string) *Error { return New(ErrCodeInvalidTransaction, msg) }
func ValidationError(msg string) *Error    { return New(ErrCodeValidationError, msg) }
func InsufficientFunds(msg string) *Error  { return New(ErrCodeInsufficientFunds, msg) }
func UsageLimitExceeded(msg string) *Error { return New(ErrCodeUsageLimitExceeded, msg) }
func UnsupportedFeeToken(token string) *Error {
	return Newf(ErrCodeUnsupportedFeeToken, "token %s is not supported for fee payment", token)
}
func InvalidRequest(msg string) *Error    { return New(ErrCodeInvalidRequest, msg) }
func Unauthorized(msg string) *Error      { return New(ErrCodeUnauthorized, msg) }
func RateLimitExceeded(msg string) *Error { return New(ErrCodeRateLimitExceeded, msg) }
func Internal(msg string) *Error          { return New(ErrCodeInternalServerError, msg) }
func RPC(cause error) *Error              { return Wrap(ErrCodeRPCError, cause) }
func Signing(cause error) *Error          { return Wrap(ErrCodeSigningError, cause) }
func Serialization(cause error) *Error    { return Wrap(ErrCodeSerializationError, cause) }

// JSONRPCError is the JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ToJSONRPCError converts any error into a JSON-RPC error object, boxing
// unrecognized errors as an internal error rather than leaking internals.
func ToJSONRPCError(err error) JSONRPCError {
	kerr, ok := As(err)
	if !ok {
		return JSONRPCError{Code: JSONRPCInternalError, Message: err.Error()}
	}
	return JSONRPCError{Code: kerr.Code.JSONRPCCode(), Message: kerr.Error()}
}

// WriteHTTPError writes a non-JSON-RPC error response (used by the plain
// HTTP fallback routes such as /liveness).
func WriteHTTPError(w http.ResponseWriter, err error) {
	kerr, ok := As(err)
	code := ErrCodeInternalServerError
	msg := err.Error()
	if ok {
		code = kerr.Code
		msg = kerr.Message
	}
	responders.JSON(w, code.HTTPStatus(), map[string]interface{}{
		"code":      code,
		"message":   msg,
		"retryable": code.IsRetryable(),
	})
}
