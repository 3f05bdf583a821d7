package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// JSON-RPC error codes. The -32000 range is implementation defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603

	CodeServerError     = -32000
	CodeSessionNotFound = -32001
	CodeSessionLimit    = -32002
	CodeUnauthorized    = -32003
	CodeRateLimited     = -32029
)

// internalMessage is what clients see for any internal failure.
const internalMessage = "internal server error"

// Error is a JSON-RPC error object paired with the HTTP status it is
// reported under.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	Status int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error.
func NewError(status, code int, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Constructors for the error taxonomy.

// NewParseError reports a body that is not valid JSON.
func NewParseError(detail string) *Error {
	return NewError(http.StatusBadRequest, CodeParseError, "parse error: "+detail)
}

// NewInvalidRequestError reports a well-formed body that is not a valid
// JSON-RPC message or batch.
func NewInvalidRequestError(detail string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest, "invalid request: "+detail)
}

// NewUnsupportedVersionError rejects an MCP-Protocol-Version header this
// server does not speak.
func NewUnsupportedVersionError(v string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest,
		fmt.Sprintf("unsupported protocol version %q (supported: %v)", v, supportedVersions))
}

// NewNotAcceptableError rejects an Accept header missing a required media
// type.
func NewNotAcceptableError() *Error {
	return NewError(http.StatusNotAcceptable, CodeInvalidRequest,
		"not acceptable: client must accept both application/json and text/event-stream")
}

// NewUnsupportedMediaTypeError rejects a POST body that is not JSON.
func NewUnsupportedMediaTypeError() *Error {
	return NewError(http.StatusUnsupportedMediaType, CodeInvalidRequest,
		"unsupported media type: content-type must be application/json")
}

// NewBodyTooLargeError rejects a body over limit bytes.
func NewBodyTooLargeError(limit int64) *Error {
	return NewError(http.StatusRequestEntityTooLarge, CodeInvalidRequest,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}

func NewForbiddenError(detail string) *Error {
	return NewError(http.StatusForbidden, CodeInvalidRequest, "forbidden: "+detail)
}

// NewUnauthorizedError is returned when authentication fails.
func NewUnauthorizedError(detail string) *Error {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, "unauthorized: "+detail)
}

func NewRateLimitedError() *Error {
	return NewError(http.StatusTooManyRequests, CodeRateLimited, "too many requests")
}

// NewSessionRequiredError rejects a non-initialize request without a
// session id.
func NewSessionRequiredError() *Error {
	return NewError(http.StatusBadRequest, CodeServerError, "bad request: session id required")
}

// NewSessionNotFoundError tells the client its session is gone and it must
// initialize again.
func NewSessionNotFoundError() *Error {
	return NewError(http.StatusNotFound, CodeSessionNotFound,
		"session not found: re-initialize to obtain a new session")
}

// NewSessionLimitError is returned when the session manager is at capacity.
func NewSessionLimitError() *Error {
	return NewError(http.StatusServiceUnavailable, CodeSessionLimit, "session limit reached")
}

func NewMethodNotAllowedError(method string) *Error {
	return NewError(http.StatusMethodNotAllowed, CodeServerError, "method not allowed: "+method)
}

// NewConflictError rejects a second standalone stream for a session.
func NewConflictError(detail string) *Error {
	return NewError(http.StatusConflict, CodeServerError, "conflict: "+detail)
}

func NewGoneError(detail string) *Error {
	return NewError(http.StatusGone, CodeServerError, detail)
}

// NewInternalError hides err from the client; callers log it.
func NewInternalError() *Error {
	return NewError(http.StatusInternalServerError, CodeInternalError, internalMessage)
}

type errorEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Error   *Error `json:"error"`
	ID      any    `json:"id"`
}

// WriteError writes err as a JSON-RPC error response with a null id. Errors
// that are not *Error are reported as a generic internal error.
func WriteError(w http.ResponseWriter, err error) {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		rpcErr = NewInternalError()
	}
	status := rpcErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", MediaTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		JSONRPC: JSONRPCVersion,
		Error:   rpcErr,
		ID:      nil,
	})
}
