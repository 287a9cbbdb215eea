package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the client.
var (
	// ErrAlreadyStarted indicates the instance or manager is already running.
	ErrAlreadyStarted = errors.New("already started")

	// ErrShutdown indicates the instance or manager has been shut down.
	ErrShutdown = errors.New("shut down")

	// ErrTimeout indicates a request did not receive a response in time.
	// The request is not retracted from the server; a late response is
	// discarded.
	ErrTimeout = errors.New("request timed out")

	// ErrProcessExit indicates the server process terminated while requests
	// were in flight.
	ErrProcessExit = errors.New("server process exited")

	// ErrUnsupportedCapability indicates the targeted server did not
	// negotiate the requested feature. Raised locally, never sent on the
	// wire.
	ErrUnsupportedCapability = errors.New("capability not supported by server")

	// ErrNoAvailableServer indicates no usable server holds the role an
	// operation requires.
	ErrNoAvailableServer = errors.New("no available server for operation")

	// ErrServerNotReady indicates the instance cannot accept requests yet.
	ErrServerNotReady = errors.New("server not ready")

	// ErrDocumentNotOpen indicates the document is not tracked.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentAlreadyOpen indicates a duplicate open call.
	ErrDocumentAlreadyOpen = errors.New("document already open")

	// ErrVersionRegression indicates a change carried a version that does
	// not increase the document's current version.
	ErrVersionRegression = errors.New("document version did not increase")
)

// FramingError reports a malformed header or truncated body on the wire.
// The supervisor treats it as a connection failure requiring restart.
type FramingError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

// Unwrap returns the underlying error, if any.
func (e *FramingError) Unwrap() error { return e.Err }

// ResponseError is a structured JSON-RPC error returned by a server.
// It is surfaced to the caller verbatim and never retried automatically.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// ServerError tags an error with the server instance it came from.
type ServerError struct {
	Server string
	Err    error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Server, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error { return e.Err }
