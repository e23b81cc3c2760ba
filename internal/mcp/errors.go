// Package mcp exposes the SpecMem tool surface over the Model Context
// Protocol.
package mcp

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/specmem/specmem/internal/errors"
)

// JSON-RPC error codes returned to MCP clients. The -320xx range is
// reserved for server-defined codes.
const (
	ErrCodeNotFound            = -32001
	ErrCodeEmbedderUnavailable = -32002
	ErrCodeTimeout             = -32003
	ErrCodeStorageUnavailable  = -32004
	ErrCodeBusy                = -32005

	ErrCodeInvalidParams = -32602
	ErrCodeInternalError = -32603
)

// Error is an MCP protocol error with a JSON-RPC code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError reports a malformed tool input.
func NewInvalidParamsError(message string) *Error {
	return &Error{Code: ErrCodeInvalidParams, Message: message}
}

// MapError converts internal errors to protocol errors, keyed off the
// ERR_NNN code when one is present.
func MapError(err error) *Error {
	if err == nil {
		return nil
	}
	var mcpErr *Error
	if stderrors.As(err, &mcpErr) {
		return mcpErr
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeValidationFailed:
		return &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	case errors.ErrCodeNotFound:
		return &Error{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.ErrCodeWorkerUnavailable, errors.ErrCodeSocketMissing, errors.ErrCodeEmbeddingDeferred:
		return &Error{
			Code:    ErrCodeEmbedderUnavailable,
			Message: "Embedding worker unavailable. The request cannot be served until the worker recovers.",
		}
	case errors.ErrCodeTimeout:
		return &Error{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.ErrCodeStorageUnavailable, errors.ErrCodeQueryFailed:
		return &Error{
			Code:    ErrCodeStorageUnavailable,
			Message: "Storage unavailable. Retry once the database is reachable.",
		}
	case errors.ErrCodeResourceExhausted, errors.ErrCodeWorkerOverload:
		return &Error{Code: ErrCodeBusy, Message: "Server is overloaded. Retry shortly."}
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return &Error{Code: ErrCodeTimeout, Message: "Request timed out."}
	case stderrors.Is(err, context.Canceled):
		return &Error{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	return &Error{Code: ErrCodeInternalError, Message: err.Error()}
}
