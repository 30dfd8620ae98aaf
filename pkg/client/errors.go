package client

import (
	"fmt"

	"github.com/voxline/voxline/pkg/wire"
)

// ErrorCode is a stable, UI-facing error category, distinct from normal call
// termination.
type ErrorCode string

const (
	ErrorMic            ErrorCode = "Mic"
	ErrorConnection     ErrorCode = "Connection"
	ErrorUnauthorized   ErrorCode = "Unauthorized"
	ErrorInternalServer ErrorCode = "InternalServer"
	ErrorBadRequest     ErrorCode = "BadRequest"
	ErrorNotFound       ErrorCode = "NotFound"
)

// CallError is the typed error surfaced to UI layers.
type CallError struct {
	Code ErrorCode
	Err  error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *CallError) Unwrap() error { return e.Err }

// errorCodeForClose maps a socket close code to an error code. A normal
// closure maps to no error at all.
func errorCodeForClose(code int) (ErrorCode, bool) {
	switch {
	case code == wire.CloseNormal:
		return "", false
	case code == wire.CloseUnauthorized:
		return ErrorUnauthorized, true
	case code == wire.CloseBadRequest:
		return ErrorBadRequest, true
	case code == wire.CloseNotFound:
		return ErrorNotFound, true
	case wire.Transient(code):
		return ErrorConnection, true
	default:
		return ErrorInternalServer, true
	}
}
