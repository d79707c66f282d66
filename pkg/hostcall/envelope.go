// Package hostcall is the capability surface sandboxed modules call into.
// Exactly one Envelope crosses the boundary per call and exactly one Result
// comes back; failures are typed values in the Result, never traps.
package hostcall

import (
	"encoding/json"
	"fmt"
)

// Envelope is one host-call request from a module.
type Envelope struct {
	// Op names the capability and method, e.g. "storage.query".
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the host's response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Deterministic error codes returned across the boundary.
const (
	ErrUnknownOp         = "ERR_CAP_UNKNOWN_OP"
	ErrBadPayload        = "ERR_CAP_BAD_PAYLOAD"
	ErrNotGranted        = "ERR_CAP_NOT_GRANTED"
	ErrRateLimited       = "ERR_CAP_RATE_LIMITED"
	ErrInternal          = "ERR_CAP_INTERNAL"
	ErrInvokeNoModule    = "ERR_INVOKE_NO_MODULE"
	ErrInvokeNoExport    = "ERR_INVOKE_NO_EXPORT"
	ErrInvokeNotDeclared = "ERR_INVOKE_NOT_DECLARED"
)

// Error is a typed host-capability failure, serialized into the Result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ok(v any) Result {
	if v == nil {
		return Result{OK: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fail(ErrInternal, "encode response: "+err.Error())
	}
	return Result{OK: true, Data: data}
}

func fail(code, message string) Result {
	return Result{OK: false, Error: &Error{Code: code, Message: message}}
}

func failErr(err *Error) Result {
	return Result{OK: false, Error: err}
}
