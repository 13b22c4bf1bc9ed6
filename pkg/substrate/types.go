// Package substrate is the execution side of an admission check: it
// authenticates session credentials, resolves gate code, evaluates it
// against live account state and answers "true" or "false".
package substrate

import (
	"fmt"

	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
)

const (
	ExecutePath = "/v1/execute"
	HealthPath  = "/health"

	ResponseTrue  = "true"
	ResponseFalse = "false"
)

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	Code       registry.CodeReference     `json:"code"`
	Params     gate.Params                `json:"params"`
	Credential *session.SessionCredential `json:"session_credential"`
}

// ExecuteResponse carries the gate's raw answer. Reason is the gate's
// explanation (a gate.Reason) and never changes what Response means.
type ExecuteResponse struct {
	Response string `json:"response"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorKind classifies execution failures. Each kind maps to one HTTP status.
type ErrorKind string

const (
	KindBadRequest   ErrorKind = "bad_request"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInternal     ErrorKind = "internal"
)

// ExecError is returned by Node.Execute. Code is a stable reason such as a
// session.RejectReason for unauthorized requests.
type ExecError struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *ExecError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("execute: %s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("execute: %s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

func execErr(kind ErrorKind, code string, err error) *ExecError {
	return &ExecError{Kind: kind, Code: code, Err: err}
}
