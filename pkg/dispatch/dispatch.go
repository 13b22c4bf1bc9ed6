// Package dispatch sends gate executions to a substrate and classifies the
// outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
	"github.com/Architsharma7/Lit-Stackr/pkg/substrate"
)

// ExecutionRequest is one gate run on behalf of a credential holder.
type ExecutionRequest struct {
	Code       registry.CodeReference
	Params     gate.Params
	Credential *session.SessionCredential
}

func (r ExecutionRequest) wire() substrate.ExecuteRequest {
	return substrate.ExecuteRequest{Code: r.Code, Params: r.Params, Credential: r.Credential}
}

// ExecutionResult is the substrate's raw answer.
type ExecutionResult struct {
	Response string
	Reason   string
}

// Granted reports whether the gate answered exactly "true".
func (r ExecutionResult) Granted() bool { return r.Response == substrate.ResponseTrue }

// Conclusive reports whether the gate reached a verdict on the account, as
// opposed to failing closed because state could not be read or evaluated.
func (r ExecutionResult) Conclusive() bool {
	if r.Response != substrate.ResponseTrue && r.Response != substrate.ResponseFalse {
		return false
	}
	switch gate.Reason(r.Reason) {
	case "", gate.ReasonSufficient, gate.ReasonInsufficient, gate.ReasonAccountAbsent:
		return true
	default:
		return false
	}
}

// Dispatcher runs an ExecutionRequest on some substrate.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ErrorKind classifies dispatch failures.
type ErrorKind string

const (
	CredentialRejected   ErrorKind = "credential_rejected"
	CodeUnresolvable     ErrorKind = "code_unresolvable"
	SubstrateUnreachable ErrorKind = "substrate_unreachable"
	MalformedResult      ErrorKind = "malformed_result"
	RequestRejected      ErrorKind = "request_rejected"
)

// DispatchError is returned for every failed dispatch. Status is the HTTP
// status when one was received; Code is the substrate's reason code.
type DispatchError struct {
	Kind   ErrorKind
	Status int
	Code   string
	Err    error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch: %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is matches another *DispatchError of the same kind.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first DispatchError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// precheck refuses requests the substrate would reject anyway, before any
// bytes leave the process.
func precheck(req ExecutionRequest, now time.Time) error {
	if req.Credential == nil {
		return &DispatchError{Kind: CredentialRejected, Code: string(session.ReasonMalformed), Err: errors.New("no session credential")}
	}
	if req.Credential.Expired(now) {
		return &DispatchError{Kind: CredentialRejected, Code: string(session.ReasonExpired), Err: fmt.Errorf("credential expired at %s", req.Credential.Expiration.UTC().Format(time.RFC3339))}
	}
	if err := req.Code.Validate(); err != nil {
		return &DispatchError{Kind: RequestRejected, Err: err}
	}
	return nil
}

// interpret accepts only the two well-formed answers.
func interpret(resp substrate.ExecuteResponse, status int) (ExecutionResult, error) {
	switch resp.Response {
	case substrate.ResponseTrue, substrate.ResponseFalse:
		return ExecutionResult{Response: resp.Response, Reason: resp.Reason}, nil
	case "":
		return ExecutionResult{}, &DispatchError{Kind: MalformedResult, Status: status, Err: errors.New("response field missing")}
	default:
		return ExecutionResult{Response: resp.Response}, &DispatchError{Kind: MalformedResult, Status: status, Err: fmt.Errorf("unexpected response %q", resp.Response)}
	}
}
