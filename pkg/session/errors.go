package session

import (
	"errors"
	"fmt"
)

// AuthFailureKind classifies why a credential could not be issued.
type AuthFailureKind string

const (
	SignerUnavailable AuthFailureKind = "signer_unavailable"
	NonceFetchFailed  AuthFailureKind = "nonce_fetch_failed"
	UserRejected      AuthFailureKind = "user_rejected"
	InvalidRequest    AuthFailureKind = "invalid_request"
	SigningFailed     AuthFailureKind = "signing_failed"
)

// AuthFailure is returned by Issue.
type AuthFailure struct {
	Kind AuthFailureKind
	Err  error
}

func (e *AuthFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: %s", e.Kind)
	}
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *AuthFailure) Unwrap() error { return e.Err }

// Is matches another *AuthFailure of the same kind, so callers can write
// errors.Is(err, &session.AuthFailure{Kind: session.UserRejected}).
func (e *AuthFailure) Is(target error) bool {
	t, ok := target.(*AuthFailure)
	return ok && t.Kind == e.Kind
}

// AuthFailureKindOf returns the kind of the first AuthFailure in err's chain.
func AuthFailureKindOf(err error) (AuthFailureKind, bool) {
	var af *AuthFailure
	if errors.As(err, &af) {
		return af.Kind, true
	}
	return "", false
}

// RejectReason is a stable machine-readable code for a verification failure.
type RejectReason string

const (
	ReasonMalformed       RejectReason = "malformed"
	ReasonSubjectMismatch RejectReason = "subject_mismatch"
	ReasonBadSignature    RejectReason = "bad_signature"
	ReasonExpired         RejectReason = "expired"
	ReasonNotYetValid     RejectReason = "not_yet_valid"
	ReasonNonce           RejectReason = "nonce"
	ReasonScope           RejectReason = "scope"
)

// CredentialError is returned by Verify.
type CredentialError struct {
	Reason RejectReason
	Detail string
}

func (e *CredentialError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("credential rejected: %s", e.Reason)
	}
	return fmt.Sprintf("credential rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason RejectReason, format string, args ...any) *CredentialError {
	return &CredentialError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
