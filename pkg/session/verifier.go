package session

import (
	"encoding/hex"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
)

const (
	// DefaultMaxTTL bounds how long any credential may claim to live.
	DefaultMaxTTL = 24 * time.Hour
	// DefaultClockSkew tolerates drift between issuer and substrate clocks.
	DefaultClockSkew = 30 * time.Second
)

// NonceChecker decides whether a nonce is authentic and fresh for a
// credential issued at issuedAt.
type NonceChecker interface {
	Check(nonce string, issuedAt time.Time) error
}

// NonceCheckFunc adapts a function to NonceChecker.
type NonceCheckFunc func(nonce string, issuedAt time.Time) error

func (f NonceCheckFunc) Check(nonce string, issuedAt time.Time) error { return f(nonce, issuedAt) }

// Verifier authenticates credentials presented to the substrate.
type Verifier struct {
	nonces NonceChecker
	uri    string
	maxTTL time.Duration
	skew   time.Duration
}

type VerifierOption func(*Verifier)

func WithMaxTTL(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxTTL = d }
}

func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.skew = d }
}

// WithExpectedURI rejects credentials issued for a different substrate.
func WithExpectedURI(uri string) VerifierOption {
	return func(v *Verifier) { v.uri = uri }
}

func NewVerifier(nonces NonceChecker, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		nonces: nonces,
		maxTTL: DefaultMaxTTL,
		skew:   DefaultClockSkew,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks that cred is well-formed, signed by its subject, unexpired at
// now, bound to a fresh nonce, and that one of its capabilities grants ability
// over codeAddress. Any failure is a *CredentialError.
func (v *Verifier) Verify(cred *SessionCredential, now time.Time, ability Ability, codeAddress string) error {
	if cred == nil {
		return reject(ReasonMalformed, "missing credential")
	}
	if cred.Version != CredentialVersion {
		return reject(ReasonMalformed, "unsupported version %q", cred.Version)
	}
	if cred.Nonce == "" || cred.Signature == "" || len(cred.Capabilities) == 0 {
		return reject(ReasonMalformed, "missing nonce, signature or capabilities")
	}
	if cred.IssuedAt.IsZero() || !cred.Expiration.After(cred.IssuedAt) {
		return reject(ReasonMalformed, "invalid validity window")
	}
	if cred.Expiration.Sub(cred.IssuedAt) > v.maxTTL {
		return reject(ReasonMalformed, "lifetime exceeds %s", v.maxTTL)
	}

	pub, err := cred.publicKeyBytes()
	if err != nil || len(pub) == 0 {
		return reject(ReasonMalformed, "invalid public key encoding")
	}
	subject, err := identity.ParseAddress(string(cred.Subject))
	if err != nil {
		return reject(ReasonMalformed, "invalid subject: %v", err)
	}
	if !identity.AddressFromPublicKey(pub).Equal(subject) {
		return reject(ReasonSubjectMismatch, "public key does not derive %s", subject)
	}

	msg, err := cred.CanonicalMessage()
	if err != nil {
		return reject(ReasonMalformed, "canonicalize: %v", err)
	}
	sig, err := hex.DecodeString(cred.Signature)
	if err != nil || !identity.Verify(pub, msg, sig) {
		return reject(ReasonBadSignature, "signature does not verify for %s", subject)
	}

	if cred.Expired(now) {
		return reject(ReasonExpired, "expired at %s", formatTime(cred.Expiration))
	}
	if cred.IssuedAt.After(now.Add(v.skew)) {
		return reject(ReasonNotYetValid, "issued at %s", formatTime(cred.IssuedAt))
	}
	if v.uri != "" && cred.URI != v.uri {
		return reject(ReasonScope, "issued for %q", cred.URI)
	}

	if v.nonces == nil {
		return reject(ReasonNonce, "no nonce checker configured")
	}
	if err := v.nonces.Check(cred.Nonce, cred.IssuedAt); err != nil {
		return reject(ReasonNonce, "%v", err)
	}

	for _, c := range cred.Capabilities {
		if c.Ability != ability || !now.Before(c.Expiration) || c.Expiration.After(cred.Expiration) {
			continue
		}
		if c.Resource.Covers(codeAddress) {
			return nil
		}
	}
	return reject(ReasonScope, "no capability grants %s on %s", ability, codeAddress)
}
