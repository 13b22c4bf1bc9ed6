package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
)

// DefaultTTL is how long a credential lives when the caller does not say.
const DefaultTTL = 24 * time.Hour

// NonceSource returns the substrate's current freshness nonce.
type NonceSource interface {
	Latest(ctx context.Context) (string, error)
}

// NonceSourceFunc adapts a function to NonceSource.
type NonceSourceFunc func(ctx context.Context) (string, error)

func (f NonceSourceFunc) Latest(ctx context.Context) (string, error) { return f(ctx) }

// CredentialIssuer produces session credentials for a signer.
type CredentialIssuer interface {
	Issue(ctx context.Context, signer identity.Signer, caps []CapabilityRequest, ttl time.Duration) (*SessionCredential, error)
}

// Issuer builds, signs and packages session credentials. It holds no
// per-subject state; every call fetches its own nonce.
type Issuer struct {
	nonces    NonceSource
	uri       string
	statement string
	clock     func() time.Time
	logger    *slog.Logger
}

type IssuerOption func(*Issuer)

// WithStatement sets the human-readable statement shown to interactive signers.
func WithStatement(s string) IssuerOption {
	return func(i *Issuer) { i.statement = s }
}

func WithClock(clock func() time.Time) IssuerOption {
	return func(i *Issuer) { i.clock = clock }
}

func WithLogger(l *slog.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = l }
}

// NewIssuer returns an Issuer that binds credentials to the substrate at uri.
func NewIssuer(nonces NonceSource, uri string, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		nonces:    nonces,
		uri:       uri,
		statement: "Authorize balance-gated code execution for this session.",
		clock:     time.Now,
		logger:    slog.Default().With("component", "session"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue returns a credential for signer scoped to caps and valid for ttl.
//
// The nonce is fetched after request validation and immediately before
// signing, so the credential is bound to the substrate state at issuance.
func (i *Issuer) Issue(ctx context.Context, signer identity.Signer, caps []CapabilityRequest, ttl time.Duration) (*SessionCredential, error) {
	if signer == nil {
		return nil, &AuthFailure{Kind: SignerUnavailable, Err: identity.ErrNoSigner}
	}
	pub := signer.PublicKey()
	if len(pub) == 0 {
		return nil, &AuthFailure{Kind: SignerUnavailable, Err: errors.New("signer has no public key")}
	}
	if len(caps) == 0 {
		return nil, &AuthFailure{Kind: InvalidRequest, Err: errors.New("at least one capability is required")}
	}
	if ttl <= 0 {
		return nil, &AuthFailure{Kind: InvalidRequest, Err: fmt.Errorf("ttl must be positive, got %s", ttl)}
	}
	for idx, c := range caps {
		if err := c.validate(); err != nil {
			return nil, &AuthFailure{Kind: InvalidRequest, Err: fmt.Errorf("capability %d: %w", idx, err)}
		}
	}

	if i.nonces == nil {
		return nil, &AuthFailure{Kind: NonceFetchFailed, Err: errors.New("no nonce source configured")}
	}
	nonce, err := i.nonces.Latest(ctx)
	if err != nil {
		return nil, &AuthFailure{Kind: NonceFetchFailed, Err: err}
	}
	if nonce == "" {
		return nil, &AuthFailure{Kind: NonceFetchFailed, Err: errors.New("substrate returned an empty nonce")}
	}

	now := i.clock().UTC().Truncate(time.Second)
	expiration := now.Add(ttl).Truncate(time.Second)
	if !expiration.After(now) {
		return nil, &AuthFailure{Kind: InvalidRequest, Err: fmt.Errorf("ttl %s rounds to zero", ttl)}
	}

	scoped := make([]CapabilityRequest, len(caps))
	for idx, c := range caps {
		if c.Expiration.IsZero() {
			c.Expiration = expiration
		} else {
			c.Expiration = c.Expiration.UTC().Truncate(time.Second)
		}
		if !c.Expiration.After(now) {
			return nil, &AuthFailure{Kind: InvalidRequest, Err: fmt.Errorf("capability %d: expiration %s is not in the future", idx, formatTime(c.Expiration))}
		}
		if c.Expiration.After(expiration) {
			return nil, &AuthFailure{Kind: InvalidRequest, Err: fmt.Errorf("capability %d: expiration outlives the credential", idx)}
		}
		if c.Resource != AnyCode {
			c.Resource = CodeResource(string(c.Resource)[len(resourceScheme):])
		}
		scoped[idx] = c
	}

	cred := &SessionCredential{
		Version:      CredentialVersion,
		URI:          i.uri,
		Subject:      signer.Address(),
		PublicKey:    hex.EncodeToString(pub),
		Statement:    i.statement,
		Capabilities: scoped,
		IssuedAt:     now,
		Expiration:   expiration,
		Nonce:        nonce,
	}

	msg, err := cred.CanonicalMessage()
	if err != nil {
		return nil, &AuthFailure{Kind: InvalidRequest, Err: fmt.Errorf("canonicalize: %w", err)}
	}

	sig, err := signer.Sign(ctx, msg)
	if err != nil {
		kind := SigningFailed
		switch {
		case errors.Is(err, identity.ErrUserRejected), errors.Is(err, context.Canceled):
			kind = UserRejected
		case errors.Is(err, identity.ErrNoSigner):
			kind = SignerUnavailable
		}
		i.logger.WarnContext(ctx, "credential signing failed", "subject", cred.Subject, "kind", kind)
		return nil, &AuthFailure{Kind: kind, Err: err}
	}
	cred.Signature = hex.EncodeToString(sig)

	i.logger.DebugContext(ctx, "credential issued",
		"subject", cred.Subject,
		"fingerprint", cred.Fingerprint(),
		"expires", cred.Expiration,
	)
	return cred, nil
}
