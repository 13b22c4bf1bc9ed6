package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer = "stackr-substrate"
	// DefaultMaxAge is how long a nonce token stays verifiable. It must
	// outlive the longest credential TTL.
	DefaultMaxAge = 48 * time.Hour
	// DefaultFreshnessWindow is how long after fetching a nonce a client may
	// sign a credential with it.
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultSkew            = 30 * time.Second
)

var (
	ErrInvalidNonce = errors.New("invalid nonce")
	ErrStaleNonce   = errors.New("stale nonce")
)

// Claims carried by a nonce token. Epoch increases with every nonce handed
// out by this authority.
type Claims struct {
	Epoch uint64 `json:"epoch"`
	jwt.RegisteredClaims
}

// Authority issues and checks substrate freshness nonces. A nonce is a
// signed statement of the substrate's state at a point in time, so it cannot
// be forged by clients and does not need server-side storage.
type Authority struct {
	keys   KeySet
	issuer string
	maxAge time.Duration
	window time.Duration
	skew   time.Duration
	clock  func() time.Time
	epoch  atomic.Uint64
}

type Option func(*Authority)

func WithKeySet(ks KeySet) Option       { return func(a *Authority) { a.keys = ks } }
func WithIssuer(iss string) Option      { return func(a *Authority) { a.issuer = iss } }
func WithMaxAge(d time.Duration) Option { return func(a *Authority) { a.maxAge = d } }
func WithSkew(d time.Duration) Option   { return func(a *Authority) { a.skew = d } }
func WithClock(f func() time.Time) Option {
	return func(a *Authority) { a.clock = f }
}

// WithFreshnessWindow bounds the gap between nonce issuance and credential
// issuance.
func WithFreshnessWindow(d time.Duration) Option {
	return func(a *Authority) { a.window = d }
}

func NewAuthority(opts ...Option) (*Authority, error) {
	a := &Authority{
		issuer: DefaultIssuer,
		maxAge: DefaultMaxAge,
		window: DefaultFreshnessWindow,
		skew:   DefaultSkew,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.keys == nil {
		ks, err := NewInMemoryKeySet()
		if err != nil {
			return nil, err
		}
		a.keys = ks
	}
	return a, nil
}

// Latest returns a fresh nonce.
func (a *Authority) Latest(ctx context.Context) (string, error) {
	now := a.clock()
	claims := Claims{
		Epoch: a.epoch.Add(1),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.maxAge)),
		},
	}
	tok, err := a.keys.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("sign nonce: %w", err)
	}
	return tok, nil
}

// Check accepts nonce if this authority signed it, it has not expired, and a
// credential issued at issuedAt was signed within the freshness window.
func (a *Authority) Check(nonce string, issuedAt time.Time) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(nonce, claims, a.keys.KeyFunc(),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.skew),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNonce, err)
	}
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing iat", ErrInvalidNonce)
	}

	iat := claims.IssuedAt.Time
	if issuedAt.Before(iat.Add(-a.skew)) {
		return fmt.Errorf("%w: credential predates nonce", ErrStaleNonce)
	}
	if issuedAt.After(iat.Add(a.window)) {
		return fmt.Errorf("%w: credential signed %s after nonce", ErrStaleNonce, issuedAt.Sub(iat).Round(time.Second))
	}
	return nil
}

// Rotate switches to a new signing key. Nonces from recent keys stay valid.
func (a *Authority) Rotate() error {
	return a.keys.Rotate()
}

// Epoch reports how many nonces have been issued.
func (a *Authority) Epoch() uint64 {
	return a.epoch.Load()
}
