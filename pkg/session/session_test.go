package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
)

const testURI = "https://substrate.test/v1/execute"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingNonces struct {
	calls atomic.Int32
	err   error
}

func (n *countingNonces) Latest(ctx context.Context) (string, error) {
	n.calls.Add(1)
	if n.err != nil {
		return "", n.err
	}
	return "nonce-1", nil
}

func acceptNonce(nonce string, issuedAt time.Time) error {
	if nonce != "nonce-1" {
		return errors.New("unknown nonce")
	}
	return nil
}

func newTestIssuer(t *testing.T, nonces NonceSource) *Issuer {
	t.Helper()
	return NewIssuer(nonces, testURI, WithClock(func() time.Time { return epoch }))
}

func newTestSigner(t *testing.T) *identity.Ed25519Signer {
	t.Helper()
	s, err := identity.NewEd25519Signer()
	require.NoError(t, err)
	return s
}

func issue(t *testing.T, caps ...CapabilityRequest) (*SessionCredential, *identity.Ed25519Signer) {
	t.Helper()
	if len(caps) == 0 {
		caps = []CapabilityRequest{ExecuteAnyCode()}
	}
	signer := newTestSigner(t)
	cred, err := newTestIssuer(t, &countingNonces{}).Issue(context.Background(), signer, caps, DefaultTTL)
	require.NoError(t, err)
	return cred, signer
}

func TestIssue_PackagesSignedCredential(t *testing.T) {
	cred, signer := issue(t)

	assert.Equal(t, CredentialVersion, cred.Version)
	assert.Equal(t, testURI, cred.URI)
	assert.Equal(t, signer.Address(), cred.Subject)
	assert.Equal(t, "nonce-1", cred.Nonce)
	assert.Equal(t, epoch, cred.IssuedAt)
	assert.Equal(t, epoch.Add(DefaultTTL), cred.Expiration)
	require.Len(t, cred.Capabilities, 1)
	assert.Equal(t, cred.Expiration, cred.Capabilities[0].Expiration, "zero expiration inherits the credential's")

	msg, err := cred.CanonicalMessage()
	require.NoError(t, err)
	assert.NotContains(t, string(msg), cred.Signature)
	assert.Contains(t, string(msg), `"nonce":"nonce-1"`)
}

func TestIssue_Failures(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t)
	caps := []CapabilityRequest{ExecuteAnyCode()}

	tests := []struct {
		name   string
		issuer *Issuer
		signer identity.Signer
		caps   []CapabilityRequest
		ttl    time.Duration
		kind   AuthFailureKind
	}{
		{"nil signer", newTestIssuer(t, &countingNonces{}), nil, caps, DefaultTTL, SignerUnavailable},
		{"no capabilities", newTestIssuer(t, &countingNonces{}), signer, nil, DefaultTTL, InvalidRequest},
		{"zero ttl", newTestIssuer(t, &countingNonces{}), signer, caps, 0, InvalidRequest},
		{"unknown ability", newTestIssuer(t, &countingNonces{}), signer,
			[]CapabilityRequest{{Resource: AnyCode, Ability: "admin"}}, DefaultTTL, InvalidRequest},
		{"bad resource", newTestIssuer(t, &countingNonces{}), signer,
			[]CapabilityRequest{{Resource: "file:///etc", Ability: AbilityCodeExecution}}, DefaultTTL, InvalidRequest},
		{"past capability expiration", newTestIssuer(t, &countingNonces{}), signer,
			[]CapabilityRequest{{Resource: AnyCode, Ability: AbilityCodeExecution, Expiration: epoch.Add(-time.Minute)}}, DefaultTTL, InvalidRequest},
		{"capability outlives credential", newTestIssuer(t, &countingNonces{}), signer,
			[]CapabilityRequest{{Resource: AnyCode, Ability: AbilityCodeExecution, Expiration: epoch.Add(48 * time.Hour)}}, DefaultTTL, InvalidRequest},
		{"nonce unreachable", newTestIssuer(t, &countingNonces{err: errors.New("dial tcp: refused")}), signer, caps, DefaultTTL, NonceFetchFailed},
		{"no nonce source", NewIssuer(nil, testURI), signer, caps, DefaultTTL, NonceFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := tt.issuer.Issue(ctx, tt.signer, tt.caps, tt.ttl)
			require.Error(t, err)
			assert.Nil(t, cred)
			kind, ok := AuthFailureKindOf(err)
			require.True(t, ok, "expected *AuthFailure, got %T", err)
			assert.Equal(t, tt.kind, kind)
			assert.True(t, errors.Is(err, &AuthFailure{Kind: tt.kind}))
		})
	}
}

func TestIssue_ValidationPrecedesNonceFetch(t *testing.T) {
	nonces := &countingNonces{}
	_, err := newTestIssuer(t, nonces).Issue(context.Background(), newTestSigner(t), nil, DefaultTTL)
	require.Error(t, err)
	assert.Zero(t, nonces.calls.Load())
}

func TestIssue_FetchesNonceEveryTime(t *testing.T) {
	nonces := &countingNonces{}
	issuer := newTestIssuer(t, nonces)
	signer := newTestSigner(t)
	for i := 0; i < 3; i++ {
		_, err := issuer.Issue(context.Background(), signer, []CapabilityRequest{ExecuteAnyCode()}, time.Hour)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, nonces.calls.Load())
}

func TestIssue_UserRejection(t *testing.T) {
	declining := identity.NewInteractiveSigner(newTestSigner(t), identity.PromptFunc(
		func(ctx context.Context, subject identity.Address, message []byte) (bool, error) {
			return false, nil
		}))

	_, err := newTestIssuer(t, &countingNonces{}).Issue(context.Background(), declining, []CapabilityRequest{ExecuteAnyCode()}, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, &AuthFailure{Kind: UserRejected})
	assert.ErrorIs(t, err, identity.ErrUserRejected)
}

func TestIssue_CancelledPromptIsRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := identity.NewInteractiveSigner(newTestSigner(t), identity.PromptFunc(
		func(ctx context.Context, subject identity.Address, message []byte) (bool, error) {
			cancel()
			<-ctx.Done()
			return false, ctx.Err()
		}))

	_, err := newTestIssuer(t, &countingNonces{}).Issue(ctx, blocking, []CapabilityRequest{ExecuteAnyCode()}, time.Hour)
	require.Error(t, err)
	kind, _ := AuthFailureKindOf(err)
	assert.Equal(t, UserRejected, kind)
}

func TestCanonicalMessage_CoversAuthorizationFields(t *testing.T) {
	cred, _ := issue(t)
	base, err := cred.CanonicalMessage()
	require.NoError(t, err)

	mutations := map[string]func(c *SessionCredential){
		"uri":        func(c *SessionCredential) { c.URI = "https://other.test" },
		"subject":    func(c *SessionCredential) { c.Subject = "0x0000000000000000000000000000000000000001" },
		"public key": func(c *SessionCredential) { c.PublicKey = strings.Repeat("00", 32) },
		"statement":  func(c *SessionCredential) { c.Statement = "something else" },
		"ability":    func(c *SessionCredential) { c.Capabilities[0].Ability = AbilityStateRead },
		"resource":   func(c *SessionCredential) { c.Capabilities[0].Resource = CodeResource(artifacts.ComputeAddress([]byte("x"))) },
		"cap expiry": func(c *SessionCredential) { c.Capabilities[0].Expiration = c.Capabilities[0].Expiration.Add(-time.Hour) },
		"issued at":  func(c *SessionCredential) { c.IssuedAt = c.IssuedAt.Add(time.Second) },
		"expiration": func(c *SessionCredential) { c.Expiration = c.Expiration.Add(time.Second) },
		"nonce":      func(c *SessionCredential) { c.Nonce = "nonce-2" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := *cred
			c.Capabilities = append([]CapabilityRequest(nil), cred.Capabilities...)
			mutate(&c)
			msg, err := c.CanonicalMessage()
			require.NoError(t, err)
			assert.NotEqual(t, string(base), string(msg))
		})
	}

	t.Run("signature is excluded", func(t *testing.T) {
		c := *cred
		c.Signature = "ff"
		msg, err := c.CanonicalMessage()
		require.NoError(t, err)
		assert.Equal(t, string(base), string(msg))
	})

	t.Run("subject case does not matter", func(t *testing.T) {
		c := *cred
		c.Subject = identity.Address(strings.ToUpper(string(c.Subject)))
		msg, err := c.CanonicalMessage()
		require.NoError(t, err)
		assert.Equal(t, string(base), string(msg))
	})
}

func TestVerify_Accepts(t *testing.T) {
	cred, _ := issue(t)
	v := NewVerifier(NonceCheckFunc(acceptNonce), WithExpectedURI(testURI))
	code := artifacts.ComputeAddress([]byte("gate"))

	assert.NoError(t, v.Verify(cred, epoch.Add(time.Minute), AbilityCodeExecution, code))
}

func TestVerify_Rejections(t *testing.T) {
	code := artifacts.ComputeAddress([]byte("gate"))
	other := artifacts.ComputeAddress([]byte("other"))
	now := epoch.Add(time.Minute)

	tests := []struct {
		name    string
		build   func(t *testing.T) *SessionCredential
		now     time.Time
		ability Ability
		nonces  NonceChecker
		reason  RejectReason
	}{
		{
			name:  "expired with valid signature",
			build: func(t *testing.T) *SessionCredential { c, _ := issue(t); return c },
			now:   epoch.Add(DefaultTTL), ability: AbilityCodeExecution, reason: ReasonExpired,
		},
		{
			name: "tampered capability",
			build: func(t *testing.T) *SessionCredential {
				c, _ := issue(t, CapabilityRequest{Resource: CodeResource(other), Ability: AbilityCodeExecution})
				c.Capabilities[0].Resource = AnyCode
				return c
			},
			now: now, ability: AbilityCodeExecution, reason: ReasonBadSignature,
		},
		{
			name: "extended expiration",
			build: func(t *testing.T) *SessionCredential {
				c, _ := issue(t)
				c.Expiration = c.Expiration.Add(time.Hour)
				return c
			},
			now: epoch.Add(DefaultTTL), ability: AbilityCodeExecution, reason: ReasonMalformed,
		},
		{
			name: "foreign public key",
			build: func(t *testing.T) *SessionCredential {
				c, _ := issue(t)
				c.Subject = newTestSigner(t).Address()
				return c
			},
			now: now, ability: AbilityCodeExecution, reason: ReasonSubjectMismatch,
		},
		{
			name:  "stale nonce",
			build: func(t *testing.T) *SessionCredential { c, _ := issue(t); return c },
			now:   now, ability: AbilityCodeExecution,
			nonces: NonceCheckFunc(func(string, time.Time) error { return errors.New("nonce too old") }),
			reason: ReasonNonce,
		},
		{
			name:  "wrong ability",
			build: func(t *testing.T) *SessionCredential { c, _ := issue(t); return c },
			now:   now, ability: AbilityStateRead, reason: ReasonScope,
		},
		{
			name: "scoped to other code",
			build: func(t *testing.T) *SessionCredential {
				c, _ := issue(t, CapabilityRequest{Resource: CodeResource(other), Ability: AbilityCodeExecution})
				return c
			},
			now: now, ability: AbilityCodeExecution, reason: ReasonScope,
		},
		{
			name: "capability expired before credential",
			build: func(t *testing.T) *SessionCredential {
				c, _ := issue(t, CapabilityRequest{Resource: AnyCode, Ability: AbilityCodeExecution, Expiration: epoch.Add(time.Minute)})
				return c
			},
			now: epoch.Add(2 * time.Minute), ability: AbilityCodeExecution, reason: ReasonScope,
		},
		{
			name:  "issued in the future",
			build: func(t *testing.T) *SessionCredential { c, _ := issue(t); return c },
			now:   epoch.Add(-time.Hour), ability: AbilityCodeExecution, reason: ReasonNotYetValid,
		},
		{
			name: "unsupported version",
			build: func(t *testing.T) *SessionCredential {
				c, _ := issue(t)
				c.Version = "0"
				return c
			},
			now: now, ability: AbilityCodeExecution, reason: ReasonMalformed,
		},
		{
			name:  "nil credential",
			build: func(t *testing.T) *SessionCredential { return nil },
			now:   now, ability: AbilityCodeExecution, reason: ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonces := tt.nonces
			if nonces == nil {
				nonces = NonceCheckFunc(acceptNonce)
			}
			err := NewVerifier(nonces).Verify(tt.build(t), tt.now, tt.ability, code)
			require.Error(t, err)
			var ce *CredentialError
			require.True(t, errors.As(err, &ce), "expected *CredentialError, got %T", err)
			assert.Equal(t, tt.reason, ce.Reason, ce.Error())
		})
	}
}

func TestVerify_ScopedCapabilityCoversOnlyItsAddress(t *testing.T) {
	code := artifacts.ComputeAddress([]byte("gate"))
	upper := Resource("code://" + artifacts.AddressPrefix + strings.ToUpper(code[len(artifacts.AddressPrefix):]))
	cred, _ := issue(t, CapabilityRequest{Resource: upper, Ability: AbilityCodeExecution})
	v := NewVerifier(NonceCheckFunc(acceptNonce))

	assert.NoError(t, v.Verify(cred, epoch, AbilityCodeExecution, code))
	assert.Error(t, v.Verify(cred, epoch, AbilityCodeExecution, artifacts.ComputeAddress([]byte("gate2"))))
}

func TestVerify_WrongURI(t *testing.T) {
	cred, _ := issue(t)
	err := NewVerifier(NonceCheckFunc(acceptNonce), WithExpectedURI("https://elsewhere.test")).
		Verify(cred, epoch, AbilityCodeExecution, "")
	var ce *CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonScope, ce.Reason)
}

func TestResource(t *testing.T) {
	code := artifacts.ComputeAddress([]byte("gate"))

	assert.NoError(t, AnyCode.Validate())
	assert.NoError(t, CodeResource(code).Validate())
	assert.Error(t, Resource("code://sha256:abc").Validate())
	assert.Error(t, Resource("lit-action://*").Validate())

	assert.True(t, AnyCode.Covers(code))
	assert.True(t, AnyCode.Covers(""))
	assert.True(t, CodeResource(code).Covers(code))
	assert.False(t, CodeResource(code).Covers(""))
	assert.False(t, CodeResource(code).Covers(artifacts.ComputeAddress([]byte("x"))))
}

type countingIssuer struct {
	inner CredentialIssuer
	calls int
}

func (c *countingIssuer) Issue(ctx context.Context, s identity.Signer, caps []CapabilityRequest, ttl time.Duration) (*SessionCredential, error) {
	c.calls++
	return c.inner.Issue(ctx, s, caps, ttl)
}

func TestCache_ReusesUntilNearExpiry(t *testing.T) {
	now := epoch
	inner := &countingIssuer{inner: NewIssuer(&countingNonces{}, testURI, WithClock(func() time.Time { return now }))}
	cache := NewCache(inner, time.Minute)
	cache.clock = func() time.Time { return now }

	signer := newTestSigner(t)
	caps := []CapabilityRequest{ExecuteAnyCode()}

	first, err := cache.Issue(context.Background(), signer, caps, time.Hour)
	require.NoError(t, err)
	now = epoch.Add(30 * time.Minute)
	second, err := cache.Issue(context.Background(), signer, caps, time.Hour)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, inner.calls)

	// Within skew of expiry: never reuse.
	now = epoch.Add(time.Hour - 30*time.Second)
	third, err := cache.Issue(context.Background(), signer, caps, time.Hour)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, inner.calls)
}

func TestCache_SeparatesSubjectsAndInvalidates(t *testing.T) {
	inner := &countingIssuer{inner: newTestIssuer(t, &countingNonces{})}
	cache := NewCache(inner, time.Minute)
	cache.clock = func() time.Time { return epoch }
	caps := []CapabilityRequest{ExecuteAnyCode()}

	a, b := newTestSigner(t), newTestSigner(t)
	ca, err := cache.Issue(context.Background(), a, caps, time.Hour)
	require.NoError(t, err)
	cb, err := cache.Issue(context.Background(), b, caps, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, ca.Subject, cb.Subject)
	assert.Equal(t, 2, inner.calls)

	cache.Invalidate(a.Address())
	_, err = cache.Issue(context.Background(), a, caps, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}
