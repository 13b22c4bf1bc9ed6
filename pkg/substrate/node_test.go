package substrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
	"github.com/Architsharma7/Lit-Stackr/pkg/limiter"
	"github.com/Architsharma7/Lit-Stackr/pkg/nonce"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
)

const testURI = "stackr://test-node"

const testProgram = `
name: balance-gate
version: 1.1.0
state:
  mode: balance
predicate: account.balance >= params.minBalance
`

type stubEvaluator struct {
	mu     sync.Mutex
	result bool
	calls  []gate.Params
	progs  [][]byte
}

func (s *stubEvaluator) Evaluate(ctx context.Context, program []byte, params gate.Params) gate.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, params)
	s.progs = append(s.progs, program)
	if s.result {
		return gate.Outcome{Result: true, Reason: gate.ReasonSufficient}
	}
	return gate.Outcome{Result: false, Reason: gate.ReasonInsufficient}
}

func (s *stubEvaluator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, limiter.Policy, int) (bool, error) {
	return false, errors.New("redis down")
}

type fixture struct {
	node      *Node
	authority *nonce.Authority
	store     *artifacts.MemoryStore
	eval      *stubEvaluator
	signer    *identity.Ed25519Signer
	issuer    *session.Issuer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	authority, err := nonce.NewAuthority()
	require.NoError(t, err)
	store := artifacts.NewMemoryStore()
	eval := &stubEvaluator{result: true}

	node, err := NewNode(authority, store, eval, append([]Option{WithURI(testURI)}, opts...)...)
	require.NoError(t, err)

	signer, err := identity.NewEd25519Signer()
	require.NoError(t, err)

	return &fixture{
		node:      node,
		authority: authority,
		store:     store,
		eval:      eval,
		signer:    signer,
		issuer:    session.NewIssuer(authority, testURI),
	}
}

func (f *fixture) credential(t *testing.T, caps ...session.CapabilityRequest) *session.SessionCredential {
	t.Helper()
	if len(caps) == 0 {
		caps = []session.CapabilityRequest{session.ExecuteAnyCode()}
	}
	cred, err := f.issuer.Issue(context.Background(), f.signer, caps, time.Hour)
	require.NoError(t, err)
	return cred
}

func (f *fixture) request(t *testing.T, code registry.CodeReference) ExecuteRequest {
	return ExecuteRequest{
		Code:       code,
		Params:     gate.Params{ServerURL: "http://state.local", Address: f.signer.Address().String(), MinBalance: 100},
		Credential: f.credential(t),
	}
}

func requireExecErr(t *testing.T, err error, kind ErrorKind) *ExecError {
	t.Helper()
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, kind, ee.Kind)
	return ee
}

func TestNewNode_RequiresDependencies(t *testing.T) {
	_, err := NewNode(nil, artifacts.NewMemoryStore(), &stubEvaluator{})
	assert.Error(t, err)
}

func TestExecute_Inline(t *testing.T) {
	f := newFixture(t)

	resp, err := f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
	require.NoError(t, err)
	assert.Equal(t, ResponseTrue, resp.Response)
	assert.Equal(t, string(gate.ReasonSufficient), resp.Reason)

	f.eval.result = false
	resp, err = f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
	require.NoError(t, err)
	assert.Equal(t, ResponseFalse, resp.Response)
	assert.Equal(t, []byte(testProgram), f.eval.progs[1])
}

func TestExecute_ByHash(t *testing.T) {
	f := newFixture(t)
	addr, err := f.store.Put(context.Background(), []byte(testProgram), artifacts.Metadata{Name: "gate.yaml"})
	require.NoError(t, err)

	resp, err := f.node.Execute(context.Background(), f.request(t, registry.ByHash(addr)))
	require.NoError(t, err)
	assert.Equal(t, ResponseTrue, resp.Response)
	assert.Equal(t, []byte(testProgram), f.eval.progs[0])
}

func TestExecute_UnknownHash(t *testing.T) {
	f := newFixture(t)
	missing := artifacts.ComputeAddress([]byte("never published"))

	_, err := f.node.Execute(context.Background(), f.request(t, registry.ByHash(missing)))
	ee := requireExecErr(t, err, KindNotFound)
	assert.Equal(t, "code_not_found", ee.Code)
	assert.Zero(t, f.eval.callCount())
}

func TestExecute_InvalidCode(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, registry.CodeReference{})
	_, err := f.node.Execute(context.Background(), req)
	requireExecErr(t, err, KindBadRequest)

	req.Code = registry.CodeReference{Inline: testProgram, Hash: artifacts.ComputeAddress([]byte(testProgram))}
	_, err = f.node.Execute(context.Background(), req)
	requireExecErr(t, err, KindBadRequest)
}

func TestExecute_CredentialRejections(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(t, registry.Inline(testProgram))
		req.Credential = nil
		_, err := f.node.Execute(context.Background(), req)
		ee := requireExecErr(t, err, KindUnauthorized)
		assert.Equal(t, string(session.ReasonMalformed), ee.Code)
	})

	t.Run("expired", func(t *testing.T) {
		later := time.Now().Add(2 * time.Hour)
		f := newFixture(t, WithClock(func() time.Time { return later }))
		_, err := f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
		ee := requireExecErr(t, err, KindUnauthorized)
		assert.Equal(t, string(session.ReasonExpired), ee.Code)
		assert.Zero(t, f.eval.callCount(), "expired credentials never reach the gate")
	})

	t.Run("tampered", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(t, registry.Inline(testProgram))
		req.Credential.Statement = "something else"
		_, err := f.node.Execute(context.Background(), req)
		ee := requireExecErr(t, err, KindUnauthorized)
		assert.Equal(t, string(session.ReasonBadSignature), ee.Code)
	})

	t.Run("other substrate", func(t *testing.T) {
		f := newFixture(t)
		f.issuer = session.NewIssuer(f.authority, "stackr://elsewhere")
		_, err := f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
		ee := requireExecErr(t, err, KindUnauthorized)
		assert.Equal(t, string(session.ReasonScope), ee.Code)
	})

	t.Run("foreign nonce", func(t *testing.T) {
		f := newFixture(t)
		other, err := nonce.NewAuthority()
		require.NoError(t, err)
		f.issuer = session.NewIssuer(other, testURI)
		_, err = f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
		ee := requireExecErr(t, err, KindUnauthorized)
		assert.Equal(t, string(session.ReasonNonce), ee.Code)
	})

	t.Run("scoped to other code", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(t, registry.Inline(testProgram))
		otherAddr := artifacts.ComputeAddress([]byte("other gate"))
		req.Credential = f.credential(t, session.CapabilityRequest{
			Resource: session.CodeResource(otherAddr),
			Ability:  session.AbilityCodeExecution,
		})
		_, err := f.node.Execute(context.Background(), req)
		ee := requireExecErr(t, err, KindUnauthorized)
		assert.Equal(t, string(session.ReasonScope), ee.Code)
	})
}

func TestExecute_ScopedToThisCode(t *testing.T) {
	f := newFixture(t)
	code := registry.Inline(testProgram)
	req := f.request(t, code)
	req.Credential = f.credential(t, session.CapabilityRequest{
		Resource: session.CodeResource(code.Address()),
		Ability:  session.AbilityCodeExecution,
	})
	resp, err := f.node.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ResponseTrue, resp.Response)
}

func TestExecute_AddressBinding(t *testing.T) {
	f := newFixture(t)

	req := f.request(t, registry.Inline(testProgram))
	req.Params.Address = ""
	_, err := f.node.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, f.signer.Address().String(), f.eval.calls[0].Address, "empty address is bound to the subject")

	req = f.request(t, registry.Inline(testProgram))
	req.Params.Address = f.signer.Address().Lower()
	_, err = f.node.Execute(context.Background(), req)
	require.NoError(t, err, "address comparison ignores case")

	other, err := identity.NewEd25519Signer()
	require.NoError(t, err)
	req = f.request(t, registry.Inline(testProgram))
	req.Params.Address = other.Address().String()
	_, err = f.node.Execute(context.Background(), req)
	ee := requireExecErr(t, err, KindUnauthorized)
	assert.Equal(t, string(session.ReasonScope), ee.Code)
	assert.Equal(t, 2, f.eval.callCount())
}

func TestExecute_RateLimited(t *testing.T) {
	f := newFixture(t, WithLimiter(limiter.NewMemoryStore(), limiter.Policy{RPM: 1, Burst: 1}))

	_, err := f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
	require.NoError(t, err)

	_, err = f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
	requireExecErr(t, err, KindRateLimited)
	assert.Equal(t, 1, f.eval.callCount())
}

func TestExecute_LimiterErrorFailsClosed(t *testing.T) {
	f := newFixture(t, WithLimiter(failingLimiter{}, limiter.DefaultPolicy))

	_, err := f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
	requireExecErr(t, err, KindInternal)
	assert.Zero(t, f.eval.callCount())
}

func TestExecute_TimeoutReachesEvaluator(t *testing.T) {
	f := newFixture(t, WithExecTimeout(50*time.Millisecond))
	var deadline time.Time
	var ok bool
	f.node.evaluator = evaluatorFunc(func(ctx context.Context, _ []byte, _ gate.Params) gate.Outcome {
		deadline, ok = ctx.Deadline()
		return gate.Outcome{Result: true}
	})

	_, err := f.node.Execute(context.Background(), f.request(t, registry.Inline(testProgram)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), deadline, time.Second)
}

type evaluatorFunc func(ctx context.Context, program []byte, params gate.Params) gate.Outcome

func (f evaluatorFunc) Evaluate(ctx context.Context, program []byte, params gate.Params) gate.Outcome {
	return f(ctx, program, params)
}
