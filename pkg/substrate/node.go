package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
	"github.com/Architsharma7/Lit-Stackr/pkg/limiter"
	"github.com/Architsharma7/Lit-Stackr/pkg/nonce"
	"github.com/Architsharma7/Lit-Stackr/pkg/observability"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
)

// DefaultExecTimeout bounds a single gate execution including its state fetch.
const DefaultExecTimeout = 10 * time.Second

// Node is one execution substrate.
type Node struct {
	nonces    *nonce.Authority
	verifier  *session.Verifier
	store     artifacts.Store
	evaluator gate.PredicateEvaluator
	limits    limiter.Store
	policy    limiter.Policy
	telemetry *observability.Provider

	uri         string
	execTimeout time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

type Option func(*Node)

// WithURI sets the substrate identity credentials must be issued for.
func WithURI(uri string) Option { return func(n *Node) { n.uri = uri } }

// WithLimiter enables per-subject throttling of executions.
func WithLimiter(store limiter.Store, policy limiter.Policy) Option {
	return func(n *Node) { n.limits, n.policy = store, policy }
}

func WithExecTimeout(d time.Duration) Option { return func(n *Node) { n.execTimeout = d } }

func WithTelemetry(p *observability.Provider) Option { return func(n *Node) { n.telemetry = p } }

func WithClock(clock func() time.Time) Option { return func(n *Node) { n.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(n *Node) { n.logger = l } }

// NewNode wires a substrate from its nonce authority, code store and
// evaluator.
func NewNode(authority *nonce.Authority, store artifacts.Store, evaluator gate.PredicateEvaluator, opts ...Option) (*Node, error) {
	if authority == nil || store == nil || evaluator == nil {
		return nil, errors.New("substrate: nonce authority, store and evaluator are required")
	}
	n := &Node{
		nonces:      authority,
		store:       store,
		evaluator:   evaluator,
		execTimeout: DefaultExecTimeout,
		clock:       time.Now,
		logger:      slog.Default().With("component", "substrate"),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.verifier = session.NewVerifier(authority, session.WithExpectedURI(n.uri))
	return n, nil
}

// URI is the identity clients must put in their credentials.
func (n *Node) URI() string { return n.uri }

// Nonce returns the current freshness nonce.
func (n *Node) Nonce(ctx context.Context) (string, error) {
	return n.nonces.Latest(ctx)
}

// Store exposes the code store so operators can publish into it.
func (n *Node) Store() artifacts.Store { return n.store }

// Execute authenticates req, resolves its code and runs it. A gate that
// evaluates to anything but a confirmed true answers "false"; only protocol
// failures are returned as errors.
func (n *Node) Execute(ctx context.Context, req ExecuteRequest) (resp ExecuteResponse, err error) {
	ctx, done := n.telemetry.TrackOperation(ctx, "substrate.execute",
		attribute.String("code.kind", string(req.Code.Kind())))
	defer func() { done(err) }()

	if verr := req.Code.Validate(); verr != nil {
		return ExecuteResponse{}, execErr(KindBadRequest, "invalid_code", verr)
	}
	codeAddress := req.Code.Address()

	if verr := n.verifier.Verify(req.Credential, n.clock(), session.AbilityCodeExecution, codeAddress); verr != nil {
		var ce *session.CredentialError
		code := "rejected"
		if errors.As(verr, &ce) {
			code = string(ce.Reason)
		}
		n.logger.WarnContext(ctx, "credential rejected", "reason", code, "code", codeAddress)
		return ExecuteResponse{}, execErr(KindUnauthorized, code, verr)
	}
	subject := req.Credential.Subject

	params, perr := bindParams(req.Params, subject)
	if perr != nil {
		n.logger.WarnContext(ctx, "address parameter not bound to subject", "subject", subject.Lower())
		return ExecuteResponse{}, execErr(KindUnauthorized, string(session.ReasonScope), perr)
	}

	if n.limits != nil && !n.policy.Disabled() {
		allowed, lerr := n.limits.Allow(ctx, subject.Lower(), n.policy, 1)
		if lerr != nil {
			return ExecuteResponse{}, execErr(KindInternal, "limiter", lerr)
		}
		if !allowed {
			return ExecuteResponse{}, execErr(KindRateLimited, "rate_limited", fmt.Errorf("subject %s over limit", subject.Lower()))
		}
	}

	program, rerr := n.resolve(ctx, req)
	if rerr != nil {
		return ExecuteResponse{}, rerr
	}

	execCtx, cancel := context.WithTimeout(ctx, n.execTimeout)
	defer cancel()
	outcome := n.evaluator.Evaluate(execCtx, program, params)

	n.logger.InfoContext(ctx, "gate executed",
		"subject", subject.Lower(),
		"code", codeAddress,
		"result", outcome.Result,
		"reason", outcome.Reason,
	)
	if outcome.Result {
		return ExecuteResponse{Response: ResponseTrue, Reason: string(outcome.Reason)}, nil
	}
	return ExecuteResponse{Response: ResponseFalse, Reason: string(outcome.Reason)}, nil
}

func (n *Node) resolve(ctx context.Context, req ExecuteRequest) ([]byte, error) {
	if req.Code.Inline != "" {
		return []byte(req.Code.Inline), nil
	}
	data, err := n.store.Get(ctx, req.Code.Hash)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, execErr(KindNotFound, "code_not_found", err)
		}
		return nil, execErr(KindInternal, "store", err)
	}
	return data, nil
}

// bindParams ties the gate's address parameter to the authenticated subject.
// An empty address is filled in; a different address is refused.
func bindParams(p gate.Params, subject identity.Address) (gate.Params, error) {
	if p.Address == "" {
		p.Address = subject.String()
		return p, nil
	}
	addr, err := identity.ParseAddress(p.Address)
	if err != nil {
		return p, fmt.Errorf("address parameter: %w", err)
	}
	if !addr.Equal(subject) {
		return p, fmt.Errorf("address parameter %s does not match subject %s", addr, subject)
	}
	return p, nil
}
