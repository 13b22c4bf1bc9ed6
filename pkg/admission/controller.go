// Package admission decides whether an identity may perform a restricted
// action by running the balance gate on an execution substrate.
//
// Every check is an independent transaction: a fresh credential (unless a
// caching issuer is supplied), one dispatch, one decision. The controller
// grants only when the substrate answers exactly "true".
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Architsharma7/Lit-Stackr/pkg/audit"
	"github.com/Architsharma7/Lit-Stackr/pkg/dispatch"
	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
	"github.com/Architsharma7/Lit-Stackr/pkg/observability"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
	"github.com/Architsharma7/Lit-Stackr/pkg/substrate"
)

// Reason is the caller-facing classification of a decision.
type Reason string

const (
	ReasonGranted             Reason = "granted"
	ReasonInsufficientBalance Reason = "insufficient balance"
	ReasonCheckFailed         Reason = "check failed"
)

const (
	MessageGranted      = "Permission granted. Performing action..."
	MessageInsufficient = "Permission denied. Insufficient token balance."
	MessageCheckFailed  = "Error occurred while checking permission."
)

func (r Reason) message() string {
	switch r {
	case ReasonGranted:
		return MessageGranted
	case ReasonInsufficientBalance:
		return MessageInsufficient
	default:
		return MessageCheckFailed
	}
}

// Decision is the outcome of one admission check. Err is set for
// ReasonCheckFailed and explains which step failed.
type Decision struct {
	ID        string
	Subject   identity.Address
	Granted   bool
	Reason    Reason
	Message   string
	Err       error
	CheckedAt time.Time
}

// Resolver maps an action id to gate code. *registry.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, actionID string) (registry.CodeReference, error)
}

// Config fixes what every check evaluates.
type Config struct {
	ActionID       string
	StateServerURL string
	MinBalance     int64
	CredentialTTL  time.Duration
	// ScopeToCode narrows the credential to the resolved code address
	// instead of any code.
	ScopeToCode bool
}

// Controller runs admission checks.
type Controller struct {
	issuer     session.CredentialIssuer
	resolver   Resolver
	dispatcher dispatch.Dispatcher
	cfg        Config

	sink      audit.Sink
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

type Option func(*Controller)

func WithAuditSink(s audit.Sink) Option { return func(c *Controller) { c.sink = s } }

func WithTelemetry(p *observability.Provider) Option { return func(c *Controller) { c.telemetry = p } }

func WithClock(clock func() time.Time) Option { return func(c *Controller) { c.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

func NewController(issuer session.CredentialIssuer, resolver Resolver, dispatcher dispatch.Dispatcher, cfg Config, opts ...Option) (*Controller, error) {
	if issuer == nil || resolver == nil || dispatcher == nil {
		return nil, errors.New("admission: issuer, resolver and dispatcher are required")
	}
	if cfg.ActionID == "" {
		cfg.ActionID = registry.DefaultAction
	}
	if cfg.CredentialTTL == 0 {
		cfg.CredentialTTL = session.DefaultTTL
	}
	if cfg.MinBalance < 0 {
		return nil, fmt.Errorf("admission: negative min balance %d", cfg.MinBalance)
	}
	if cfg.StateServerURL == "" {
		return nil, errors.New("admission: state server URL is required")
	}
	c := &Controller{
		issuer:     issuer,
		resolver:   resolver,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      time.Now,
		logger:     slog.Default().With("component", "admission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check runs one admission check for signer. It never returns a granted
// decision unless the substrate confirmed the predicate.
func (c *Controller) Check(ctx context.Context, signer identity.Signer) Decision {
	d := Decision{ID: uuid.NewString(), CheckedAt: c.clock().UTC()}
	if signer != nil {
		d.Subject = signer.Address()
	}

	ctx, done := c.telemetry.TrackOperation(ctx, "admission.check",
		attribute.String("admission.action", c.cfg.ActionID))

	result, err := c.run(ctx, signer)
	switch {
	case err != nil:
		d.Reason, d.Err = ReasonCheckFailed, err
	case result.Granted():
		d.Granted, d.Reason = true, ReasonGranted
	case result.Conclusive():
		d.Reason = ReasonInsufficientBalance
	case result.Response != substrate.ResponseFalse:
		d.Reason = ReasonCheckFailed
		d.Err = fmt.Errorf("unrecognized substrate response %q", result.Response)
	default:
		d.Reason = ReasonCheckFailed
		d.Err = fmt.Errorf("gate could not verify balance: %s", result.Reason)
	}
	d.Message = d.Reason.message()

	done(d.Err)
	c.telemetry.RecordDecision(ctx, d.Granted, string(d.Reason))
	c.record(ctx, d)
	return d
}

func (c *Controller) run(ctx context.Context, signer identity.Signer) (dispatch.ExecutionResult, error) {
	var (
		code registry.CodeReference
		err  error
	)
	caps := []session.CapabilityRequest{session.ExecuteAnyCode()}
	if c.cfg.ScopeToCode {
		if code, err = c.resolve(ctx); err != nil {
			return dispatch.ExecutionResult{}, err
		}
		caps = []session.CapabilityRequest{{
			Resource: session.CodeResource(code.Address()),
			Ability:  session.AbilityCodeExecution,
		}}
	}

	cred, err := c.issuer.Issue(ctx, signer, caps, c.cfg.CredentialTTL)
	if err != nil {
		return dispatch.ExecutionResult{}, fmt.Errorf("issue credential: %w", err)
	}

	if !c.cfg.ScopeToCode {
		if code, err = c.resolve(ctx); err != nil {
			return dispatch.ExecutionResult{}, err
		}
	}

	result, err := c.dispatcher.Dispatch(ctx, dispatch.ExecutionRequest{
		Code: code,
		Params: gate.Params{
			ServerURL:  c.cfg.StateServerURL,
			Address:    cred.Subject.String(),
			MinBalance: c.cfg.MinBalance,
		},
		Credential: cred,
	})
	if err != nil {
		if kind, ok := dispatch.KindOf(err); ok && kind == dispatch.CredentialRejected {
			c.forget(cred.Subject)
		}
		return dispatch.ExecutionResult{}, err
	}
	return result, nil
}

func (c *Controller) resolve(ctx context.Context) (registry.CodeReference, error) {
	code, err := c.resolver.Resolve(ctx, c.cfg.ActionID)
	if err != nil {
		return registry.CodeReference{}, fmt.Errorf("resolve %s: %w", c.cfg.ActionID, err)
	}
	return code, nil
}

// forget drops a cached credential the substrate refused.
func (c *Controller) forget(subject identity.Address) {
	if inv, ok := c.issuer.(interface{ Invalidate(identity.Address) }); ok {
		inv.Invalidate(subject)
	}
}

func (c *Controller) record(ctx context.Context, d Decision) {
	attrs := []any{"decision_id", d.ID, "subject", d.Subject.Lower(), "granted", d.Granted, "reason", string(d.Reason)}
	if d.Err != nil {
		attrs = append(attrs, "error", d.Err)
		c.logger.WarnContext(ctx, "admission check failed", attrs...)
	} else {
		c.logger.InfoContext(ctx, "admission decided", attrs...)
	}

	if c.sink == nil {
		return
	}
	rec := audit.Record{
		ID:        d.ID,
		Subject:   d.Subject.Lower(),
		Granted:   d.Granted,
		Reason:    string(d.Reason),
		CheckedAt: d.CheckedAt,
	}
	if d.Err != nil {
		rec.Detail = d.Err.Error()
	}
	if rec.Subject == "" {
		rec.Subject = "unknown"
	}
	if err := c.sink.Record(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "failed to record decision", "decision_id", d.ID, "error", err)
	}
}

// Action is the restricted operation guarded by a check.
type Action func(ctx context.Context) error

// CheckAndAct runs action only when the check grants access. The returned
// error is the action's; it never changes the decision.
func (c *Controller) CheckAndAct(ctx context.Context, signer identity.Signer, action Action) (Decision, error) {
	d := c.Check(ctx, signer)
	if !d.Granted || action == nil {
		return d, nil
	}
	if err := action(ctx); err != nil {
		return d, fmt.Errorf("restricted action: %w", err)
	}
	return d, nil
}
