package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// DefaultFetchTimeout bounds the state-service round trip.
const DefaultFetchTimeout = 5 * time.Second

// Reason explains an Outcome in logs. It never changes the boolean result
// returned to callers.
type Reason string

const (
	ReasonSufficient     Reason = "sufficient"
	ReasonInsufficient   Reason = "insufficient"
	ReasonInvalidProgram Reason = "invalid_program"
	ReasonInvalidParams  Reason = "invalid_params"
	ReasonFetchFailed    Reason = "fetch_failed"
	ReasonBadStatus      Reason = "bad_status"
	ReasonMalformedState Reason = "malformed_state"
	ReasonAccountAbsent  Reason = "account_absent"
	ReasonPredicateError Reason = "predicate_error"
)

// Outcome is the result of one gate evaluation. Result is true only when
// the gate positively confirmed the predicate.
type Outcome struct {
	Result bool
	Reason Reason
	Detail string
}

func deny(reason Reason, err error) Outcome {
	o := Outcome{Result: false, Reason: reason}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}

// PredicateEvaluator runs gate code against live state. Implementations
// must fail closed: any error is a false Outcome, never a true one.
type PredicateEvaluator interface {
	Evaluate(ctx context.Context, program []byte, params Params) Outcome
}

// BalanceGate fetches account state over HTTP and evaluates the program's
// CEL predicate against it.
type BalanceGate struct {
	state        *stateClient
	fetchTimeout time.Duration
	logger       *slog.Logger

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

type Option func(*BalanceGate)

// WithHTTPClient replaces the client used for state fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *BalanceGate) { g.state.http = hc }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(g *BalanceGate) { g.fetchTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *BalanceGate) { g.logger = l }
}

func NewBalanceGate(opts ...Option) (*BalanceGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("account", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	state, err := newStateClient(&http.Client{})
	if err != nil {
		return nil, err
	}

	g := &BalanceGate{
		state:        state,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default().With("component", "gate"),
		env:          env,
		prgCache:     make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate runs program for params. It never returns an error; every failure
// is reported as a false Outcome with a reason.
func (g *BalanceGate) Evaluate(ctx context.Context, program []byte, params Params) Outcome {
	out := g.evaluate(ctx, program, params)
	g.logger.DebugContext(ctx, "gate evaluated",
		"address", params.Address,
		"min_balance", params.MinBalance,
		"result", out.Result,
		"reason", out.Reason,
	)
	return out
}

func (g *BalanceGate) evaluate(ctx context.Context, program []byte, params Params) Outcome {
	prog, err := ParseProgram(program)
	if err != nil {
		return deny(ReasonInvalidProgram, err)
	}
	if err := params.Validate(); err != nil {
		return deny(ReasonInvalidParams, err)
	}
	prg, err := g.compile(prog.Predicate)
	if err != nil {
		return deny(ReasonInvalidProgram, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	account, err := g.state.lookup(fetchCtx, prog, params)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, errAccountAbsent):
			return deny(ReasonAccountAbsent, err)
		case errors.Is(err, errBadStatus):
			return deny(ReasonBadStatus, err)
		case errors.Is(err, errMalformedState):
			return deny(ReasonMalformedState, err)
		default:
			return deny(ReasonFetchFailed, err)
		}
	}

	val, _, err := prg.ContextEval(ctx, map[string]any{
		"account": map[string]any{
			"address": account.Address,
			"balance": account.Balance,
		},
		"params": params.celValue(),
	})
	if err != nil {
		return deny(ReasonPredicateError, fmt.Errorf("eval: %w", err))
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return deny(ReasonPredicateError, fmt.Errorf("result not bool"))
	}
	if !ok {
		return Outcome{Result: false, Reason: ReasonInsufficient}
	}
	return Outcome{Result: true, Reason: ReasonSufficient}
}

func (g *BalanceGate) compile(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("predicate must return bool, got %s", ast.OutputType())
	}
	p, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000), // Hard limit on computational complexity
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.prgCache[expr] = p
	return p, nil
}
