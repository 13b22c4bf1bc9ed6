package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/substrate"
)

// LocalDispatcher runs executions on an in-process substrate node.
type LocalDispatcher struct {
	node  *substrate.Node
	clock func() time.Time
}

func NewLocalDispatcher(node *substrate.Node) *LocalDispatcher {
	return &LocalDispatcher{node: node, clock: time.Now}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if err := precheck(req, d.clock()); err != nil {
		return ExecutionResult{}, err
	}
	resp, err := d.node.Execute(ctx, req.wire())
	if err != nil {
		var ee *substrate.ExecError
		if !errors.As(err, &ee) {
			return ExecutionResult{}, &DispatchError{Kind: SubstrateUnreachable, Err: err}
		}
		de := &DispatchError{Code: ee.Code, Err: ee.Err}
		switch ee.Kind {
		case substrate.KindUnauthorized:
			de.Kind = CredentialRejected
		case substrate.KindNotFound:
			de.Kind = CodeUnresolvable
		case substrate.KindBadRequest:
			de.Kind = RequestRejected
		default:
			de.Kind = SubstrateUnreachable
		}
		return ExecutionResult{}, de
	}
	return interpret(resp, 0)
}
