package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/api"
	"github.com/Architsharma7/Lit-Stackr/pkg/substrate"
	"github.com/Architsharma7/Lit-Stackr/pkg/util/resiliency"
)

// DefaultTimeout bounds one execution round trip.
const DefaultTimeout = 15 * time.Second

// HTTPDispatcher posts executions to a remote substrate.
type HTTPDispatcher struct {
	baseURL string
	client  *resiliency.EnhancedClient
	clock   func() time.Time
	logger  *slog.Logger
}

type HTTPOption func(*HTTPDispatcher)

func WithClient(c *resiliency.EnhancedClient) HTTPOption {
	return func(d *HTTPDispatcher) { d.client = c }
}

func WithClock(clock func() time.Time) HTTPOption {
	return func(d *HTTPDispatcher) { d.clock = clock }
}

func WithLogger(l *slog.Logger) HTTPOption {
	return func(d *HTTPDispatcher) { d.logger = l }
}

func NewHTTPDispatcher(baseURL string, opts ...HTTPOption) *HTTPDispatcher {
	d := &HTTPDispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		clock:   time.Now,
		logger:  slog.Default().With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = resiliency.NewEnhancedClient(resiliency.WithTimeout(DefaultTimeout))
	}
	return d
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if err := precheck(req, d.clock()); err != nil {
		return ExecutionResult{}, err
	}

	body, err := json.Marshal(req.wire())
	if err != nil {
		return ExecutionResult{}, &DispatchError{Kind: RequestRejected, Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+substrate.ExecutePath, bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{}, &DispatchError{Kind: SubstrateUnreachable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if id := api.GetRequestID(ctx); id != "" {
		httpReq.Header.Set(api.RequestIDHeader, id)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return ExecutionResult{}, &DispatchError{Kind: SubstrateUnreachable, Err: err}
	}
	if resp == nil {
		return ExecutionResult{}, &DispatchError{Kind: SubstrateUnreachable, Err: errors.New("no response")}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ExecutionResult{}, classify(resp)
	}

	var out substrate.ExecuteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return ExecutionResult{}, &DispatchError{Kind: MalformedResult, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	result, err := interpret(out, resp.StatusCode)
	if err != nil {
		d.logger.WarnContext(ctx, "substrate returned a malformed result", "code", req.Code.String(), "error", err)
	}
	return result, err
}

func classify(resp *http.Response) *DispatchError {
	p := api.ReadProblem(resp)
	err := errors.New(p.Detail)
	if p.Detail == "" {
		err = errors.New(p.Title)
	}
	de := &DispatchError{Status: resp.StatusCode, Code: p.Code, Err: err}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		de.Kind = CredentialRejected
	case resp.StatusCode == http.StatusNotFound:
		de.Kind = CodeUnresolvable
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		de.Kind = SubstrateUnreachable
	default:
		de.Kind = RequestRejected
	}
	return de
}
