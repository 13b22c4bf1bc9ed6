package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxStateBody = 4 << 20

// AccountRecord is one account as reported by the state service.
type AccountRecord struct {
	Address string
	Balance int64
}

var (
	errAccountAbsent  = errors.New("account not found")
	errBadStatus      = errors.New("state service returned non-success status")
	errMalformedState = errors.New("malformed state")
)

const snapshotSchema = `{
  "type": "object",
  "required": ["state"],
  "properties": {
    "state": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["address", "balance"],
        "properties": {
          "address": {"type": "string"},
          "balance": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const balanceSchema = `{
  "type": "object",
  "required": ["balance"],
  "properties": {
    "balance": {"type": "integer", "minimum": 0}
  }
}`

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://stackr.schemas.local/state/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("state schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("state schema compile failed: %w", err)
	}
	return compiled, nil
}

// stateClient fetches account records from a state service.
type stateClient struct {
	http     *http.Client
	snapshot *jsonschema.Schema
	balance  *jsonschema.Schema
}

func newStateClient(hc *http.Client) (*stateClient, error) {
	snap, err := compileSchema("snapshot", snapshotSchema)
	if err != nil {
		return nil, err
	}
	bal, err := compileSchema("balance", balanceSchema)
	if err != nil {
		return nil, err
	}
	return &stateClient{http: hc, snapshot: snap, balance: bal}, nil
}

func (c *stateClient) lookup(ctx context.Context, prog *Program, params Params) (AccountRecord, error) {
	base := strings.TrimRight(params.ServerURL, "/")
	switch prog.State.Mode {
	case ModeBalance:
		path := strings.ReplaceAll(prog.statePath(), addressPlaceholder, url.PathEscape(params.Address))
		return c.fetchBalance(ctx, base+path, params.Address)
	default:
		return c.fetchSnapshot(ctx, base+prog.statePath(), params.Address)
	}
}

// get fetches and validates one state document. A 404 is reported as
// notFound, which only means "no such account" on per-address routes.
func (c *stateClient) get(ctx context.Context, target string, schema *jsonschema.Schema, notFound error) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build state request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", notFound, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errBadStatus, resp.Status)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxStateBody))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedState, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedState, err)
	}
	return doc, nil
}

func (c *stateClient) fetchSnapshot(ctx context.Context, target, address string) (AccountRecord, error) {
	doc, err := c.get(ctx, target, c.snapshot, errBadStatus)
	if err != nil {
		return AccountRecord{}, err
	}
	entries, _ := doc.(map[string]any)["state"].([]any)
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		addr, _ := entry["address"].(string)
		if !strings.EqualFold(addr, address) {
			continue
		}
		bal, err := toInt64(entry["balance"])
		if err != nil {
			return AccountRecord{}, err
		}
		return AccountRecord{Address: addr, Balance: bal}, nil
	}
	return AccountRecord{}, errAccountAbsent
}

func (c *stateClient) fetchBalance(ctx context.Context, target, address string) (AccountRecord, error) {
	doc, err := c.get(ctx, target, c.balance, errAccountAbsent)
	if err != nil {
		return AccountRecord{}, err
	}
	obj, _ := doc.(map[string]any)
	bal, err := toInt64(obj["balance"])
	if err != nil {
		return AccountRecord{}, err
	}
	return AccountRecord{Address: address, Balance: bal}, nil
}

func toInt64(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: balance is %T", errMalformedState, v)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	// The schema's "integer" admits integral floats such as 150.0.
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: balance %s: %v", errMalformedState, n, err)
	}
	if math.Trunc(f) != f || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: balance %s is not an int64", errMalformedState, n)
	}
	return int64(f), nil
}
