package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotProgram = `
name: balance-gate
version: 1.0.0
state:
  mode: snapshot
predicate: account.balance >= params.minBalance
`

const balanceProgram = `
name: balance-gate
version: 1.1.0
state:
  mode: balance
predicate: account.balance >= params.minBalance
`

type account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

func snapshotServer(t *testing.T, accounts ...account) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"state": accounts})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func balanceServer(t *testing.T, accounts ...account) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := strings.CutPrefix(r.URL.Path, "/balance/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		for _, a := range accounts {
			if strings.EqualFold(a.Address, addr) {
				_ = json.NewEncoder(w).Encode(map[string]int64{"balance": a.Balance})
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func rawServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGate(t *testing.T, opts ...Option) *BalanceGate {
	t.Helper()
	g, err := NewBalanceGate(opts...)
	require.NoError(t, err)
	return g
}

const addr = "0xAbC0000000000000000000000000000000000001"

func TestBalanceGate_Scenarios(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		stored account
		query  string
		min    int64
		want   bool
		reason Reason
	}{
		{"A: sufficient", account{addr, 150}, addr, 100, true, ReasonSufficient},
		{"B: insufficient", account{addr, 50}, addr, 100, false, ReasonInsufficient},
		{"D: case-insensitive", account{strings.ToLower(addr), 200}, "0x" + strings.ToUpper(addr[2:]), 100, true, ReasonSufficient},
		{"threshold is inclusive", account{addr, 100}, addr, 100, true, ReasonSufficient},
		{"one below threshold", account{addr, 99}, addr, 100, false, ReasonInsufficient},
		{"zero threshold", account{addr, 0}, addr, 0, true, ReasonSufficient},
	}

	for _, tt := range tests {
		for _, mode := range []struct {
			name    string
			program string
			server  func(*testing.T, ...account) *httptest.Server
		}{
			{"snapshot", snapshotProgram, snapshotServer},
			{"balance", balanceProgram, balanceServer},
		} {
			t.Run(mode.name+"/"+tt.name, func(t *testing.T) {
				srv := mode.server(t, tt.stored)
				out := g.Evaluate(ctx, []byte(mode.program), Params{ServerURL: srv.URL, Address: tt.query, MinBalance: tt.min})
				assert.Equal(t, tt.want, out.Result, out.Detail)
				assert.Equal(t, tt.reason, out.Reason)
			})
		}
	}
}

func TestBalanceGate_AbsentAccount(t *testing.T) {
	g := newGate(t)
	other := "0x0000000000000000000000000000000000000002"

	out := g.Evaluate(context.Background(), []byte(snapshotProgram),
		Params{ServerURL: snapshotServer(t, account{addr, 1000}).URL, Address: other, MinBalance: 1})
	assert.False(t, out.Result)
	assert.Equal(t, ReasonAccountAbsent, out.Reason)

	out = g.Evaluate(context.Background(), []byte(balanceProgram),
		Params{ServerURL: balanceServer(t, account{addr, 1000}).URL, Address: other, MinBalance: 1})
	assert.False(t, out.Result)
	assert.Equal(t, ReasonAccountAbsent, out.Reason)
}

func TestBalanceGate_FailsClosed(t *testing.T) {
	g := newGate(t, WithFetchTimeout(200*time.Millisecond))
	rich := fmt.Sprintf(`{"state":[{"address":%q,"balance":1000000}]}`, addr)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte(rich))
	}))
	t.Cleanup(slow.Close)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name    string
		program string
		url     string
		reason  Reason
	}{
		{"C: server error", snapshotProgram, rawServer(t, http.StatusInternalServerError, rich).URL, ReasonBadStatus},
		{"unauthorized", snapshotProgram, rawServer(t, http.StatusUnauthorized, rich).URL, ReasonBadStatus},
		{"snapshot route missing", snapshotProgram, rawServer(t, http.StatusNotFound, rich).URL, ReasonBadStatus},
		{"timeout", snapshotProgram, slow.URL, ReasonFetchFailed},
		{"unreachable", snapshotProgram, closedURL, ReasonFetchFailed},
		{"not json", snapshotProgram, rawServer(t, http.StatusOK, "<html>").URL, ReasonMalformedState},
		{"missing state", snapshotProgram, rawServer(t, http.StatusOK, `{"accounts":[]}`).URL, ReasonMalformedState},
		{"string balance", snapshotProgram, rawServer(t, http.StatusOK, fmt.Sprintf(`{"state":[{"address":%q,"balance":"1000"}]}`, addr)).URL, ReasonMalformedState},
		{"fractional balance", snapshotProgram, rawServer(t, http.StatusOK, fmt.Sprintf(`{"state":[{"address":%q,"balance":1000.5}]}`, addr)).URL, ReasonMalformedState},
		{"overflowing balance", snapshotProgram, rawServer(t, http.StatusOK, fmt.Sprintf(`{"state":[{"address":%q,"balance":99999999999999999999999}]}`, addr)).URL, ReasonMalformedState},
		{"negative balance", balanceProgram, rawServer(t, http.StatusOK, `{"balance":-5}`).URL, ReasonMalformedState},
		{"garbage program", "predicate: [", rawServer(t, http.StatusOK, rich).URL, ReasonInvalidProgram},
		{"unknown field", snapshotProgram + "extra: 1\n", rawServer(t, http.StatusOK, rich).URL, ReasonInvalidProgram},
		{"non-bool predicate", strings.Replace(snapshotProgram, "account.balance >= params.minBalance", `'"granted"'`, 1), rawServer(t, http.StatusOK, rich).URL, ReasonInvalidProgram},
		{"predicate runtime error", strings.Replace(snapshotProgram, "account.balance >= params.minBalance", "account.missing >= 0", 1), rawServer(t, http.StatusOK, rich).URL, ReasonPredicateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := g.Evaluate(context.Background(), []byte(tt.program), Params{ServerURL: tt.url, Address: addr, MinBalance: 1})
			assert.False(t, out.Result)
			assert.Equal(t, tt.reason, out.Reason, out.Detail)
		})
	}
}

func TestBalanceGate_IntegralFloatBalance(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	snap := rawServer(t, http.StatusOK, fmt.Sprintf(`{"state":[{"address":%q,"balance":150.0}]}`, addr))
	out := g.Evaluate(ctx, []byte(snapshotProgram), Params{ServerURL: snap.URL, Address: addr, MinBalance: 100})
	assert.True(t, out.Result, out.Detail)
	assert.Equal(t, ReasonSufficient, out.Reason)

	bal := rawServer(t, http.StatusOK, `{"balance":5e1}`)
	out = g.Evaluate(ctx, []byte(balanceProgram), Params{ServerURL: bal.URL, Address: addr, MinBalance: 100})
	assert.False(t, out.Result)
	assert.Equal(t, ReasonInsufficient, out.Reason, out.Detail)
}

func TestBalanceGate_InvalidParams(t *testing.T) {
	g := newGate(t)
	srv := snapshotServer(t, account{addr, 1000})

	for name, p := range map[string]Params{
		"no url":           {Address: addr, MinBalance: 1},
		"ftp url":          {ServerURL: "ftp://state.test", Address: addr, MinBalance: 1},
		"no address":       {ServerURL: srv.URL, MinBalance: 1},
		"negative minimum": {ServerURL: srv.URL, Address: addr, MinBalance: -1},
	} {
		t.Run(name, func(t *testing.T) {
			out := g.Evaluate(context.Background(), []byte(snapshotProgram), p)
			assert.False(t, out.Result)
			assert.Equal(t, ReasonInvalidParams, out.Reason)
		})
	}
}

func TestBalanceGate_CustomPathAndPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/accounts/"+addr, r.URL.Path)
		_, _ = w.Write([]byte(`{"balance": 500}`))
	}))
	t.Cleanup(srv.Close)

	program := `
name: tiered
version: 2.0.0
state:
  mode: balance
  path: /v2/accounts/{address}
predicate: account.balance >= params.minBalance * 5
`
	g := newGate(t)
	assert.True(t, g.Evaluate(context.Background(), []byte(program), Params{ServerURL: srv.URL, Address: addr, MinBalance: 100}).Result)
	assert.False(t, g.Evaluate(context.Background(), []byte(program), Params{ServerURL: srv.URL, Address: addr, MinBalance: 101}).Result)
}

func TestBalanceGate_CancelledContext(t *testing.T) {
	g := newGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := g.Evaluate(ctx, []byte(snapshotProgram), Params{ServerURL: snapshotServer(t, account{addr, 1000}).URL, Address: addr, MinBalance: 1})
	assert.False(t, out.Result)
}

func TestParseProgram(t *testing.T) {
	p, err := ParseProgram([]byte(balanceProgram))
	require.NoError(t, err)
	assert.Equal(t, "balance-gate", p.Name)
	assert.Equal(t, ModeBalance, p.State.Mode)
	assert.Equal(t, defaultBalancePath, p.statePath())

	for name, src := range map[string]string{
		"empty":        "",
		"no name":      "state: {mode: snapshot}\npredicate: 'true'\n",
		"no predicate": "name: x\nstate: {mode: snapshot}\n",
		"bad mode":     "name: x\nstate: {mode: ledger}\npredicate: 'true'\n",
		"bad path":     "name: x\nstate: {mode: balance, path: /balance}\npredicate: 'true'\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProgram([]byte(src))
			assert.Error(t, err)
		})
	}
}
