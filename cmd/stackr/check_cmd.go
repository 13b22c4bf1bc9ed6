package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/admission"
	"github.com/Architsharma7/Lit-Stackr/pkg/dispatch"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
	"github.com/Architsharma7/Lit-Stackr/pkg/nonce"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
	"github.com/Architsharma7/Lit-Stackr/pkg/util/resiliency"
)

// confirmInput is where --confirm reads approvals from.
var confirmInput io.Reader = os.Stdin

type checkOutput struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func runCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		local      bool
		confirm    bool
		jsonOutput bool
		scoped     bool
		keyPath    string
		action     string
		stateURL   string
		substrate  string
		minBalance int64
	)
	cmd.BoolVar(&local, "local", false, "Run the substrate in-process instead of calling SUBSTRATE_URL")
	cmd.BoolVar(&confirm, "confirm", false, "Ask for approval before signing the session credential")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the decision as JSON")
	cmd.BoolVar(&scoped, "scoped", false, "Scope the credential to the resolved gate code only")
	cmd.StringVar(&keyPath, "key", "", "Signing key path (overrides KEY_PATH)")
	cmd.StringVar(&action, "action", "", "Gate action id, e.g. balance-gate@1.0.0 (overrides ACTION_ID)")
	cmd.StringVar(&stateURL, "state-url", "", "State service URL (overrides STATE_SERVER_URL)")
	cmd.StringVar(&substrate, "substrate", "", "Substrate URL (overrides SUBSTRATE_URL)")
	cmd.Int64Var(&minBalance, "min-balance", -1, "Minimum balance (overrides MIN_BALANCE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.close()

	cc := e.cfg.Client
	if keyPath != "" {
		cc.KeyPath = keyPath
	}
	if action != "" {
		cc.ActionID = action
	}
	if stateURL != "" {
		cc.StateServerURL = stateURL
	}
	if substrate != "" {
		cc.SubstrateURL = substrate
	}
	if minBalance >= 0 {
		cc.MinBalance = minBalance
	}

	key, err := identity.LoadSigner(cc.KeyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (run `stackr keygen` first)\n", err)
		return 2
	}
	var signer identity.Signer = key
	if confirm {
		signer = identity.NewInteractiveSigner(key, &identity.LinePrompter{In: confirmInput, Out: stderr})
	}

	store, err := e.store(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg, err := e.registry(store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var (
		nonces     session.NonceSource
		dispatcher dispatch.Dispatcher
		uri        string
	)
	if local {
		node, err := e.node(ctx, store)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		nonces = session.NonceSourceFunc(node.Nonce)
		dispatcher = dispatch.NewLocalDispatcher(node)
		uri = node.URI()
	} else {
		client := resiliency.NewEnhancedClient(resiliency.WithTimeout(cc.Timeout))
		nonces = nonce.NewClient(cc.SubstrateURL, client)
		dispatcher = dispatch.NewHTTPDispatcher(cc.SubstrateURL,
			dispatch.WithClient(client),
			dispatch.WithLogger(e.logger.With("component", "dispatch")))
		uri = e.cfg.Node.PublicURI
	}

	var issuer session.CredentialIssuer = session.NewIssuer(nonces, uri,
		session.WithLogger(e.logger.With("component", "session")))
	if cc.ReuseCredentials {
		issuer = session.NewCache(issuer, session.DefaultClockSkew)
	}

	opts := []admission.Option{
		admission.WithTelemetry(e.telemetry),
		admission.WithLogger(e.logger.With("component", "admission")),
	}
	sink, err := e.auditSink(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if sink != nil {
		opts = append(opts, admission.WithAuditSink(sink))
	}

	controller, err := admission.NewController(issuer, reg, dispatcher, admission.Config{
		ActionID:       cc.ActionID,
		StateServerURL: cc.StateServerURL,
		MinBalance:     cc.MinBalance,
		CredentialTTL:  cc.CredentialTTL,
		ScopeToCode:    scoped,
	}, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	d := controller.Check(ctx, signer)
	printDecision(stdout, d, jsonOutput)
	if d.Granted {
		return 0
	}
	return 1
}

func printDecision(w io.Writer, d admission.Decision, asJSON bool) {
	if asJSON {
		out := checkOutput{
			ID:        d.ID,
			Subject:   d.Subject.String(),
			Granted:   d.Granted,
			Reason:    string(d.Reason),
			Message:   d.Message,
			CheckedAt: d.CheckedAt,
		}
		if d.Err != nil {
			out.Error = d.Err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	color := colorRed
	if d.Granted {
		color = colorGreen
	}
	_, _ = fmt.Fprintf(w, "%s%s%s\n", color, d.Message, colorReset)
	_, _ = fmt.Fprintf(w, "  Subject:  %s\n", d.Subject)
	_, _ = fmt.Fprintf(w, "  Reason:   %s\n", d.Reason)
	if d.Err != nil {
		_, _ = fmt.Fprintf(w, "  Detail:   %v\n", d.Err)
	}
	_, _ = fmt.Fprintf(w, "  Decision: %s\n", d.ID)
}
