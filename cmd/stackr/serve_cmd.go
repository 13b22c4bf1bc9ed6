package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var port string
	cmd.StringVar(&port, "port", "", "Listen port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.close()
	if port != "" {
		e.cfg.Node.Port = port
	}

	store, err := e.store(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	node, err := e.node(ctx, store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	// Builtin gates are published up front so by-hash clients can use them
	// without publish rights.
	reg, err := registry.NewWithBuiltins(registry.ModeByHash, store, registry.WithLogger(e.logger.With("component", "registry")))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, a := range reg.List() {
		if _, rerr := reg.Resolve(ctx, a.Name+"@"+a.Version); rerr != nil {
			e.logger.Warn("builtin gate not published", "action", a.Name, "version", a.Version, "error", rerr)
		}
	}

	addr := ":" + e.cfg.Node.Port
	_, _ = fmt.Fprintf(stdout, "stackr substrate\n")
	_, _ = fmt.Fprintf(stdout, "  URI:      %s\n", node.URI())
	_, _ = fmt.Fprintf(stdout, "  Listen:   http://localhost%s\n", addr)
	_, _ = fmt.Fprintf(stdout, "  Health:   http://localhost%s/health\n", addr)
	if e.cfg.Node.RateLimit.Disabled() {
		_, _ = fmt.Fprintf(stdout, "  Limits:   disabled\n")
	} else {
		_, _ = fmt.Fprintf(stdout, "  Limits:   %d/min burst %d\n", e.cfg.Node.RateLimit.RPM, e.cfg.Node.RateLimit.Burst)
	}

	if err := node.Serve(ctx, addr); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}
