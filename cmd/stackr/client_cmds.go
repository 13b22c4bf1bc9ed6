package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/config"
	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
	"github.com/Architsharma7/Lit-Stackr/pkg/nonce"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/substrate"
	"github.com/Architsharma7/Lit-Stackr/pkg/util/resiliency"
)

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var keyPath string
	cmd.StringVar(&keyPath, "key", "", "Signing key path (overrides KEY_PATH)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if keyPath == "" {
		cfg, err := config.Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
			return 2
		}
		keyPath = cfg.Client.KeyPath
	}

	signer, created, err := identity.LoadOrGenerateSigner(keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if created {
		_, _ = fmt.Fprintf(stderr, "Generated new key at %s\n", keyPath)
	}
	_, _ = fmt.Fprintln(stdout, signer.Address())
	return 0
}

func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file   string
		action string
		name   string
	)
	cmd.StringVar(&file, "file", "", "Gate program file to publish")
	cmd.StringVar(&action, "action", "", "Builtin action to publish (default ACTION_ID)")
	cmd.StringVar(&name, "name", "", "Metadata name recorded with the content")
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

	store, err := e.store(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg, err := registry.NewWithBuiltins(registry.ModeByHash, store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var address string
	if file != "" {
		//nolint:gosec // G304: operator-supplied program path
		src, err := os.ReadFile(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if name == "" {
			name = filepath.Base(file)
		}
		address, err = reg.Publish(ctx, src, name)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		if action == "" {
			action = e.cfg.Client.ActionID
		}
		ref, err := reg.Resolve(ctx, action)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		address = ref.Address()
	}
	_, _ = fmt.Fprintln(stdout, address)
	return 0
}

func runActionsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("actions", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	reg, err := registry.NewWithBuiltins(registry.ModeInline, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, a := range reg.List() {
		_, _ = fmt.Fprintf(stdout, "%s@%s\t%s\n", a.Name, a.Version, a.Address)
	}
	return 0
}

func substrateURLFlag(name string, args []string, stderr io.Writer) (string, bool) {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var url string
	cmd.StringVar(&url, "url", "", "Substrate URL (default SUBSTRATE_URL)")
	if err := cmd.Parse(args); err != nil {
		return "", false
	}
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
			return "", false
		}
		url = cfg.Client.SubstrateURL
	}
	return strings.TrimRight(url, "/"), true
}

func runNonceCmd(args []string, stdout, stderr io.Writer) int {
	url, ok := substrateURLFlag("nonce", args, stderr)
	if !ok {
		return 2
	}
	client := nonce.NewClient(url, resiliency.NewEnhancedClient(resiliency.WithTimeout(5*time.Second), resiliency.WithMaxRetries(1)))
	value, err := client.Latest(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, value)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	url, ok := substrateURLFlag("health", args, stderr)
	if !ok {
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+substrate.HealthPath, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	resp, err := resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0)).Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Substrate unreachable: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	var body map[string]string
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		_, _ = fmt.Fprintf(stderr, "Substrate unhealthy: %s\n", resp.Status)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sok%s %s\n", colorGreen, colorReset, body["uri"])
	return 0
}
