package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success (or granted),
// 1 denied, 2 usage or setup error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "check":
		return runCheckCmd(args[2:], stdout, stderr)
	case "publish":
		return runPublishCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "nonce":
		return runNonceCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "actions":
		return runActionsCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "stackr %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sstackr %s%s\n", colorBold, version, colorReset)
	_, _ = fmt.Fprintf(w, "%sBalance-gated admission over an execution substrate.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  stackr <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SUBSTRATE")
	printCommand(w, "serve", "Run an execution substrate node")
	printCommand(w, "health", "Check a substrate's health (--url)")
	printCommand(w, "nonce", "Fetch the current freshness nonce (--url)")

	printSection(w, "CLIENT")
	printCommand(w, "keygen", "Create or show the signing key (--key)")
	printCommand(w, "check", "Run an admission check (--local, --confirm, --json)")
	printCommand(w, "publish", "Publish gate code by content address (--file, --action)")
	printCommand(w, "actions", "List registered gate actions")

	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "Configuration is read from %s and the environment.\n", "STACKR_CONFIG")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
