package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	envRPCURL    = "DEXCROW_RPC_URL"
	envRPCToken  = "DEXCROW_RPC_TOKEN"
	envKeystore  = "DEXCROW_KEYSTORE"
	envKeyPass   = "DEXCROW_KEYSTORE_PASS"
	defaultRPC   = "http://127.0.0.1:8545"
	defaultKeyFn = "operator.keystore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}
	rest := args[1:]
	switch args[0] {
	case "keygen":
		return runKeygenCommand(rest, stdout, stderr)
	case "address":
		return runAddressCommand(rest, stdout, stderr)
	case "send":
		return runSendCommand(rest, stdout, stderr)
	case "call":
		return runCallCommand(rest, stdout, stderr)
	case "guardian-sign":
		return runGuardianSignCommand(rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: dexcrowctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen         create a new encrypted keystore")
	fmt.Fprintln(w, "  address        print the address held by a keystore")
	fmt.Fprintln(w, "  send           sign and submit a ledger transaction")
	fmt.Fprintln(w, "  call           invoke a read-only RPC method")
	fmt.Fprintln(w, "  guardian-sign  sign a cross-chain message as a guardian")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Environment: %s, %s, %s, %s\n", envRPCURL, envRPCToken, envKeystore, envKeyPass)
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
