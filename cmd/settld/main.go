// Command settld is the operator CLI: build and verify proof bundles,
// verify event chains, and trigger maintenance ticks on a running proxy.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "bundle":
		return runBundleCmd(args[2:], stdout, stderr)
	case "chain":
		return runChainCmd(args[2:], stdout, stderr)
	case "tick":
		return runTickCmd(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "settld: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: settld <command> [flags]

commands:
  bundle build   assemble a proof bundle into a directory
  bundle verify  re-check a bundle directory
  chain verify   verify a chained event log file
  tick           trigger a maintenance tick on a running proxy`)
}
