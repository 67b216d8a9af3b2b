package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/eventlog"
)

func runChainCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "verify" {
		fmt.Fprintln(stderr, "usage: settld chain verify -file <events.json> [-keys keyId=hexPublicKey,...] [-require-signatures]")
		return 2
	}

	fs := flag.NewFlagSet("chain verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "JSON file holding an array of chained events")
	keys := fs.String("keys", "", "comma-separated keyId=hexPublicKey pairs")
	requireSigs := fs.Bool("require-signatures", false, "fail events that carry no signature")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "settld chain verify: -file is required")
		return 2
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintln(stderr, "settld chain verify:", err)
		return 1
	}
	var events []contracts.ChainedEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		fmt.Fprintln(stderr, "settld chain verify: not a chained event array:", err)
		return 1
	}

	opts := eventlog.VerifyOptions{RequireSignatures: *requireSigs}
	if *keys != "" {
		opts.PublicKeyByKeyID, err = parseKeyPairs(*keys)
		if err != nil {
			fmt.Fprintln(stderr, "settld chain verify:", err)
			return 2
		}
	}

	if err := eventlog.Verify(events, opts); err != nil {
		fmt.Fprintln(stderr, "settld chain verify: FAIL:", err)
		return 1
	}
	head := eventlog.HeadOf("", events)
	fmt.Fprintf(stdout, "OK: %d events, head %s\n", head.EventCount, head.LastEventID)
	return 0
}
