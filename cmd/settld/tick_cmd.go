package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// runTickCmd posts to a running proxy's tick endpoints.
func runTickCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.String("url", "http://localhost:8080", "proxy base URL")
	token := fs.String("token", "", "bearer token (<keyId>.<secret>)")
	which := fs.String("kind", "outbox", "tick kind: outbox, winddown-reversals, insolvency")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *token == "" {
		fmt.Fprintln(stderr, "settld tick: -token is required")
		return 2
	}
	switch *which {
	case "outbox", "winddown-reversals", "insolvency":
	default:
		fmt.Fprintf(stderr, "settld tick: unknown kind %q\n", *which)
		return 2
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*base, "/")+"/ticks/"+*which, nil)
	if err != nil {
		fmt.Fprintln(stderr, "settld tick:", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+*token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(stderr, "settld tick:", err)
		return 1
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		fmt.Fprintln(stderr, "settld tick:", err)
		return 1
	}
	if resp.StatusCode >= 300 {
		fmt.Fprintf(stderr, "settld tick: status %s\n", resp.Status)
		return 1
	}
	return 0
}
