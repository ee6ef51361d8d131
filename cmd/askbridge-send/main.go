package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"askbridge/internal/client"
	"askbridge/internal/version"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	cfg, err := parseArgs(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if cfg.ShowVersion {
		fmt.Fprintf(out, "askbridge-send %s\n", version.Version)
		return 0
	}

	payload := cfg.Message
	if payload == "" {
		raw, err := io.ReadAll(in)
		if err != nil {
			fmt.Fprintf(errOut, "read stdin: %v\n", err)
			return 3
		}
		payload = string(raw)
	}

	result, err := client.Submit(httpClient, cfg.URL, cfg.Token, cfg.Backend, payload, cfg.Timeout)
	if err != nil {
		fmt.Fprintf(errOut, "submit: %v\n", err)
		return 1
	}
	if !cfg.Wait {
		fmt.Fprintln(out, result.RequestID)
		return 0
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		// Leave headroom past the daemon-side timeout so the timed_out
		// notification is what we report, not a local deadline.
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout+30*time.Second)
		defer cancel()
	}
	status, err := client.WaitForCompletion(ctx, httpClient, cfg.URL, cfg.Token, result.RequestID)
	if err != nil {
		fmt.Fprintf(errOut, "wait: %v\n", err)
		return 1
	}

	switch status.State {
	case "completed":
		fmt.Fprintln(out, status.Result)
		if status.SoftMatch {
			fmt.Fprintln(errOut, "warning: completion matched a relaxed marker")
		}
		return 0
	case "timed_out":
		fmt.Fprintf(errOut, "request %s timed out\n", status.RequestID)
		return 4
	default:
		fmt.Fprintf(errOut, "request %s failed: %s\n", status.RequestID, status.Error)
		return 1
	}
}
