package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const defaultServerURL = "http://localhost:8377"

type cliConfig struct {
	URL         string
	Token       string
	Backend     string
	Timeout     time.Duration
	Wait        bool
	Message     string
	ShowVersion bool
}

func parseArgs(args []string, errOut io.Writer) (cliConfig, error) {
	fs := flag.NewFlagSet("askbridge-send", flag.ContinueOnError)
	fs.SetOutput(errOut)
	urlFlag := fs.String("url", "", "Daemon URL (env: ASKBRIDGE_URL, default: "+defaultServerURL+")")
	tokenFlag := fs.String("token", "", "Auth token (env: ASKBRIDGE_TOKEN)")
	backendFlag := fs.String("backend", "", "Backend name to ask")
	timeoutFlag := fs.Duration("timeout", 0, "Completion timeout (default: daemon's per-backend default)")
	waitFlag := fs.Bool("wait", false, "Block until the request completes and print the reply")
	versionFlag := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: askbridge-send [flags] [message]")
		fmt.Fprintln(fs.Output(), "")
		fmt.Fprintln(fs.Output(), "Submits a request to a running askbridged. With no message argument,")
		fmt.Fprintln(fs.Output(), "the payload is read from stdin.")
		fmt.Fprintln(fs.Output(), "")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if *versionFlag {
		return cliConfig{ShowVersion: true}, nil
	}

	url := strings.TrimSpace(*urlFlag)
	if url == "" {
		url = os.Getenv("ASKBRIDGE_URL")
	}
	if url == "" {
		url = defaultServerURL
	}
	token := strings.TrimSpace(*tokenFlag)
	if token == "" {
		token = os.Getenv("ASKBRIDGE_TOKEN")
	}
	backend := strings.TrimSpace(*backendFlag)
	if backend == "" {
		fs.Usage()
		return cliConfig{}, fmt.Errorf("backend required")
	}

	return cliConfig{
		URL:     url,
		Token:   token,
		Backend: backend,
		Timeout: *timeoutFlag,
		Wait:    *waitFlag,
		Message: strings.TrimSpace(strings.Join(fs.Args(), " ")),
	}, nil
}
