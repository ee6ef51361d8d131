package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type cliConfig struct {
	ConfigPath  string
	Listen      string
	Token       string
	LogLevel    string
	ShowVersion bool
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".askbridge", "askbridge.yaml")
	}
	return "askbridge.yaml"
}

func parseArgs(args []string, errOut io.Writer) (cliConfig, error) {
	fs := flag.NewFlagSet("askbridged", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configFlag := fs.String("config", "", "Config file path (default: ~/.askbridge/askbridge.yaml)")
	listenFlag := fs.String("listen", "", "Listen address override (env: ASKBRIDGE_LISTEN)")
	tokenFlag := fs.String("token", "", "Auth token override (env: ASKBRIDGE_TOKEN)")
	logLevelFlag := fs.String("log-level", "", "Log level: debug, info, warning, error")
	versionFlag := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: askbridged [flags]")
		fmt.Fprintln(fs.Output(), "")
		fmt.Fprintln(fs.Output(), "Bridges request/response exchanges onto long-running agent CLIs.")
		fmt.Fprintln(fs.Output(), "")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	path := *configFlag
	if path == "" {
		path = defaultConfigPath()
	}
	return cliConfig{
		ConfigPath:  path,
		Listen:      *listenFlag,
		Token:       *tokenFlag,
		LogLevel:    *logLevelFlag,
		ShowVersion: *versionFlag,
	}, nil
}
