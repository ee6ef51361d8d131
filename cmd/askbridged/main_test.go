package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ConfigPath == "" {
		t.Fatal("empty config path")
	}
	if cfg.ShowVersion {
		t.Fatal("version flag set by default")
	}
}

func TestParseArgsOverrides(t *testing.T) {
	cfg, err := parseArgs([]string{"-config", "/etc/askbridge.yaml", "-listen", ":9000", "-log-level", "debug"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ConfigPath != "/etc/askbridge.yaml" || cfg.Listen != ":9000" || cfg.LogLevel != "debug" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"-version"}, &out, &bytes.Buffer{}); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out.String(), "askbridged") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunRejectsEmptyBackendList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "askbridge.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errOut bytes.Buffer
	if code := run([]string{"-config", path}, &bytes.Buffer{}, &errOut); code != 1 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(errOut.String(), "no backends") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "askbridge.yaml")
	content := "log_level: shouting\nbackends:\n  - name: claude\n    transcript_root: /tmp\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errOut bytes.Buffer
	if code := run([]string{"-config", path}, &bytes.Buffer{}, &errOut); code != 1 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(errOut.String(), "log level") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
