// Package config loads the daemon's YAML configuration: the server surface,
// the registered backends, and the polling tunables. Values pass through a
// defaulting pass so the rest of the daemon never sees a zero tunable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = "127.0.0.1:8377"
	DefaultLogLevel        = "info"
	DefaultMarkerTag       = "CCB_DONE"
	DefaultPollInterval    = 1 * time.Second
	DefaultSoftMatchGrace  = 10 * time.Second
	DefaultSoftPrefixLen   = 12
	DefaultReadRetryBudget = 5
	DefaultRequestTimeout  = 5 * time.Minute
	DefaultRetention       = 10 * time.Minute
	DefaultDispatchQueue   = 256
	DefaultDeliveryTimeout = 5 * time.Second
)

// Duration parses YAML scalars like "30s" or plain integers (seconds).
type Duration time.Duration

func (duration *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		// Bare number means seconds.
		var seconds int64
		if convErr := node.Decode(&seconds); convErr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(seconds) * time.Second
	}
	*duration = Duration(parsed)
	return nil
}

func (duration Duration) Std() time.Duration {
	return time.Duration(duration)
}

type Backend struct {
	Name           string `yaml:"name"`
	TranscriptRoot string `yaml:"transcript_root"`

	// Command, when set, hosts the agent CLI under a pty so the daemon can
	// type prompts into it. Without it the daemon only observes.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	MarkerTag          string   `yaml:"marker_tag"`
	PollInterval       Duration `yaml:"poll_interval"`
	SoftMatchGrace     Duration `yaml:"soft_match_grace"`
	SoftMatchPrefixLen int      `yaml:"soft_match_prefix_len"`
	ReadRetryBudget    int      `yaml:"read_retry_budget"`
	DefaultTimeout     Duration `yaml:"default_timeout"`
	WatchTranscripts   bool     `yaml:"watch_transcripts"`
}

type Dispatch struct {
	QueueSize       int      `yaml:"queue_size"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
}

type Config struct {
	Listen    string    `yaml:"listen"`
	Token     string    `yaml:"token"`
	StateDir  string    `yaml:"state_dir"`
	LogLevel  string    `yaml:"log_level"`
	Retention Duration  `yaml:"retention"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Backends  []Backend `yaml:"backends"`
}

// Load reads and validates a config file. A missing path yields the
// defaults with no backends, which the caller treats as a configuration
// error of its own.
func Load(path string) (Config, error) {
	config := Config{}
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(payload, &config); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	config = applyEnv(config)
	config = normalize(config)
	if err := validate(config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// applyEnv lets the handful of deployment-specific values come from the
// environment instead of the file.
func applyEnv(config Config) Config {
	if value := os.Getenv("ASKBRIDGE_LISTEN"); value != "" {
		config.Listen = value
	}
	if value := os.Getenv("ASKBRIDGE_TOKEN"); value != "" {
		config.Token = value
	}
	if value := os.Getenv("ASKBRIDGE_STATE_DIR"); value != "" {
		config.StateDir = value
	}
	if value := os.Getenv("ASKBRIDGE_LOG_LEVEL"); value != "" {
		config.LogLevel = value
	}
	return config
}

func normalize(config Config) Config {
	if config.Listen == "" {
		config.Listen = DefaultListen
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			config.StateDir = filepath.Join(home, ".askbridge", "state")
		}
	}
	if config.Retention.Std() <= 0 {
		config.Retention = Duration(DefaultRetention)
	}
	if config.Dispatch.QueueSize <= 0 {
		config.Dispatch.QueueSize = DefaultDispatchQueue
	}
	if config.Dispatch.DeliveryTimeout.Std() <= 0 {
		config.Dispatch.DeliveryTimeout = Duration(DefaultDeliveryTimeout)
	}
	for index := range config.Backends {
		backend := &config.Backends[index]
		backend.Name = strings.TrimSpace(backend.Name)
		backend.TranscriptRoot = expandHome(backend.TranscriptRoot)
		if backend.MarkerTag == "" {
			backend.MarkerTag = DefaultMarkerTag
		}
		if backend.PollInterval.Std() <= 0 {
			backend.PollInterval = Duration(DefaultPollInterval)
		}
		if backend.SoftMatchGrace.Std() <= 0 {
			backend.SoftMatchGrace = Duration(DefaultSoftMatchGrace)
		}
		if backend.SoftMatchPrefixLen <= 0 {
			backend.SoftMatchPrefixLen = DefaultSoftPrefixLen
		}
		if backend.ReadRetryBudget <= 0 {
			backend.ReadRetryBudget = DefaultReadRetryBudget
		}
		if backend.DefaultTimeout.Std() <= 0 {
			backend.DefaultTimeout = Duration(DefaultRequestTimeout)
		}
	}
	return config
}

func validate(config Config) error {
	seen := make(map[string]struct{}, len(config.Backends))
	for _, backend := range config.Backends {
		if backend.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if backend.TranscriptRoot == "" {
			return fmt.Errorf("backend %s: transcript_root required", backend.Name)
		}
		if _, duplicate := seen[backend.Name]; duplicate {
			return fmt.Errorf("duplicate backend name %s", backend.Name)
		}
		seen[backend.Name] = struct{}{}
	}
	return nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
