package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Environment variables understood by the recorder.
const (
	EnvTraceDir   = "TRACE_DIR"
	EnvDebugTrace = "DEBUG_TRACE"
	EnvCallbackAt = "RECORDER_CALLBACK_AT"
)

// ForkPolicy selects what a recording child process does after fork.
type ForkPolicy string

const (
	// ForkRefuse disables recording in the child; the parent trace
	// stays valid.
	ForkRefuse ForkPolicy = "refuse"

	// ForkRespawn closes the inherited handle and opens a fresh
	// per-process trace file suffixed with the child pid.
	ForkRespawn ForkPolicy = "respawn"
)

// Config carries the recorder and query-service settings.
type Config struct {
	TraceDir   string     `yaml:"trace_dir"`
	Debug      bool       `yaml:"debug"`
	CallbackAt uint64     `yaml:"callback_at"`
	ForkPolicy ForkPolicy `yaml:"fork_policy"`
}

// Default returns the built-in settings: traces in the working
// directory, diagnostics off, stepping callback disabled (threshold 0),
// conservative fork policy.
func Default() Config {
	return Config{
		TraceDir:   ".",
		CallbackAt: 0,
		ForkPolicy: ForkRefuse,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg.validate()
}

// FromEnv applies the environment over cfg.
func FromEnv(cfg Config) Config {
	if dir := os.Getenv(EnvTraceDir); dir != "" {
		cfg.TraceDir = dir
	}
	if v := os.Getenv(EnvDebugTrace); v != "" && v != "0" && v != "false" {
		cfg.Debug = true
	}
	if v := os.Getenv(EnvCallbackAt); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.CallbackAt = n
		}
	}
	return cfg
}

func (c Config) validate() (Config, error) {
	switch c.ForkPolicy {
	case "", ForkRefuse:
		c.ForkPolicy = ForkRefuse
	case ForkRespawn:
	default:
		return c, fmt.Errorf("config: unknown fork_policy %q", c.ForkPolicy)
	}
	return c, nil
}

// TracePath resolves a trace file name against the configured output
// directory; absolute names are kept as-is.
func (c Config) TracePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.TraceDir, name)
}

// Logger builds the diagnostic logger: console output on w when
// debugging is on, a no-op logger otherwise.
func (c Config) Logger(w io.Writer) zerolog.Logger {
	if !c.Debug {
		return zerolog.Nop()
	}
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}
