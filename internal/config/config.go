// Package config loads and validates lsphub configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/lsphub/internal/lsp"
)

// Sentinel errors returned by validation.
var (
	ErrNoServers     = errors.New("no servers configured")
	ErrDuplicateName = errors.New("duplicate server name")
	ErrEmptyCommand  = errors.New("server command is empty")
	ErrUnknownRole   = errors.New("unknown server role")
	ErrNoLanguages   = errors.New("server lists no languages")
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level lsphub configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `toml:"log_level"`

	// Workspace is the root folder announced to the servers. Defaults to
	// the current directory.
	Workspace string `toml:"workspace"`

	// WatchFiles enables the workspace file watcher.
	WatchFiles bool `toml:"watch_files"`

	// WatchDebounce batches rapid file events. Default: 250ms.
	WatchDebounce Duration `toml:"watch_debounce"`

	// Servers lists the language servers to launch.
	Servers []Server `toml:"servers"`
}

// Server configures one language server.
type Server struct {
	Name      string            `toml:"name"`
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	WorkDir   string            `toml:"workdir"`
	Env       map[string]string `toml:"env"`
	Languages []string          `toml:"languages"`
	Role      string            `toml:"role"`

	RequestTimeout   Duration `toml:"request_timeout"`
	StartupTimeout   Duration `toml:"startup_timeout"`
	DegradeThreshold int      `toml:"degrade_threshold"`

	Restart Restart `toml:"restart"`

	InitializationOptions map[string]any `toml:"initialization_options"`
}

// Restart configures a server's crash recovery.
type Restart struct {
	MaxRestarts    int      `toml:"max_restarts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
	ResetWindow    Duration `toml:"reset_window"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel:      "info",
		WatchDebounce: Duration(250 * time.Millisecond),
	}
}

// Load reads and validates a TOML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML configuration bytes.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		name := s.Name
		if name == "" {
			name = s.Command
		}
		if seen[name] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		seen[name] = true

		if s.Command == "" {
			return fmt.Errorf("%w: %s", ErrEmptyCommand, name)
		}
		if !lsp.Role(s.Role).Valid() {
			return fmt.Errorf("%w: %s has %q", ErrUnknownRole, name, s.Role)
		}
		if len(s.Languages) == 0 {
			return fmt.Errorf("%w: %s", ErrNoLanguages, name)
		}
	}
	return nil
}

// ServerConfigs converts the file entries into launch descriptors.
func (c Config) ServerConfigs() []lsp.ServerConfig {
	out := make([]lsp.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		name := s.Name
		if name == "" {
			name = s.Command
		}

		cfg := lsp.ServerConfig{
			Name:             name,
			Command:          s.Command,
			Args:             s.Args,
			WorkDir:          s.WorkDir,
			Env:              s.Env,
			Languages:        s.Languages,
			Role:             lsp.Role(s.Role),
			RequestTimeout:   s.RequestTimeout.Std(),
			StartupTimeout:   s.StartupTimeout.Std(),
			DegradeThreshold: s.DegradeThreshold,
		}
		if s.InitializationOptions != nil {
			cfg.InitializationOptions = s.InitializationOptions
		}
		if s.Restart != (Restart{}) {
			policy := lsp.DefaultRestartPolicy()
			if s.Restart.MaxRestarts != 0 {
				policy.MaxRestarts = s.Restart.MaxRestarts
			}
			if s.Restart.InitialBackoff != 0 {
				policy.InitialBackoff = s.Restart.InitialBackoff.Std()
			}
			if s.Restart.MaxBackoff != 0 {
				policy.MaxBackoff = s.Restart.MaxBackoff.Std()
			}
			if s.Restart.Multiplier != 0 {
				policy.Multiplier = s.Restart.Multiplier
			}
			if s.Restart.ResetWindow != 0 {
				policy.ResetWindow = s.Restart.ResetWindow.Std()
			}
			cfg.Restart = policy
		}
		out = append(out, cfg)
	}
	return out
}

// DefaultPath returns the conventional config file location: a
// .lsphub.toml in the working directory, falling back to
// ~/.config/lsphub/config.toml.
func DefaultPath() string {
	if _, err := os.Stat(".lsphub.toml"); err == nil {
		return ".lsphub.toml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lsphub.toml"
	}
	return filepath.Join(home, ".config", "lsphub", "config.toml")
}
