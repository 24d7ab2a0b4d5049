// Package config loads cargoproc settings.
//
// Settings are layered: built-in defaults, then the first config file
// found, then CARGOPROC_* environment variables. Config files are TOML or
// YAML, chosen by extension. A missing file is not an error.
//
//	executable = "cargo"
//	pty = true
//	grace = "5s"
//	env_files = [".env"]
//
//	[hidden]
//	clean = false
//
//	[log]
//	level = "debug"
//
//	[watch]
//	debounce = "500ms"
//	extensions = [".rs", ".toml"]
//
//	[server]
//	addr = "127.0.0.1:7878"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/cargoproc/internal/logging"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "CARGOPROC_"

// Duration is a time.Duration that reads and writes as "3s", "250ms".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	File  string `toml:"file" yaml:"file"`
}

// WatchConfig holds re-run-on-change settings.
type WatchConfig struct {
	Debounce   Duration `toml:"debounce" yaml:"debounce"`
	Extensions []string `toml:"extensions" yaml:"extensions"`
	Ignore     []string `toml:"ignore" yaml:"ignore"`
}

// ServerConfig holds web front end settings.
type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Config is the complete settings tree.
type Config struct {
	// Executable is the build tool every action runs.
	Executable string `toml:"executable" yaml:"executable"`
	// WorkDir overrides the project root as the working directory.
	WorkDir string `toml:"work_dir" yaml:"work_dir"`
	// Env is added to the child environment, after EnvFiles.
	Env map[string]string `toml:"env" yaml:"env"`
	// EnvFiles are dotenv files read relative to the project root.
	EnvFiles []string `toml:"env_files" yaml:"env_files"`
	// PTY runs children on a pseudo-terminal.
	PTY bool `toml:"pty" yaml:"pty"`
	// Grace is the delay between SIGTERM and SIGKILL.
	Grace Duration `toml:"grace" yaml:"grace"`
	// Hidden overrides the default visibility per action.
	Hidden map[string]bool `toml:"hidden" yaml:"hidden"`

	Log    LogConfig    `toml:"log" yaml:"log"`
	Watch  WatchConfig  `toml:"watch" yaml:"watch"`
	Server ServerConfig `toml:"server" yaml:"server"`

	// Source is the file the config was read from, if any.
	Source string `toml:"-" yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Executable: "cargo",
		EnvFiles:   []string{".env"},
		Grace:      Duration(3 * time.Second),
		Log: LogConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			Debounce:   Duration(300 * time.Millisecond),
			Extensions: []string{".rs", ".toml"},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7878",
		},
	}
}

// SearchPaths returns the files Load tries when no path is given, in order.
func SearchPaths() []string {
	paths := []string{"cargoproc.toml", ".cargoproc.yaml"}

	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		}
	}
	if dir != "" {
		paths = append(paths, filepath.Join(dir, "cargoproc", "config.toml"))
	}
	return paths
}

// Load reads the config at path, or the first existing file from
// SearchPaths when path is empty, then applies environment overrides and
// validates the result. An explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range SearchPaths() {
			err := cfg.ReadFile(candidate)
			if err == nil {
				break
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile overlays the settings in path onto c. Keys absent from the file
// keep their current values.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = c.decodeTOML(path, data)
	case ".yaml", ".yml":
		err = c.decodeYAML(path, data)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return err
	}

	c.Source = path
	return nil
}

func (c *Config) decodeTOML(path string, data []byte) error {
	if err := toml.Unmarshal(data, c); err != nil {
		perr := &ParseError{Path: path, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

func (c *Config) decodeYAML(path string, data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return nil
}

// envOverrides maps environment variables to setters.
var envOverrides = map[string]func(c *Config, v string) error{
	"EXECUTABLE": func(c *Config, v string) error {
		c.Executable = v
		return nil
	},
	"WORK_DIR": func(c *Config, v string) error {
		c.WorkDir = v
		return nil
	},
	"PTY": func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		c.PTY = b
		return nil
	},
	"GRACE": func(c *Config, v string) error {
		return c.Grace.UnmarshalText([]byte(v))
	},
	"LOG_LEVEL": func(c *Config, v string) error {
		c.Log.Level = v
		return nil
	},
	"LOG_FILE": func(c *Config, v string) error {
		c.Log.File = v
		return nil
	},
	"WATCH_DEBOUNCE": func(c *Config, v string) error {
		return c.Watch.Debounce.UnmarshalText([]byte(v))
	},
	"SERVER_ADDR": func(c *Config, v string) error {
		c.Server.Addr = v
		return nil
	},
}

// ApplyEnv applies CARGOPROC_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

// Validate rejects settings the rest of the program cannot use.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Executable) == "" {
		errs = append(errs, &ValidationError{Field: "executable", Message: "must not be empty"})
	}
	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, &ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q (want debug, info, warn or error)", c.Log.Level),
		})
	}
	if c.Grace < 0 {
		errs = append(errs, &ValidationError{Field: "grace", Message: "must not be negative"})
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, &ValidationError{Field: "watch.debounce", Message: "must not be negative"})
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, &ValidationError{Field: "server.addr", Message: "must not be empty"})
	}

	return errors.Join(errs...)
}

// HiddenOverride returns the configured visibility for action.
func (c *Config) HiddenOverride(action string) (hidden, ok bool) {
	hidden, ok = c.Hidden[strings.ToLower(action)]
	return hidden, ok
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}
