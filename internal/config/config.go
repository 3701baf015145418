// Package config loads testbridge settings from defaults, a YAML file and
// TESTBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "TESTBRIDGE"

// FileName is the config file base name searched for in the config paths.
const FileName = "testbridge"

// Config is the root configuration.
type Config struct {
	Listener ListenerConfig `mapstructure:"listener" yaml:"listener"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Trace    TraceConfig    `mapstructure:"trace" yaml:"trace"`
}

// ListenerConfig configures the RPC listener.
type ListenerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	PortRangeStart  int           `mapstructure:"port_range_start" yaml:"port_range_start"`
	PortRangeEnd    int           `mapstructure:"port_range_end" yaml:"port_range_end"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Path            string        `mapstructure:"path" yaml:"path"`
}

// RunnerConfig describes how the external test runner is launched.
// It is also the originating configuration stored with every session, so a
// relaunch reproduces the same command.
type RunnerConfig struct {
	// Interpreter is the interpreter name or path (e.g. "python").
	Interpreter string `mapstructure:"interpreter" yaml:"interpreter"`
	// InterpreterEnv names an environment variable that overrides Interpreter.
	InterpreterEnv string `mapstructure:"interpreter_env" yaml:"interpreter_env"`
	// Script is the runner script passed as the first interpreter argument.
	Script string `mapstructure:"script" yaml:"script"`
	// Args are passed after the script.
	Args []string `mapstructure:"args" yaml:"args"`
	// WorkDir is the working directory; empty means the current directory.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
	// PortFlag is appended with the bridge port; empty disables the flag.
	PortFlag string `mapstructure:"port_flag" yaml:"port_flag"`
	// PortEnv is set to the bridge port; empty disables the variable.
	PortEnv string `mapstructure:"port_env" yaml:"port_env"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// TombstoneTTL is how long ended session IDs are remembered.
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl" yaml:"tombstone_ttl"`
}

// LogConfig configures diagnostics.
type LogConfig struct {
	// Path is the log file; empty logs to stderr.
	Path       string `mapstructure:"path" yaml:"path"`
	Level      string `mapstructure:"level" yaml:"level"`
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// TraceConfig configures OpenTelemetry export.
type TraceConfig struct {
	// Exporter is one of none, stdout or otlp.
	Exporter     string `mapstructure:"exporter" yaml:"exporter"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listener: ListenerConfig{
			Host:            "127.0.0.1",
			ShutdownTimeout: 2 * time.Second,
			Path:            "/",
		},
		Runner: RunnerConfig{
			Interpreter:    "python",
			InterpreterEnv: "TESTBRIDGE_PYTHON",
			Args:           []string{},
			PortFlag:       "--port",
			PortEnv:        "TESTBRIDGE_PORT",
		},
		Session: SessionConfig{
			TombstoneTTL: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			BufferSize: 500,
		},
		Trace: TraceConfig{
			Exporter:     ExporterNone,
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("listener.host", d.Listener.Host)
	v.SetDefault("listener.port_range_start", d.Listener.PortRangeStart)
	v.SetDefault("listener.port_range_end", d.Listener.PortRangeEnd)
	v.SetDefault("listener.shutdown_timeout", d.Listener.ShutdownTimeout)
	v.SetDefault("listener.path", d.Listener.Path)

	v.SetDefault("runner.interpreter", d.Runner.Interpreter)
	v.SetDefault("runner.interpreter_env", d.Runner.InterpreterEnv)
	v.SetDefault("runner.script", d.Runner.Script)
	v.SetDefault("runner.args", d.Runner.Args)
	v.SetDefault("runner.work_dir", d.Runner.WorkDir)
	v.SetDefault("runner.port_flag", d.Runner.PortFlag)
	v.SetDefault("runner.port_env", d.Runner.PortEnv)

	v.SetDefault("session.tombstone_ttl", d.Session.TombstoneTTL)

	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.buffer_size", d.Log.BufferSize)

	v.SetDefault("trace.exporter", d.Trace.Exporter)
	v.SetDefault("trace.otlp_endpoint", d.Trace.OTLPEndpoint)
}

// Setup prepares v for reading: defaults, config file location and
// environment overrides. An empty file searches the working directory and
// the user config directory for testbridge.yaml.
func Setup(v *viper.Viper, file string) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "testbridge"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Read reads the config file if there is one. A missing file is not an error.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	l := c.Listener
	if l.PortRangeStart < 0 || l.PortRangeEnd < 0 || l.PortRangeStart > 65535 || l.PortRangeEnd > 65535 {
		return fmt.Errorf("listener port range %d-%d out of bounds", l.PortRangeStart, l.PortRangeEnd)
	}
	if (l.PortRangeStart == 0) != (l.PortRangeEnd == 0) {
		return fmt.Errorf("listener port range needs both start and end (got %d-%d)", l.PortRangeStart, l.PortRangeEnd)
	}
	if l.PortRangeEnd < l.PortRangeStart {
		return fmt.Errorf("listener port range end %d before start %d", l.PortRangeEnd, l.PortRangeStart)
	}
	if l.Path != "" && !strings.HasPrefix(l.Path, "/") {
		return fmt.Errorf("listener path %q must start with /", l.Path)
	}

	switch c.Trace.Exporter {
	case "", ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unknown trace exporter %q (want none, stdout or otlp)", c.Trace.Exporter)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path.
// It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
