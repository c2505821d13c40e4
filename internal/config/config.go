// Package config loads the daemon configuration.
//
// Values are layered, each layer overriding the previous one:
//
//  1. built-in defaults
//  2. a config file (--config, $EXECD_CONFIG, or the first config.* found in
//     the config directory), YAML or JSON with comments
//  3. EXECD_* environment variables
//  4. command line flags
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mbrock/execd/internal/dirs"
	"github.com/mbrock/execd/internal/logging"
)

// Environment variables read by Load.
const (
	EnvConfig        = "EXECD_CONFIG"
	EnvPort          = "EXECD_PORT"
	EnvAccessToken   = "EXECD_ACCESS_TOKEN"
	EnvLogLevel      = "EXECD_LOG_LEVEL"
	EnvLogFile       = "EXECD_LOG_FILE"
	EnvGraceShutdown = "EXECD_API_GRACE_SHUTDOWN"
	EnvEnvFile       = "EXECD_ENVS"
)

// Duration is a time.Duration written as "3s", "500ms" etc. in config files.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the full daemon configuration.
type Config struct {
	Port        int    `yaml:"port" json:"port"`
	Listen      string `yaml:"listen" json:"listen"`
	Socket      string `yaml:"socket" json:"socket"`
	AccessToken string `yaml:"access_token" json:"access_token"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	Shell   []string `yaml:"shell" json:"shell"`
	EnvFile string   `yaml:"env_file" json:"env_file"`

	// PingInterval is the idle time after which a stream sends a ping.
	PingInterval Duration `yaml:"ping_interval" json:"ping_interval"`
	// GracefulShutdownTimeout is how long a stream stays open after its
	// terminal event.
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout" json:"graceful_shutdown_timeout"`
	Retention               Duration `yaml:"retention" json:"retention"`
	GCInterval              Duration `yaml:"gc_interval" json:"gc_interval"`
	DrainTimeout            Duration `yaml:"drain_timeout" json:"drain_timeout"`
	KillGrace               Duration `yaml:"kill_grace" json:"kill_grace"`

	Journal bool `yaml:"journal" json:"journal"`
	DBus    bool `yaml:"dbus" json:"dbus"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                    44772,
		LogLevel:                "info",
		Shell:                   []string{"bash", "-c"},
		PingInterval:            Duration(3 * time.Second),
		GracefulShutdownTimeout: Duration(time.Second),
		Retention:               Duration(30 * time.Minute),
		GCInterval:              Duration(time.Minute),
		DrainTimeout:            Duration(2 * time.Second),
		KillGrace:               Duration(3 * time.Second),
	}
}

// Addr is the TCP address to listen on.
func (c *Config) Addr() string {
	return c.Listen + ":" + strconv.Itoa(c.Port)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Socket == "" && (c.Port < 1 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if len(c.Shell) == 0 || c.Shell[0] == "" {
		errs = append(errs, errors.New("shell must name a program"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]Duration{
		"ping_interval": c.PingInterval,
		"gc_interval":   c.GCInterval,
		"drain_timeout": c.DrainTimeout,
		"kill_grace":    c.KillGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative, got %s", c.Retention))
	}
	if c.GracefulShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("graceful_shutdown_timeout must not be negative, got %s", c.GracefulShutdownTimeout))
	}
	return errors.Join(errs...)
}

// LoadFile decodes path over c. The format is chosen by extension.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnv overrides c from EXECD_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvPort, err))
		} else {
			c.Port = port
		}
	}
	if v, ok := lookup(EnvAccessToken); ok && v != "" {
		c.AccessToken = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvLogFile); ok && v != "" {
		c.LogFile = v
	}
	if v, ok := lookup(EnvEnvFile); ok && v != "" {
		c.EnvFile = v
	}
	if v, ok := lookup(EnvGraceShutdown); ok && v != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvGraceShutdown, err))
		} else {
			c.GracefulShutdownTimeout = d
		}
	}
	return errors.Join(errs...)
}

// Load builds the configuration from args (without the program name) and
// the environment. It returns pflag.ErrHelp when --help was given.
func Load(name string, args []string, lookup func(string) (string, bool)) (*Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	def := Default()
	configPath := fs.StringP("config", "c", "", "config file (yaml or json); also $"+EnvConfig)
	port := fs.IntP("port", "p", def.Port, "TCP port to listen on")
	listen := fs.String("listen", def.Listen, "address to bind (empty for all interfaces)")
	socket := fs.String("socket", def.Socket, "listen on this unix socket instead of TCP")
	token := fs.String("access-token", def.AccessToken, "require this token in X-EXECD-ACCESS-TOKEN")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error or 0-7")
	logFile := fs.String("log-file", def.LogFile, "write logs to this file instead of stdout")
	shell := fs.StringSlice("shell", def.Shell, "shell used to run commands")
	envFile := fs.String("env-file", def.EnvFile, "dotenv file merged into every command's environment")
	ping := fs.Duration("ping-interval", time.Duration(def.PingInterval), "idle time before a stream sends a ping")
	grace := fs.Duration("graceful-shutdown-timeout", time.Duration(def.GracefulShutdownTimeout), "delay before closing a finished stream")
	retention := fs.Duration("retention", time.Duration(def.Retention), "how long finished commands stay queryable")
	gcInterval := fs.Duration("gc-interval", time.Duration(def.GCInterval), "how often finished commands are evicted")
	drain := fs.Duration("drain-timeout", time.Duration(def.DrainTimeout), "how long output is read after a command exits")
	killGrace := fs.Duration("kill-grace", time.Duration(def.KillGrace), "time between SIGTERM and SIGKILL on interrupt")
	journal := fs.Bool("journal", def.Journal, "mirror command lifecycle events to the systemd journal")
	dbus := fs.Bool("dbus", def.DBus, "emit a D-Bus signal when a command exits")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		if v, ok := lookup(EnvConfig); ok {
			path = v
		}
	}
	if path == "" {
		path = dirs.DefaultConfigFile()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "listen":
			cfg.Listen = *listen
		case "socket":
			cfg.Socket = *socket
		case "access-token":
			cfg.AccessToken = *token
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-file":
			cfg.LogFile = *logFile
		case "shell":
			cfg.Shell = *shell
		case "env-file":
			cfg.EnvFile = *envFile
		case "ping-interval":
			cfg.PingInterval = Duration(*ping)
		case "graceful-shutdown-timeout":
			cfg.GracefulShutdownTimeout = Duration(*grace)
		case "retention":
			cfg.Retention = Duration(*retention)
		case "gc-interval":
			cfg.GCInterval = Duration(*gcInterval)
		case "drain-timeout":
			cfg.DrainTimeout = Duration(*drain)
		case "kill-grace":
			cfg.KillGrace = Duration(*killGrace)
		case "journal":
			cfg.Journal = *journal
		case "dbus":
			cfg.DBus = *dbus
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
