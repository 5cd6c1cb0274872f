// Package config loads the command line client configuration from YAML or TOML files
// and converts it into the option lists of the transport, session and client packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-uaclient/client"
	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/session"
	"github.com/arloliu/go-uaclient/transport"
)

// Format is a configuration file format.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

func (f Format) String() string {
	if f == FormatTOML {
		return "toml"
	}

	return "yaml"
}

// DetectFormat determines the format from the file extension. Unknown extensions are read as YAML.
func DetectFormat(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}

	return FormatYAML
}

// Duration wraps time.Duration so it can be written as "5s" in either format.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))

	return err
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the complete configuration of the command line client.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Client  ClientConfig  `yaml:"client" toml:"client"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// ServerConfig holds the server address and transport settings.
type ServerConfig struct {
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	FrameTimeout   Duration `yaml:"frame_timeout" toml:"frame_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout" toml:"write_timeout"`
	MaxFrameSize   uint32   `yaml:"max_frame_size" toml:"max_frame_size"`
}

// SessionConfig holds the secure channel and session settings.
type SessionConfig struct {
	HandshakePollBudget   Duration `yaml:"handshake_poll_budget" toml:"handshake_poll_budget"`
	HandshakeTimeout      Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	ChannelLifetime       Duration `yaml:"channel_lifetime" toml:"channel_lifetime"`
	ReconnectInitialDelay Duration `yaml:"reconnect_initial_delay" toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     Duration `yaml:"reconnect_max_delay" toml:"reconnect_max_delay"`
}

// ClientConfig holds the run loop settings.
type ClientConfig struct {
	IterationBudget           Duration `yaml:"iteration_budget" toml:"iteration_budget"`
	RequestTimeout            Duration `yaml:"request_timeout" toml:"request_timeout"`
	ConnectivityCheckInterval Duration `yaml:"connectivity_check_interval" toml:"connectivity_check_interval"`
	CloseTimeout              Duration `yaml:"close_timeout" toml:"close_timeout"`
	WorkerExecution           bool     `yaml:"worker_execution" toml:"worker_execution"`
	StatusInterval            Duration `yaml:"status_interval" toml:"status_interval"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Level   string `yaml:"level" toml:"level"`
	Console bool   `yaml:"console" toml:"console"`
}

// Default returns the configuration used for values missing from a file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           4840,
			ConnectTimeout: Duration{3 * time.Second},
			FrameTimeout:   Duration{5 * time.Second},
			WriteTimeout:   Duration{5 * time.Second},
			MaxFrameSize:   transport.DefaultMaxFrameSize,
		},
		Session: SessionConfig{
			HandshakePollBudget:   Duration{50 * time.Millisecond},
			HandshakeTimeout:      Duration{10 * time.Second},
			ChannelLifetime:       Duration{time.Hour},
			ReconnectInitialDelay: Duration{time.Second},
			ReconnectMaxDelay:     Duration{30 * time.Second},
		},
		Client: ClientConfig{
			IterationBudget:           Duration{100 * time.Millisecond},
			RequestTimeout:            Duration{5 * time.Second},
			ConnectivityCheckInterval: Duration{10 * time.Second},
			CloseTimeout:              Duration{3 * time.Second},
			StatusInterval:            Duration{30 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults and validates the result.
// The format is chosen by the file extension.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data, DetectFormat(path))
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	cfg.Server.Host = os.ExpandEnv(cfg.Server.Host)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values that the option constructors cannot check on their own.
// Range checks of individual settings are left to the options.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Host == "" {
		errs = append(errs, errors.New("server.host is empty"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range [1, 65535]", c.Server.Port))
	}
	if c.Client.IterationBudget.Duration <= 0 {
		errs = append(errs, errors.New("client.iteration_budget must be positive"))
	}
	if c.Client.StatusInterval.Duration < 0 {
		errs = append(errs, errors.New("client.status_interval must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logger.Level {
	lvl, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.InfoLevel
	}

	return lvl
}

// NewTransportConfig creates the transport configuration.
func (c *Config) NewTransportConfig(l logger.Logger) (*transport.Config, error) {
	return transport.NewConfig(c.Server.Host, c.Server.Port,
		transport.WithConnectTimeout(c.Server.ConnectTimeout.Duration),
		transport.WithFrameTimeout(c.Server.FrameTimeout.Duration),
		transport.WithWriteTimeout(c.Server.WriteTimeout.Duration),
		transport.WithMaxFrameSize(c.Server.MaxFrameSize),
		transport.WithLogger(l),
	)
}

// NewSessionConfig creates the connector configuration.
func (c *Config) NewSessionConfig(l logger.Logger) (*session.Config, error) {
	return session.NewConfig(
		session.WithHandshakePollBudget(c.Session.HandshakePollBudget.Duration),
		session.WithHandshakeTimeout(c.Session.HandshakeTimeout.Duration),
		session.WithChannelLifetime(c.Session.ChannelLifetime.Duration),
		session.WithReconnectBackoff(c.Session.ReconnectInitialDelay.Duration, c.Session.ReconnectMaxDelay.Duration),
		session.WithLogger(l),
	)
}

// ClientOptions returns the client options; extra options are appended after them.
func (c *Config) ClientOptions(l logger.Logger, extra ...client.Option) []client.Option {
	opts := []client.Option{
		client.WithRequestTimeout(c.Client.RequestTimeout.Duration),
		client.WithConnectivityCheckInterval(c.Client.ConnectivityCheckInterval.Duration),
		client.WithCloseTimeout(c.Client.CloseTimeout.Duration),
		client.WithWorkerExecution(c.Client.WorkerExecution),
		client.WithLogger(l),
	}

	return append(opts, extra...)
}
