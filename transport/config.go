package transport

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// Config represents the configuration of a TCP transport.
type Config struct {
	mu sync.RWMutex

	// host is the host of the server.
	host string

	// port is the TCP port of the server.
	port int

	// connectTimeout bounds one dial attempt. It should be between 1ms and 30 seconds.
	// Defaults to 3 seconds.
	connectTimeout time.Duration

	// frameTimeout bounds reading the rest of a frame once its length arrived.
	// It should be between 1ms and 120 seconds.
	// Defaults to 5 seconds.
	frameTimeout time.Duration

	// writeTimeout bounds writing one frame. It should be between 1ms and 120 seconds.
	// Defaults to 5 seconds.
	writeTimeout time.Duration

	// maxFrameSize is the largest accepted value of the frame length field.
	// Defaults to 16 MiB.
	maxFrameSize uint32

	logger logger.Logger
}

// NewConfig creates a transport configuration for host and port and applies opts.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		connectTimeout: 3 * time.Second,
		frameTimeout:   5 * time.Second,
		writeTimeout:   5 * time.Second,
		maxFrameSize:   DefaultMaxFrameSize,
		logger:         logger.GetLogger(),
	}

	if err := withHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Address returns the host:port address of the server.
func (cfg *Config) Address() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

func (cfg *Config) ConnectTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectTimeout
}

func (cfg *Config) FrameTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.frameTimeout
}

func (cfg *Config) WriteTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.writeTimeout
}

func (cfg *Config) MaxFrameSize() uint32 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxFrameSize
}

func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ua.ErrConfigNil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	return o.applyFunc(cfg)
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

func withHost(host string) Option {
	return newOptFunc("withHost", func(cfg *Config) error {
		if host == "" {
			return errors.New("host is empty")
		}
		cfg.host = host

		return nil
	})
}

func withPort(port int) Option {
	return newOptFunc("withPort", func(cfg *Config) error {
		if port < 1 || port > 65535 {
			return errors.New("port out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

func durationInRange(name string, val, lower, upper time.Duration) error {
	if val < lower || val > upper {
		return errors.New(name + " out of range [" + lower.String() + ", " + upper.String() + "]")
	}

	return nil
}

// WithConnectTimeout sets the timeout of one dial attempt.
// An error is returned if the timeout is outside the valid range (1ms-30 seconds).
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) Option {
	return newOptFunc("WithConnectTimeout", func(cfg *Config) error {
		if err := durationInRange("connect timeout", val, time.Millisecond, 30*time.Second); err != nil {
			return err
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithFrameTimeout sets the timeout of reading the rest of a frame once its length arrived.
// An error is returned if the timeout is outside the valid range (1ms-120 seconds).
//
// The default value is 5 seconds.
func WithFrameTimeout(val time.Duration) Option {
	return newOptFunc("WithFrameTimeout", func(cfg *Config) error {
		if err := durationInRange("frame timeout", val, time.Millisecond, 120*time.Second); err != nil {
			return err
		}
		cfg.frameTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the timeout of writing one frame.
// An error is returned if the timeout is outside the valid range (1ms-120 seconds).
//
// The default value is 5 seconds.
func WithWriteTimeout(val time.Duration) Option {
	return newOptFunc("WithWriteTimeout", func(cfg *Config) error {
		if err := durationInRange("write timeout", val, time.Millisecond, 120*time.Second); err != nil {
			return err
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithMaxFrameSize sets the largest accepted frame length.
// An error is returned if size is smaller than a frame header or larger than 1 GiB.
//
// The default value is 16 MiB.
func WithMaxFrameSize(size uint32) Option {
	return newOptFunc("WithMaxFrameSize", func(cfg *Config) error {
		if size < MinFrameSize || size > 1<<30 {
			return errors.New("max frame size out of range")
		}
		cfg.maxFrameSize = size

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
