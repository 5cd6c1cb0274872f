package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// Config represents the configuration of a Connector.
type Config struct {
	mu sync.RWMutex

	// handshakePollBudget bounds how long one Advance call waits for a handshake response.
	// Defaults to 50 milliseconds.
	handshakePollBudget time.Duration

	// handshakeTimeout bounds the whole channel and session handshake, and each token renewal.
	// Defaults to 10 seconds.
	handshakeTimeout time.Duration

	// channelLifetime is the secure channel token lifetime requested from the server.
	// Defaults to 1 hour.
	channelLifetime time.Duration

	// reconnectInitialDelay and reconnectMaxDelay bound the delay between connection attempts.
	// Default to 1 second and 30 seconds.
	reconnectInitialDelay time.Duration
	reconnectMaxDelay     time.Duration

	clock  ua.Clock
	logger logger.Logger
}

// NewConfig creates a connector configuration with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		handshakePollBudget:   50 * time.Millisecond,
		handshakeTimeout:      10 * time.Second,
		channelLifetime:       time.Hour,
		reconnectInitialDelay: time.Second,
		reconnectMaxDelay:     30 * time.Second,
		clock:                 ua.SystemClock{},
		logger:                logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func (cfg *Config) HandshakePollBudget() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.handshakePollBudget
}

func (cfg *Config) HandshakeTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.handshakeTimeout
}

func (cfg *Config) ChannelLifetime() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.channelLifetime
}

// ReconnectBackoff returns the initial and the maximum delay between connection attempts.
func (cfg *Config) ReconnectBackoff() (time.Duration, time.Duration) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.reconnectInitialDelay, cfg.reconnectMaxDelay
}

func (cfg *Config) Clock() ua.Clock {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.clock
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

	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}

	return nil
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithHandshakePollBudget sets how long one Advance call waits for a handshake response.
// An error is returned if the budget is outside the valid range (1ms-10 seconds).
//
// The default value is 50 milliseconds.
func WithHandshakePollBudget(val time.Duration) Option {
	return newOptFunc("WithHandshakePollBudget", func(cfg *Config) error {
		if val < time.Millisecond || val > 10*time.Second {
			return errors.New("handshake poll budget out of range [1ms, 10s]")
		}
		cfg.handshakePollBudget = val

		return nil
	})
}

// WithHandshakeTimeout sets the deadline of the connection handshake and of each token renewal.
// An error is returned if the timeout is outside the valid range (10ms-5 minutes).
//
// The default value is 10 seconds.
func WithHandshakeTimeout(val time.Duration) Option {
	return newOptFunc("WithHandshakeTimeout", func(cfg *Config) error {
		if val < 10*time.Millisecond || val > 5*time.Minute {
			return errors.New("handshake timeout out of range [10ms, 5m]")
		}
		cfg.handshakeTimeout = val

		return nil
	})
}

// WithChannelLifetime sets the requested secure channel token lifetime.
// The token is renewed when 75% of the lifetime granted by the server elapsed.
// An error is returned if the lifetime is outside the valid range (1 second-24 hours).
//
// The default value is 1 hour.
func WithChannelLifetime(val time.Duration) Option {
	return newOptFunc("WithChannelLifetime", func(cfg *Config) error {
		if val < time.Second || val > 24*time.Hour {
			return errors.New("channel lifetime out of range [1s, 24h]")
		}
		cfg.channelLifetime = val

		return nil
	})
}

// WithReconnectBackoff sets the delay between connection attempts. The delay starts at initial,
// doubles after each failed attempt up to maxDelay, and is randomised by ±25%.
//
// The default values are 1 second and 30 seconds.
func WithReconnectBackoff(initial, maxDelay time.Duration) Option {
	return newOptFunc("WithReconnectBackoff", func(cfg *Config) error {
		if initial <= 0 {
			return errors.New("initial delay must be positive")
		}
		if maxDelay < initial {
			return errors.New("max delay is smaller than initial delay")
		}
		cfg.reconnectInitialDelay = initial
		cfg.reconnectMaxDelay = maxDelay

		return nil
	})
}

// WithClock sets the clock used for handshake deadlines, renewal and reconnect scheduling.
func WithClock(clock ua.Clock) Option {
	return newOptFunc("WithClock", func(cfg *Config) error {
		if clock == nil {
			return errors.New("clock is nil")
		}
		cfg.clock = clock

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
