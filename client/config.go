package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/ua"
)

// InactivityHandler is invoked when a connectivity probe times out.
//
// Note: the handler is invoked on the goroutine running the iteration. It must not call RunIterate.
type InactivityHandler func(c *Client)

// Config represents the configuration of a Client.
type Config struct {
	mu sync.RWMutex

	// requestTimeout is the default timeout of asynchronous calls and connectivity probes.
	// Zero means calls never time out.
	// Defaults to 5 seconds.
	requestTimeout time.Duration

	// connectivityCheckInterval is the interval between connectivity probes.
	// Zero disables probing.
	// Defaults to 0.
	connectivityCheckInterval time.Duration

	// inactivityHandler is invoked when a connectivity probe times out.
	inactivityHandler InactivityHandler

	// workerExecution runs timer callbacks and deferred reclamation on a dedicated worker goroutine.
	// Defaults to false.
	workerExecution bool

	// closeTimeout bounds how long Close waits for the worker to finish queued jobs.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	subscription ua.SubscriptionCollaborator
	clock        ua.Clock
	logger       logger.Logger
}

// NewConfig creates a client configuration with default values and applies opts.
//
// Returns the configuration and the first error reported by an option.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		requestTimeout: 5 * time.Second,
		closeTimeout:   3 * time.Second,
		clock:          ua.SystemClock{},
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// RequestTimeout returns the default call timeout.
func (cfg *Config) RequestTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.requestTimeout
}

// ConnectivityCheckInterval returns the probe interval, zero if probing is disabled.
func (cfg *Config) ConnectivityCheckInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectivityCheckInterval
}

// InactivityHandler returns the handler invoked when the server stops answering, nil if none is set.
func (cfg *Config) InactivityHandler() InactivityHandler {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.inactivityHandler
}

// WorkerExecution returns if callbacks and deferred release actions run on the worker goroutine.
func (cfg *Config) WorkerExecution() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.workerExecution
}

// CloseTimeout returns how long Close waits for queued worker jobs.
func (cfg *Config) CloseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.closeTimeout
}

// Subscription returns the subscription collaborator, nil if none is set.
func (cfg *Config) Subscription() ua.SubscriptionCollaborator {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.subscription
}

// Clock returns the clock used for deadlines and timer scheduling.
func (cfg *Config) Clock() ua.Clock {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.clock
}

// Logger returns the client logger.
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
	runtime   bool
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

func newOptFunc(name string, runtime bool, f func(*Config) error) *optFunc {
	return &optFunc{name: name, runtime: runtime, applyFunc: f}
}

// WithRequestTimeout sets the default timeout of asynchronous calls and connectivity probes.
// An error is returned if the timeout is outside the valid range [0, 10 minutes].
// Zero disables call timeouts.
//
// The default value is 5 seconds.
//
// This option can be changed at runtime.
func WithRequestTimeout(val time.Duration) Option {
	return newOptFunc("WithRequestTimeout", true, func(cfg *Config) error {
		if val < 0 || val > 10*time.Minute {
			return errors.New("request timeout out of range [0, 10m]")
		}
		cfg.requestTimeout = val

		return nil
	})
}

// WithConnectivityCheckInterval sets the interval between connectivity probes.
// Zero disables probing. An error is returned if the interval is negative.
//
// The default value is 0.
//
// This option can be changed at runtime.
func WithConnectivityCheckInterval(val time.Duration) Option {
	return newOptFunc("WithConnectivityCheckInterval", true, func(cfg *Config) error {
		if val < 0 {
			return errors.New("connectivity check interval must not be negative")
		}
		cfg.connectivityCheckInterval = val

		return nil
	})
}

// WithInactivityHandler sets the handler invoked when a connectivity probe times out.
//
// This option can be changed at runtime.
func WithInactivityHandler(handler InactivityHandler) Option {
	return newOptFunc("WithInactivityHandler", true, func(cfg *Config) error {
		cfg.inactivityHandler = handler
		return nil
	})
}

// WithWorkerExecution runs timer callbacks and deferred reclamation on a dedicated worker goroutine
// instead of the goroutine calling RunIterate.
//
// This option can't be changed at runtime.
func WithWorkerExecution(val bool) Option {
	return newOptFunc("WithWorkerExecution", false, func(cfg *Config) error {
		cfg.workerExecution = val
		return nil
	})
}

// WithCloseTimeout sets how long Close waits for queued worker jobs.
// An error is returned if the timeout is outside the valid range (100ms-30 seconds).
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithCloseTimeout(val time.Duration) Option {
	return newOptFunc("WithCloseTimeout", true, func(cfg *Config) error {
		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("close timeout out of range [100ms, 30s]")
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithSubscription sets the subscription collaborator driven by the run loop.
//
// This option can't be changed at runtime.
func WithSubscription(sub ua.SubscriptionCollaborator) Option {
	return newOptFunc("WithSubscription", false, func(cfg *Config) error {
		cfg.subscription = sub
		return nil
	})
}

// WithClock sets the clock used for deadlines, timers and probe cadence.
// The clock must be monotonic.
//
// This option can't be changed at runtime.
func WithClock(clock ua.Clock) Option {
	return newOptFunc("WithClock", false, func(cfg *Config) error {
		if clock == nil {
			return errors.New("clock is nil")
		}
		cfg.clock = clock

		return nil
	})
}

// WithLogger sets the logger.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", false, func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

func applyRuntimeOptions(cfg *Config, opts ...Option) error {
	for _, opt := range opts {
		o, ok := opt.(*optFunc)
		if !ok {
			return errors.New("invalid Option type")
		}
		if !o.runtime {
			return fmt.Errorf("option %s can't be changed at runtime", o.name)
		}
		if err := o.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}
