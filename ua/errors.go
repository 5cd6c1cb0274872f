package ua

import (
	"errors"
	"fmt"
)

// Run loop error kinds. Collaborator failures are wrapped with one of these so callers
// can classify them with errors.Is.
var (
	// ErrTransport indicates that sending or receiving through the transport failed.
	ErrTransport = errors.New("transport error")

	// ErrTimeout indicates that a request deadline elapsed with no matching response.
	ErrTimeout = errors.New("request timeout")

	// ErrProtocol indicates a malformed or out-of-sequence frame.
	ErrProtocol = errors.New("protocol error")

	// ErrChannelRenewalFailed indicates that the secure channel could not be renewed.
	ErrChannelRenewalFailed = errors.New("secure channel renewal failed")

	// ErrConnectionAdvanceFailed indicates that connection establishment failed in this iteration.
	ErrConnectionAdvanceFailed = errors.New("connection advance failed")
)

var (
	// ErrReceiveTimeout is returned by a Transport when no frame arrived within the receive budget.
	// The run loop treats it as an idle iteration, not a failure.
	ErrReceiveTimeout = errors.New("no data received within budget")

	// ErrNotConnected indicates that the transport has no open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrCancelled is delivered to a request handler cancelled through the client API.
	ErrCancelled = errors.New("request cancelled")

	// ErrSessionClosed is delivered to request handlers still pending when the session was lost.
	ErrSessionClosed = errors.New("session closed")

	// ErrClientClosed is delivered to request handlers still pending when the client was closed.
	ErrClientClosed = errors.New("client closed")

	// ErrReentrantIterate is returned when the run loop is entered while an iteration is in progress.
	ErrReentrantIterate = errors.New("run iteration is not reentrant")

	// ErrConfigNil indicates that a nil configuration was provided.
	ErrConfigNil = errors.New("config is nil")
)

// StatusOf maps an error delivered to a request handler to the closest status code.
func StatusOf(err error) StatusCode {
	switch {
	case err == nil:
		return StatusGood
	case errors.Is(err, ErrTimeout):
		return StatusBadTimeout
	case errors.Is(err, ErrCancelled):
		return StatusBadRequestCancelledByClient
	case errors.Is(err, ErrSessionClosed):
		return StatusBadSessionClosed
	case errors.Is(err, ErrClientClosed):
		return StatusBadShutdown
	case errors.Is(err, ErrProtocol):
		return StatusBadDecodingError
	case errors.Is(err, ErrTransport), errors.Is(err, ErrNotConnected):
		return StatusBadCommunicationError
	default:
		return StatusBadUnexpectedError
	}
}

// Wrap joins err with the run loop error kind, keeping both visible to errors.Is.
// It returns nil if err is nil and err unchanged if it already matches kind.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}

	return fmt.Errorf("%w: %w", kind, err)
}
