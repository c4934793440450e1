package coap

import "errors"

// Package-level errors.
var (
	// ErrAlreadyStarted is returned when Start() is called on a running endpoint.
	ErrAlreadyStarted = errors.New("coap: endpoint already started")

	// ErrNotStarted is returned when an operation requires a running endpoint.
	ErrNotStarted = errors.New("coap: endpoint not started")

	// ErrAlreadyStopped is returned when Stop() is called on a stopped endpoint.
	ErrAlreadyStopped = errors.New("coap: endpoint already stopped")

	// ErrInvalidConfig is returned when EndpointConfig validation fails.
	ErrInvalidConfig = errors.New("coap: invalid configuration")

	// ErrInvalidPort is returned when Port is out of range.
	ErrInvalidPort = errors.New("coap: port must be 0-65535")

	// ErrReservedPath is returned when registering a handler on /.well-known/core.
	ErrReservedPath = errors.New("coap: path is reserved")
)
