package types

import "errors"

// Terminal, client-visible dispatch error kinds. These classify why a
// ClientRequest's stream ended without delivering every requested chunk.
var (
	ErrOutOfRange   = errors.New("out of range")
	ErrNoWorkers    = errors.New("no eligible workers")
	ErrNoAllocation = errors.New("no allocation available")
	ErrExhausted    = errors.New("retries exhausted")
	ErrBadRequest   = errors.New("bad request")
	ErrNoData       = errors.New("no data")
)

// Startup-fatal error kinds.
var (
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrNotRegistered = errors.New("gateway not registered")
	ErrTransportFatal = errors.New("transport unavailable")
)

// Transport-level transient conditions.
var (
	ErrQueueFull = errors.New("transport queue full")
)
