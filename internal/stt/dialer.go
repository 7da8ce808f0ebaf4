package stt

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by a Dialer when the provider rejects the key
var ErrUnauthorized = errors.New("stt: provider rejected credentials")

// Emit delivers a transport event to the client's ordered event loop
type Emit func(Event)

// Conn is one established provider connection. It is owned exclusively by
// the Client.
type Conn interface {
	// Write sends one encoded audio buffer
	Write(p []byte) error
	// Finish signals end-of-stream so the provider flushes final results
	Finish() error
	// Close tears the connection down
	Close()
}

// Dialer opens provider connections. Dial returns once the transport is
// established; it never emits Opened (the client does), but emits every
// later event through emit.
type Dialer interface {
	Dial(ctx context.Context, apiKey string, opts LiveOptions, emit Emit) (Conn, error)
}
