// Package transport provides the duplex message connections between the server and build
// agents. A connection carries one protocol session; messages are opaque byte slices
// delivered whole and in order.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a connection closed locally
var ErrClosed = errors.New("transport: connection closed")

// Conn is a message-oriented duplex connection. Read returns io.EOF once the peer has closed
// the connection normally and every message it sent has been read. Close may be called
// concurrently with Read and Write and unblocks them.
type Conn interface {
	Read() ([]byte, error)
	Write(msg []byte) error
	Close() error
}

// Opener opens a new connection to one agent
type Opener interface {
	Open(ctx context.Context) (Conn, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context) (Conn, error)

// Open calls f(ctx)
func (f OpenerFunc) Open(ctx context.Context) (Conn, error) {
	return f(ctx)
}
