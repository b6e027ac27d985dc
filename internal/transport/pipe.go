package transport

import (
	"io"
	"slices"
	"sync"
)

// Pipe returns two in-memory connections, each reading what the other writes
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeConn{in: ba, out: ab, local: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, local: make(chan struct{})}
	a.remote, b.remote = b.local, a.local
	return a, b
}

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	local  chan struct{}
	remote chan struct{}
	once   sync.Once
}

func (c *pipeConn) Read() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.local:
		return nil, ErrClosed
	case <-c.remote:
		// Deliver anything the peer wrote before closing.
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *pipeConn) Write(msg []byte) error {
	select {
	case <-c.local:
		return ErrClosed
	case <-c.remote:
		return ErrClosed
	default:
	}

	select {
	case c.out <- slices.Clone(msg):
		return nil
	case <-c.local:
		return ErrClosed
	case <-c.remote:
		return ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.local) })
	return nil
}
