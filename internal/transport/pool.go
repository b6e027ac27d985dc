package transport

import (
	"context"
	"sync"
)

// Pool holds idle connections that an agent in dial-in mode has opened to the server.
// It is the Opener for that agent.
type Pool struct {
	conns chan Conn

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool holding at most size idle connections
func NewPool(size int) *Pool {
	return &Pool{conns: make(chan Conn, size)}
}

// Offer adds an idle connection. It never blocks: when the pool is full or closed the
// connection is closed and Offer returns false.
func (p *Pool) Offer(conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		select {
		case p.conns <- conn:
			return true
		default:
		}
	}
	conn.Close()
	return false
}

// Open takes an idle connection, waiting for the agent to dial in if none is available
func (p *Pool) Open(ctx context.Context) (Conn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Idle returns the number of idle connections
func (p *Pool) Idle() int {
	return len(p.conns)
}

// Close closes every idle connection; later offers are rejected
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
}
