// Package pool keeps reusable TCP connections to a single upstream target.
// Checkouts are exclusive: a connection handed to one caller is out of the
// pool until it is put back or discarded.
package pool

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// Options tunes a pool.
type Options struct {
	DialTimeout time.Duration
	MaxIdle     int           // parked connections kept for reuse
	IdleTimeout time.Duration // parked longer than this are closed at checkout
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout: 5 * time.Second,
		MaxIdle:     32,
		IdleTimeout: 90 * time.Second,
	}
}

// Conn is a pooled connection with its read buffer. The buffer travels with
// the connection so bytes buffered past one response stay with it.
type Conn struct {
	net.Conn
	br       *bufio.Reader
	parkedAt time.Time
}

// Reader returns the buffered read side of the connection.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// Pool owns the idle connections for one target.
type Pool struct {
	target string
	opts   Options

	mu     sync.Mutex
	idle   []*Conn // LIFO
	up     bool
	dialed bool // health is meaningless before the first dial attempt
	closed bool
}

func New(target string, opts Options) *Pool {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions().DialTimeout
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultOptions().MaxIdle
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	return &Pool{target: target, opts: opts}
}

func (p *Pool) Target() string { return p.target }

// Get checks out a connection: the most recently parked live one, or a fresh
// dial. The caller owns it until Put or Close.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if c := p.popIdle(); c != nil {
		return c, nil
	}

	d := net.Dialer{Timeout: p.opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", p.target)

	p.mu.Lock()
	p.dialed = true
	p.up = err == nil
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &Conn{Conn: nc, br: bufio.NewReader(nc)}, nil
}

func (p *Pool) popIdle() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(c.parkedAt) > p.opts.IdleTimeout {
			_ = c.Conn.Close()
			continue
		}
		return c
	}
	return nil
}

// Put parks a connection for reuse. Only call it after a complete response
// cycle on a healthy connection; anything in an indeterminate state must be
// closed instead. Over-capacity connections are closed.
func (p *Pool) Put(c *Conn) {
	_ = c.Conn.SetDeadline(time.Time{})
	c.parkedAt = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.opts.MaxIdle {
		_ = c.Conn.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// Up reports target health: false only after a failed connection attempt
// without a later success. Connection outcomes are the only writers.
func (p *Pool) Up() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dialed || p.up
}

// IdleCount returns the number of parked connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// CloseIdle closes every parked connection and stops accepting new ones.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.Conn.Close()
	}
}
