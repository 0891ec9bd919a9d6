package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func newListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// hold the conn open; the pool side drives everything
			go func() {
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						_ = c.Close()
						return
					}
				}
			}()
		}
	}()
	return ln
}

func TestPool_Reuse(t *testing.T) {
	ln := newListener(t)
	p := New(ln.Addr().String(), DefaultOptions())
	defer p.CloseIdle()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	local := c1.LocalAddr().String()
	p.Put(c1)

	if got := p.IdleCount(); got != 1 {
		t.Fatalf("idle: got %d, want 1", got)
	}
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2.LocalAddr().String() != local {
		t.Fatalf("want pooled conn %s back, got %s", local, c2.LocalAddr())
	}
	if got := p.IdleCount(); got != 0 {
		t.Fatalf("idle after checkout: got %d, want 0", got)
	}
	p.Put(c2)
}

func TestPool_IdleExpiry(t *testing.T) {
	ln := newListener(t)
	opts := DefaultOptions()
	opts.IdleTimeout = 10 * time.Millisecond
	p := New(ln.Addr().String(), opts)
	defer p.CloseIdle()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	local := c1.LocalAddr().String()
	p.Put(c1)
	time.Sleep(30 * time.Millisecond)

	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2.LocalAddr().String() == local {
		t.Fatalf("expired conn was reused")
	}
	p.Put(c2)
}

func TestPool_BoundedIdle(t *testing.T) {
	ln := newListener(t)
	opts := DefaultOptions()
	opts.MaxIdle = 2
	p := New(ln.Addr().String(), opts)
	defer p.CloseIdle()

	var conns []*Conn
	for i := 0; i < 4; i++ {
		c, err := p.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Put(c)
	}
	if got := p.IdleCount(); got != 2 {
		t.Fatalf("idle: got %d, want bound of 2", got)
	}
}

func TestPool_ConcurrentCheckoutsDistinct(t *testing.T) {
	ln := newListener(t)
	p := New(ln.Addr().String(), DefaultOptions())
	defer p.CloseIdle()

	const n = 16
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	conns := make(chan *Conn, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Get(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if seen[c.LocalAddr().String()] {
				t.Errorf("conn %s handed out twice", c.LocalAddr())
			}
			seen[c.LocalAddr().String()] = true
			mu.Unlock()
			conns <- c
		}()
	}
	wg.Wait()
	close(conns)
	for c := range conns {
		p.Put(c)
	}
}

func TestPool_Health(t *testing.T) {
	ln := newListener(t)
	addr := ln.Addr().String()

	p := New(addr, DefaultOptions())
	if !p.Up() {
		t.Fatal("undialed pool should report up")
	}
	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !p.Up() {
		t.Fatal("successful dial should report up")
	}
	p.Put(c)
	p.CloseIdle()
	_ = ln.Close()

	p2 := New(addr, DefaultOptions())
	if _, err := p2.Get(context.Background()); err == nil {
		t.Fatal("dial to closed listener should fail")
	}
	if p2.Up() {
		t.Fatal("failed dial should report down")
	}
}
