/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package upstream implements the client-side connection pool of §4.9:
// a per-(host,port) LIFO stack of idle HTTP/1.1 connections, at most one
// shared connection per key for the HTTP/2 case, a 30s eviction sweep
// against idle_timeout, and acquire/release(outcome) checkout semantics.
// Grounded on the pooled-connection-map shape in
// other_examples/6fd7c930_ManuGH-xg2g__internal-proxy-proxy.go.go's
// proxy.Server (registry/idle-conn bookkeeping around a reverse proxy)
// and the per-connection multiplexed-tunnel shape in
// other_examples/8f6804d8_c137req-rprt__internal-relay-tunnel.go.go,
// adapted from "one tunnel per agent" to "one pooled dial per upstream
// host".
package upstream

import (
	"context"
	"net"
	"sync"
	"time"
)

// Key identifies one upstream service by host and port, the pool's
// checkout granularity per §4.9.
type Key struct {
	Host string
	Port int
}

// Outcome is the caller's verdict on a checked-out connection, deciding
// whether release returns it to the idle pool or drops it.
type Outcome uint8

const (
	// Clean: the exchange completed normally; return the connection to
	// the idle pool.
	Clean Outcome = iota
	// Upgraded: the connection was promoted (e.g. to a raw WebSocket
	// byte pipe) and must never be reused as a fresh HTTP/1.1 conn.
	Upgraded
	// Error: the exchange failed; drop the connection rather than risk
	// handing a poisoned stream to the next caller.
	Error
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "clean"
	case Upgraded:
		return "upgraded"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxIdlePerHost = 32
	DefaultIdleTimeout    = 90 * time.Second
	DefaultSweepInterval  = 30 * time.Second
)

// pooled wraps a raw connection with the bookkeeping the pool needs.
type pooled struct {
	net.Conn
	key       Key
	idleSince time.Time
}

// Config tunes the pool's sizing, matching the `pool_*` rows of §6.
type Config struct {
	MaxIdlePerHost int
	IdleTimeout    time.Duration
	PreferH2       bool
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = DefaultMaxIdlePerHost
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Dialer opens a fresh connection to an upstream key; production wiring
// uses net.Dialer.DialContext, tests substitute a net.Pipe-backed stub.
type Dialer func(ctx context.Context, key Key) (net.Conn, error)

// Pool is a per-host connection pool: a LIFO idle stack for HTTP/1.1 and,
// when Config.PreferH2 is set, at most one long-lived shared connection
// per key (tracked in h2; §4.9 caps it at one because HTTP/2 multiplexes
// many logical exchanges onto a single transport connection, unlike
// HTTP/1.1's one-exchange-per-conn model).
type Pool struct {
	cfg  Config
	dial Dialer
	mu   sync.Mutex
	idle map[Key][]*pooled
	h2   map[Key]*pooled

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Pool that dials fresh connections via dial.
func New(cfg Config, dial Dialer) *Pool {
	p := &Pool{
		cfg:  cfg.withDefaults(),
		dial: dial,
		idle: make(map[Key][]*pooled),
		h2:   make(map[Key]*pooled),
		stop: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns the shared H2 connection for key when PreferH2 is set
// and one exists; otherwise it pops the most recently released idle
// connection for key, or dials a new one if none is idle.
func (p *Pool) Acquire(ctx context.Context, key Key) (net.Conn, error) {
	if p.cfg.PreferH2 {
		p.mu.Lock()
		if c, ok := p.h2[key]; ok {
			p.mu.Unlock()
			metricAcquireHit.Inc()
			return c, nil
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	stack := p.idle[key]
	if n := len(stack); n > 0 {
		c := stack[n-1]
		p.idle[key] = stack[:n-1]
		p.mu.Unlock()
		metricAcquireHit.Inc()
		return c, nil
	}
	p.mu.Unlock()

	metricAcquireMiss.Inc()
	raw, err := p.dial(ctx, key)
	if err != nil {
		return nil, err
	}
	c := &pooled{Conn: raw, key: key}

	if p.cfg.PreferH2 {
		p.mu.Lock()
		p.h2[key] = c
		p.mu.Unlock()
	}
	return c, nil
}

// Release returns conn to the pool (Clean), or drops it (Upgraded,
// Error), per §4.9's checkout semantics.
func (p *Pool) Release(key Key, conn net.Conn, outcome Outcome) {
	c, ok := conn.(*pooled)
	if !ok {
		c = &pooled{Conn: conn, key: key}
	}

	if outcome != Clean {
		p.mu.Lock()
		if p.h2[key] == c {
			delete(p.h2, key)
		}
		p.mu.Unlock()
		_ = c.Close()
		return
	}

	if p.cfg.PreferH2 {
		// The shared H2 connection stays checked out forever; Clean here
		// just means "still usable", so leave it in p.h2 untouched.
		p.mu.Lock()
		if _, tracked := p.h2[key]; tracked {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}

	c.idleSince = time.Now()
	p.mu.Lock()
	stack := p.idle[key]
	stack = append(stack, c)
	if len(stack) > p.cfg.MaxIdlePerHost {
		oldest := stack[0]
		stack = stack[1:]
		metricIdleEvicted.Inc()
		go func() { _ = oldest.Close() }()
	}
	p.idle[key] = stack
	p.mu.Unlock()
}

// sweepLoop drops idle connections that have exceeded IdleTimeout,
// every SweepInterval, per §4.9's eviction rule.
func (p *Pool) sweepLoop() {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.sweepOnce(time.Now())
		}
	}
}

func (p *Pool) sweepOnce(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, stack := range p.idle {
		kept := stack[:0]
		for _, c := range stack {
			if now.Sub(c.idleSince) > p.cfg.IdleTimeout {
				metricIdleEvicted.Inc()
				go func(c *pooled) { _ = c.Close() }(c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
}

// Close stops the eviction sweep and drops every pooled connection.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, stack := range p.idle {
		for _, c := range stack {
			_ = c.Close()
		}
	}
	p.idle = make(map[Key][]*pooled)
	for _, c := range p.h2 {
		_ = c.Close()
	}
	p.h2 = make(map[Key]*pooled)
}

// IdleCount reports the number of idle connections pooled for key, for
// observability and tests.
func (p *Pool) IdleCount(key Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}
