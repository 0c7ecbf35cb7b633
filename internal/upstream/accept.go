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

package upstream

import (
	"context"
	"io"
)

// AcceptableStream is the subset of *mux.Stream the client-side proxy
// loop needs: a duplex byte pipe carrying one raw HTTP/1.1 exchange (or,
// after a WebSocket 101, raw application bytes), an identifying ID for
// logging, and a close to release it back to the multiplexer.
// Expressed as an interface rather than importing package mux directly,
// the same import-cycle-avoidance shape internal/registry and
// internal/ingress already use for their own cross-package handles.
type AcceptableStream interface {
	io.ReadWriteCloser
	ID() uint32
}

// StreamSource is satisfied by *mux.Mux: block until the next inbound
// stream request arrives, or return an error once the owning session
// is torn down.
type StreamSource interface {
	AcceptStream() (AcceptableStream, error)
}

// Target resolves the local upstream (host, port) a stream should be
// proxied to. In production this is constant (one local_addr per
// client process); tests may vary it.
type Target func(s AcceptableStream) Key

// Proxy implements §4.9's "for each accepted stream, acquire a
// connection, drive the exchange, and bridge bytes": it owns a Pool and
// repeatedly calls AcceptStream, spawning one bridging goroutine per
// stream so a slow upstream exchange never blocks the next accept.
type Proxy struct {
	pool   *Pool
	target Target
	log    func(format string, args ...interface{})
}

// NewProxy builds a Proxy that dials via pool and resolves every
// accepted stream to target.
func NewProxy(pool *Pool, target Target) *Proxy {
	return &Proxy{pool: pool, target: target}
}

// WithLogf installs an optional sink for per-stream bridge errors.
func (p *Proxy) WithLogf(fn func(format string, args ...interface{})) *Proxy {
	p.log = fn
	return p
}

func (p *Proxy) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log(format, args...)
	}
}

// Run accepts streams from src until it returns an error (session
// torn down or context cancelled upstream), bridging each one to the
// pooled upstream connection resolved by p.target.
func (p *Proxy) Run(src StreamSource) error {
	for {
		s, err := src.AcceptStream()
		if err != nil {
			return err
		}
		go p.serve(s)
	}
}

func (p *Proxy) serve(s AcceptableStream) {
	defer s.Close()

	key := p.target(s)
	conn, err := p.pool.Acquire(context.Background(), key)
	if err != nil {
		p.logf("upstream: dial %v failed for stream %d: %v", key, s.ID(), err)
		return
	}

	outcome := Bridge(s, conn)
	p.pool.Release(key, conn, outcome)
}
