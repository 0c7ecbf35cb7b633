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

// Package transport provides the reliable, ordered byte pipe the codec and
// batched sender ride on: a plain TCP shape and a TLS 1.3 shape behind one
// capability interface, per §4.2 and the trait-object-not-reflection note
// in §9 ("two implementations (plain, TLS) — use the language's cheapest
// polymorphism here").
package transport

import (
	"net"
	"time"
)

// RecvBufferSize and SendBufferSize are the default enlarged socket buffers
// for plain transports, per §4.2.
const (
	RecvBufferSize = 1 << 20
	SendBufferSize = 1 << 20
)

// Transport is a bidirectional, reliable, ordered byte pipe: a non-blocking
// read half, a vectored write half, half-close, and full-close.
type Transport interface {
	net.Conn

	// WriteVectored submits bufs as a single scatter-gather write where the
	// underlying implementation supports it (plain TCP via net.Buffers);
	// implementations that cannot avoid falls back to sequential writes.
	WriteVectored(bufs net.Buffers) (int64, error)

	// CloseWrite half-closes the write direction without tearing down the
	// read half, used for graceful per-direction FIN semantics.
	CloseWrite() error
}

// tcpTransport wraps a *net.TCPConn with Nagle disabled and enlarged
// buffers, per §4.2 plain transport requirements.
type tcpTransport struct {
	*net.TCPConn
}

func newTCPTransport(c *net.TCPConn) (*tcpTransport, error) {
	if err := c.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if err := c.SetKeepAlivePeriod(30 * time.Second); err != nil {
		return nil, err
	}
	if err := c.SetNoDelay(true); err != nil {
		return nil, err
	}
	if err := c.SetReadBuffer(RecvBufferSize); err != nil {
		return nil, err
	}
	if err := c.SetWriteBuffer(SendBufferSize); err != nil {
		return nil, err
	}
	return &tcpTransport{TCPConn: c}, nil
}

func (t *tcpTransport) WriteVectored(bufs net.Buffers) (int64, error) {
	return bufs.WriteTo(t.TCPConn)
}

func (t *tcpTransport) CloseWrite() error {
	return t.TCPConn.CloseWrite()
}

// WrapTCP adapts an already-accepted/dialed TCP connection into a Transport,
// applying the plain-transport socket options.
func WrapTCP(c net.Conn) (Transport, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		// Not a raw TCP socket (e.g. a test net.Pipe conn): still usable,
		// just without the keepalive/buffer tuning.
		return &genericTransport{Conn: c}, nil
	}
	return newTCPTransport(tc)
}

// genericTransport is the fallback for non-TCP net.Conn implementations
// (used by tests wiring transport over net.Pipe).
type genericTransport struct {
	net.Conn
}

func (g *genericTransport) WriteVectored(bufs net.Buffers) (int64, error) {
	return bufs.WriteTo(g.Conn)
}

func (g *genericTransport) CloseWrite() error {
	if cw, ok := g.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return g.Conn.Close()
}

// Dial connects to addr over TCP and wraps it as a Transport.
func Dial(network, addr string, timeout time.Duration) (Transport, error) {
	c, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	return WrapTCP(c)
}
