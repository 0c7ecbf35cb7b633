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

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/nabbar/tunnel/internal/certificates"
)

// tlsTransport wraps a *tls.Conn. Vectored writes fall back to sequential
// per-buffer writes: crypto/tls terminates at the record layer and does not
// expose writev, so the plain-transport fast path does not apply once TLS
// is in play (the codec's header+payload split still avoids a payload
// copy, it just costs two Write syscalls at this layer instead of one).
type tlsTransport struct {
	*tls.Conn
}

func (t *tlsTransport) WriteVectored(bufs net.Buffers) (int64, error) {
	var total int64
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := t.Conn.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *tlsTransport) CloseWrite() error {
	return t.Conn.CloseWrite()
}

// DialTLS dials addr and performs a TLS 1.3 handshake using cfg.
func DialTLS(ctx context.Context, network, addr string, cfg *certificates.Config) (Transport, error) {
	tlsCfg, err := cfg.Build(false)
	if err != nil {
		return nil, err
	}
	d := &tls.Dialer{Config: tlsCfg}
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &tlsTransport{Conn: c.(*tls.Conn)}, nil
}

// ListenTLS wraps a net.Listener so Accept returns TLS-terminated
// Transports, honoring optional mTLS per cfg.
func ListenTLS(inner net.Listener, cfg *certificates.Config) (net.Listener, error) {
	tlsCfg, err := cfg.Build(true)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(inner, tlsCfg), nil
}

// WrapAcceptedTLS adapts an accepted *tls.Conn (from a tls.Listener) into a
// Transport.
func WrapAcceptedTLS(c net.Conn) (Transport, error) {
	tc, ok := c.(*tls.Conn)
	if !ok {
		return WrapTCP(c)
	}
	// A handshake timeout bounds a slow/hostile client; Handshake is
	// otherwise performed lazily on first Read/Write.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return &tlsTransport{Conn: tc}, nil
}
