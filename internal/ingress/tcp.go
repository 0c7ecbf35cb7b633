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

package ingress

import (
	"net"

	"github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/priority"
	"github.com/nabbar/tunnel/internal/registry"
	"github.com/nabbar/tunnel/internal/upstream"
)

// TCPIngress implements §6's "Raw TCP ingress on a configured port,
// forwarding bytes verbatim": since a raw TCP connection carries no Host
// header, the tunnel to route to is fixed at construction (the CLI's
// tcp_bind option is paired with a single tunnel_id override, per §3's
// "or CLI-provided override for TCP ingress").
type TCPIngress struct {
	reg      *registry.Registry
	tunnelID string
	log      logger.FuncLog
}

// NewTCPIngress builds a raw-TCP ingress bound to a fixed tunnel_id.
func NewTCPIngress(reg *registry.Registry, tunnelID string, log logger.FuncLog) *TCPIngress {
	return &TCPIngress{reg: reg, tunnelID: tunnelID, log: log}
}

func (t *TCPIngress) logger() logger.Logger { return logger.Resolve(t.log) }

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed by the caller on shutdown), bridging each one to
// a freshly opened TCP stream on the configured tunnel's session.
func (t *TCPIngress) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.handle(conn)
	}
}

func (t *TCPIngress) handle(conn net.Conn) {
	defer conn.Close()

	entry, ok := t.reg.Lookup(t.tunnelID)
	if !ok {
		t.logger().WithField("tunnel_id", t.tunnelID).Warn("tcp ingress: tunnel not registered")
		return
	}
	sess, ok := entry.(sessionEntry)
	if !ok {
		return
	}

	stream, err := sess.Mux().OpenStream(frame.ProtocolTCP, priority.Normal, nil)
	if err != nil {
		t.logger().WithError(err).Warn("tcp ingress: stream refused")
		return
	}
	defer stream.Close()

	outcome := upstream.Bridge(stream, conn)
	if outcome == upstream.Error {
		t.logger().WithError(errors.New(errors.KindTransport, "tcp ingress: bridge ended in error")).Debug("tcp ingress: connection closed")
	}
}
