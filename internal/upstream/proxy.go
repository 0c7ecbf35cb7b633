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
	"io"
	"net"
)

// Bridge glues peer (a multiplexed stream from the ingress side) to
// conn (a pooled upstream connection) with a bidirectional byte copy,
// never re-interpreting either side's framing — the §4.8 WebSocket
// upgrade contract and, equally, how an HTTP/1.1 or HTTP/2 exchange's
// bytes already carry their own framing that the ingress layer
// assembled or will parse. It returns once both copy directions have
// ended. When peer's input ends, conn is half-closed only if conn itself
// has a CloseWrite method (connections handed out by Pool do not expose
// one); otherwise conn is not told, and Bridge keeps waiting for conn to
// close. One side closing does not close the other. Bridge reports the
// Outcome the caller should pass to Pool.Release.
func Bridge(peer io.ReadWriter, conn net.Conn) Outcome {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(conn, peer)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- err
	}()
	go func() {
		_, err := io.Copy(peer, conn)
		done <- err
	}()

	err1 := <-done
	err2 := <-done

	if (err1 != nil && err1 != io.EOF) || (err2 != nil && err2 != io.EOF) {
		return Error
	}
	return Clean
}
