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
	"bufio"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nabbar/tunnel/internal/mux"
	"github.com/nabbar/tunnel/internal/plugin"
	"github.com/nabbar/tunnel/internal/upstream"
)

// bridgeWebSocket implements §4.8's WebSocket upgrade contract: the
// upgrade request and its 101 response round-trip through the stream
// exactly like an ordinary request/response, but once the 101 is
// relayed back to the public client, the ingress switches to raw
// bidirectional byte-copy (upstream.Bridge) and stops interpreting
// either side's framing. Neither side of the tunnel ever constructs or
// parses a WebSocket frame itself — the real local WebSocket server
// the client dials does that, over bytes forwarded verbatim.
func (i *Ingress) bridgeWebSocket(c *gin.Context, stream *mux.Stream, ctx *plugin.Context) {
	req := c.Request.Clone(c.Request.Context())
	req.RequestURI = ""

	if err := req.Write(stream); err != nil {
		i.logger().WithError(err).Warn("ingress: failed writing websocket upgrade request to stream")
		c.Status(http.StatusBadGateway)
		return
	}

	hijacker, ok := c.Writer.(http.Hijacker)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		i.logger().WithError(err).Warn("ingress: failed hijacking connection for websocket upgrade")
		return
	}
	defer conn.Close()

	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	if err != nil {
		i.logger().WithError(err).Warn("ingress: failed reading websocket upgrade response from stream")
		return
	}
	defer resp.Body.Close()

	respHead := plugin.ResponseHead{Status: resp.StatusCode, Header: resp.Header}
	if a := i.hooks.OnResponse(respHead, ctx); !a.IsContinue() {
		writeRawAction(conn, a)
		return
	}

	if err := resp.Write(conn); err != nil {
		i.logger().WithError(err).Warn("ingress: failed relaying websocket upgrade response to client")
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	// Replay any bytes the stdlib server already buffered from the public
	// socket before the hijack (normally none for an upgrade request with
	// no body, but draining keeps this correct regardless).
	if bufrw != nil {
		if n := bufrw.Reader.Buffered(); n > 0 {
			buf := make([]byte, n)
			_, _ = io.ReadFull(bufrw.Reader, buf)
			_, _ = stream.Write(buf)
		}
	}

	outcome := upstream.Bridge(stream, conn)
	i.logger().WithField("outcome", outcome).Debug("ingress: websocket bridge ended")
}

func writeRawAction(conn io.Writer, a plugin.Action) {
	status := a.Status()
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, vs := range a.Header() {
		for _, v := range vs {
			fmt.Fprintf(conn, "%s: %s\r\n", k, v)
		}
	}
	body := a.Body()
	fmt.Fprintf(conn, "Content-Length: %d\r\n\r\n", len(body))
	_, _ = conn.Write(body)
}
