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

// Package ingress implements the public-facing half of §4.8: accept
// HTTP/1.1 and HTTP/2 (gin handles protocol negotiation transparently,
// including h2c/ALPN), resolve the target session from the Host header,
// run the plugin chain, open a stream, and relay the request/response
// as raw HTTP bytes over that stream. WebSocket upgrades are detected
// and handed off to a bidirectional byte-copy once the 101 round-trips.
// Grounded on nabbar-golib's httpserver package hosting a gin.Engine
// (that package's own source wasn't retrieved, only tests and its
// config shape, so the router wiring below follows gin's own idiomatic
// handler-registration pattern) and on the io.Copy bidirectional bridge
// in other_examples/b6f79368_ForTunnels-client__internal-dataplane-tcp.go.go.
package ingress

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/mux"
	"github.com/nabbar/tunnel/internal/plugin"
	"github.com/nabbar/tunnel/internal/priority"
	"github.com/nabbar/tunnel/internal/registry"
)

// sessionEntry is the subset of *session.Session the ingress needs.
// Expressed as an interface (rather than importing package session
// directly) to mirror registry.Entry's own import-cycle avoidance: the
// ingress looks up a registry.Entry and type-asserts it to this shape.
type sessionEntry interface {
	Mux() *mux.Mux
}

// DefaultOpenStreamTimeout is not consulted by the handler: how long a
// request waits for its stream to be accepted or refused is bounded by the
// session multiplexer's own open timeout, after which the ingress answers
// 502.
const DefaultOpenStreamTimeout = 10 * time.Second

// Config tunes the ingress router.
type Config struct {
	// GinMode is passed to gin.SetMode; empty defaults to gin.ReleaseMode
	// so the teacher's own demo/debug banners don't leak into production
	// logs.
	GinMode string
}

// Ingress is the HTTP(S) front door: one gin.Engine wired to a session
// Registry and an optional plugin Chain.
type Ingress struct {
	cfg    Config
	reg    *registry.Registry
	hooks  *plugin.Chain
	log    logger.FuncLog
	engine *gin.Engine
}

// Option customizes an Ingress at construction time.
type Option func(*Ingress)

// WithHooks installs the plugin chain invoked around every proxied
// request; a nil or empty chain is a no-op pass-through.
func WithHooks(c *plugin.Chain) Option {
	return func(i *Ingress) { i.hooks = c }
}

// WithLogger installs a structured logger accessor.
func WithLogger(fn logger.FuncLog) Option {
	return func(i *Ingress) { i.log = fn }
}

// New builds an Ingress backed by reg for tunnel resolution.
func New(cfg Config, reg *registry.Registry, opts ...Option) *Ingress {
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	gin.SetMode(cfg.GinMode)

	i := &Ingress{
		cfg:   cfg,
		reg:   reg,
		hooks: plugin.NewChain(),
	}
	for _, o := range opts {
		o(i)
	}

	e := gin.New()
	e.Use(gin.Recovery())
	e.NoRoute(i.handle)
	i.engine = e
	return i
}

// Handler returns the http.Handler to pass to an http.Server (or
// http2.Server for cleartext h2c).
func (i *Ingress) Handler() http.Handler { return i.engine }

func (i *Ingress) logger() logger.Logger { return logger.Resolve(i.log) }

// resolveTunnelID derives tunnel_id from the Host header per §4.8 step
// 2: whole value, lowercase, port stripped.
func resolveTunnelID(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (i *Ingress) handle(c *gin.Context) {
	tunnelID := resolveTunnelID(c.Request.Host)

	entry, ok := i.reg.Lookup(tunnelID)
	if !ok {
		c.Data(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Tunnel not found"))
		return
	}
	sess, ok := entry.(sessionEntry)
	if !ok {
		c.Data(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Tunnel not found"))
		return
	}

	head := plugin.RequestHead{
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		Header:     c.Request.Header,
		RemoteAddr: c.Request.RemoteAddr,
		TunnelID:   tunnelID,
	}
	ctx := plugin.NewContext(c.Request.Context())

	if a := i.hooks.OnRequest(head, ctx); !a.IsContinue() {
		writeAction(c, a)
		return
	}

	proto := requestProtocol(c.Request)

	stream, err := sess.Mux().OpenStream(proto, priority.Normal, map[string]string{"host": c.Request.Host})
	if err != nil {
		c.Data(http.StatusBadGateway, "text/plain; charset=utf-8", []byte("Bad Gateway"))
		return
	}
	defer stream.Close()

	if proto == frame.ProtocolWebSocket {
		i.bridgeWebSocket(c, stream, ctx)
		return
	}

	i.proxyHTTP(c, stream, ctx)
}

func writeAction(c *gin.Context, a plugin.Action) {
	for k, vs := range a.Header() {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Data(a.Status(), "", a.Body())
}

// requestProtocol classifies an incoming request for the OpenStream
// call: WebSocket upgrade requests take priority over the HTTP
// major version, since an upgrade request is always HTTP/1.1 on the
// wire but logically a different application protocol.
func requestProtocol(r *http.Request) frame.Protocol {
	if isWebSocketUpgrade(r) {
		return frame.ProtocolWebSocket
	}
	if r.ProtoMajor >= 2 {
		return frame.ProtocolHTTP2
	}
	return frame.ProtocolHTTP1
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// proxyHTTP implements §4.8 steps 5-8 for ordinary (non-WebSocket)
// requests: serialize the request as HTTP/1.1 wire bytes onto the
// stream (the body is streamed by http.Request.Write's own
// io.Copy-based body writer, never buffered whole), then parse the
// response frames back into an *http.Response and stream its body to
// the public client.
func (i *Ingress) proxyHTTP(c *gin.Context, stream *mux.Stream, ctx *plugin.Context) {
	req := c.Request.Clone(c.Request.Context())
	req.RequestURI = "" // http.Request.Write refuses to serialize client requests with RequestURI set

	if err := req.Write(stream); err != nil {
		i.logger().WithError(err).Warn("ingress: failed writing request preamble to stream")
		c.Status(http.StatusBadGateway)
		return
	}
	if err := stream.CloseWrite(); err != nil {
		i.logger().WithError(err).Debug("ingress: stream close-write after request body")
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	if err != nil {
		i.logger().WithError(err).Warn("ingress: failed reading response preamble from stream")
		c.Status(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respHead := plugin.ResponseHead{Status: resp.StatusCode, Header: resp.Header}
	if a := i.hooks.OnResponse(respHead, ctx); !a.IsContinue() {
		writeAction(c, a)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}
