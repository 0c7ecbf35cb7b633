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

// Package server implements the control-plane half of §4.7: bind one
// listener, and for every accepted transport run the handshake, check
// the token in constant time, process Register, insert the session into
// the registry, and hand it off to Run. Grounded on the accept-loop/
// per-connection-goroutine shape used throughout nabbar-golib's
// httpserver package (its own source wasn't retrieved, only tests, so
// this follows the same net.Listener.Accept-in-a-loop idiom any
// idiomatic Go TCP server uses, generalized to the tunnel's own
// handshake instead of an HTTP server's request loop).
package server

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/nabbar/tunnel/internal/certificates"
	"github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/limits"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/registry"
	"github.com/nabbar/tunnel/internal/session"
	"github.com/nabbar/tunnel/internal/transport"
	"github.com/nabbar/tunnel/internal/tunnel"
)

// Config is the control-plane endpoint's configuration, matching the
// `server_bind`/`token`/`tls_*`/limits/heartbeat rows of §6's CLI
// surface table.
type Config struct {
	Bind             string
	TLS              *certificates.Config // nil => plaintext control plane
	Token            string
	HandshakeTimeout time.Duration
	Limits           limits.Config
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = tunnel.DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = session.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = session.DefaultHeartbeatTimeout
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

// Server accepts control-plane connections and turns each into a
// registered Session.
type Server struct {
	cfg       Config
	tokenHash []byte
	reg       *registry.Registry
	admit     *limits.SessionAdmitter
	log       logger.FuncLog

	onSession func(*session.Session)
}

// Option configures a Server at construction.
type Option func(*Server)

func WithLogger(fn logger.FuncLog) Option {
	return func(s *Server) { s.log = fn }
}

// WithSessionHook registers a callback invoked once a session has
// completed Register and is handed off to Run — the ingress/upstream
// wiring layer uses this to attach its AcceptStream loop.
func WithSessionHook(fn func(*session.Session)) Option {
	return func(s *Server) { s.onSession = fn }
}

// New builds a Server around reg, the process-wide tunnel_id registry.
func New(cfg Config, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		tokenHash: tunnel.HashToken(cfg.Token),
		reg:       reg,
		admit:     limits.NewSessionAdmitter(cfg.Limits.WithDefaults().MaxSessions),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) logger() logger.Logger { return logger.Resolve(s.log) }

// Serve binds the configured listener and accepts connections until ctx
// is cancelled, spawning one goroutine per accepted transport.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return errors.Wrap(errors.KindConfiguration, "tunnel/server: listen", err).WithScope(errors.ScopeProcess)
	}
	if s.cfg.TLS.Enabled() {
		tln, err := transport.ListenTLS(ln, s.cfg.TLS)
		if err != nil {
			_ = ln.Close()
			return errors.Wrap(errors.KindConfiguration, "tunnel/server: tls listen", err).WithScope(errors.ScopeProcess)
		}
		ln = tln
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(errors.KindTransport, "tunnel/server: accept", err).WithScope(errors.ScopeProcess)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	var (
		tr  transport.Transport
		err error
	)
	if s.cfg.TLS.Enabled() {
		tr, err = transport.WrapAcceptedTLS(raw)
	} else {
		tr, err = transport.WrapTCP(raw)
	}
	if err != nil {
		s.logger().WithError(err).Warn("tunnel/server: transport setup failed")
		_ = raw.Close()
		return
	}

	release, admitErr := s.admit.TryAdmit()
	if admitErr != nil {
		s.writeAck(tr, frame.HandshakeAck{Status: frame.HandshakeBusy})
		_ = tr.Close()
		return
	}
	defer release()

	sess, err := s.handshake(tr)
	if err != nil {
		s.logger().WithError(err).Debug("tunnel/server: handshake failed")
		_ = tr.Close()
		return
	}

	if s.onSession != nil {
		s.onSession(sess)
	}
	if err := sess.Run(ctx); err != nil {
		s.logger().WithError(err).WithField("session", sess.ID()).Debug("tunnel/server: session ended")
	}
}

func (s *Server) writeAck(tr transport.Transport, ack frame.HandshakeAck) {
	codec := frame.NewCodec(0)
	buf, err := codec.Encode(ack)
	if err != nil {
		return
	}
	_ = tr.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, _ = tr.Write(buf)
}

// handshake drives the server half of §4.7's wire exchange and, once
// Register succeeds, returns a Session that has already been inserted
// into the registry under its claimed tunnel_id.
func (s *Server) handshake(tr transport.Transport) (*session.Session, error) {
	codec := frame.NewCodec(0)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = tr.SetDeadline(deadline)
	defer tr.SetDeadline(time.Time{})

	f, err := codec.ReadFrame(tr)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/server: read handshake", err)
	}
	hs, ok := f.(frame.Handshake)
	if !ok {
		return nil, errors.New(errors.KindProtocol, "tunnel/server: expected Handshake frame")
	}

	if len(hs.TokenHash) > tunnel.MaxTokenHashLen || !tunnel.TokensEqual(hs.TokenHash, s.tokenHash) {
		s.writeAck(tr, frame.HandshakeAck{Status: frame.HandshakeUnauthorized})
		return nil, errors.New(errors.KindAuthentication, "tunnel/server: token rejected").WithScope(errors.ScopeSession)
	}

	chosen, ok := tunnel.NegotiateVersion(hs.MinVer, hs.MaxVer, tunnel.MinSupportedVersion, tunnel.MaxSupportedVersion)
	if !ok {
		s.writeAck(tr, frame.HandshakeAck{Status: frame.HandshakeVersionMismatch})
		return nil, errors.New(errors.KindProtocol, "tunnel/server: version mismatch").WithScope(errors.ScopeSession)
	}

	sessionID := uuid.NewString()
	ackBuf, err := codec.Encode(frame.HandshakeAck{ChosenVer: chosen, Status: frame.HandshakeOk, SessionID: sessionID})
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/server: encode handshake ack", err)
	}
	if _, err := tr.Write(ackBuf); err != nil {
		return nil, errors.Wrap(errors.KindTransport, "tunnel/server: write handshake ack", err)
	}

	rf, err := codec.ReadFrame(tr)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/server: read register", err)
	}
	reg, ok := rf.(frame.Register)
	if !ok {
		return nil, errors.New(errors.KindProtocol, "tunnel/server: expected Register frame")
	}

	sess := session.New(tr, true, s.reg,
		session.WithHeartbeat(s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout),
		session.WithLogger(s.log),
		session.WithStreamLimit(s.cfg.Limits.MaxStreamsPerSession),
		session.WithInflightLimit(s.cfg.Limits.MaxInflightFrames),
	)

	if status := s.reg.Register(reg.TunnelID, sess); status == registry.Conflict {
		ackBuf, _ := codec.Encode(frame.RegisterAck{Status: frame.RegisterConflict})
		_, _ = tr.Write(ackBuf)
		// sess's sender/mux goroutines are already running; it never
		// reaches Run, so Shutdown must be called directly or they leak.
		sess.Shutdown(errors.New(errors.KindConfiguration, "tunnel/server: tunnel_id already registered").WithScope(errors.ScopeSession))
		return nil, errors.New(errors.KindConfiguration, "tunnel/server: tunnel_id already registered").WithScope(errors.ScopeSession)
	}
	sess.AssignTunnel(reg.TunnelID)

	ackBuf, err = codec.Encode(frame.RegisterAck{Status: frame.RegisterOk})
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/server: encode register ack", err)
	}
	if _, err := tr.Write(ackBuf); err != nil {
		return nil, errors.Wrap(errors.KindTransport, "tunnel/server: write register ack", err)
	}

	return sess, nil
}
