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

// Package client implements the dialing half of §4.7: connect, run the
// handshake (proposing the configured tunnel_id), Register, then hand a
// live Session to the caller. Run additionally layers §4.11's
// reconnect policy over repeated dial attempts, grounded on the
// EnsureSession retry wrapper in
// other_examples/b6f79368_ForTunnels-client__internal-dataplane-tcp.go.go
// the way internal/reconnect itself is.
package client

import (
	"context"
	"time"

	"github.com/nabbar/tunnel/internal/certificates"
	"github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/limits"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/reconnect"
	"github.com/nabbar/tunnel/internal/session"
	"github.com/nabbar/tunnel/internal/transport"
	"github.com/nabbar/tunnel/internal/tunnel"
)

// Config is the client's dial-side configuration, matching the
// `server_addr`/`tunnel_id`/`token`/`tls_*`/reconnect rows of §6.
type Config struct {
	ServerAddr       string
	TLS              *certificates.Config // nil => plaintext
	Token            string
	TunnelID         string
	Protocols        []frame.Protocol
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	HeartbeatTimeout time.Duration
	Limits           limits.Config
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = tunnel.DefaultHandshakeTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = session.DefaultHeartbeatTimeout
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []frame.Protocol{frame.ProtocolHTTP1, frame.ProtocolHTTP2, frame.ProtocolTCP}
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

// Client dials the control-plane endpoint and maintains a session,
// reconnecting with full-jitter backoff on loss.
type Client struct {
	cfg Config
	log logger.FuncLog
	rp  *reconnect.Policy
}

// Option configures a Client at construction.
type Option func(*Client)

func WithLogger(fn logger.FuncLog) Option {
	return func(c *Client) { c.log = fn }
}

func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg: cfg,
		rp:  reconnect.New(cfg.ReconnectBase, cfg.ReconnectMax),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) logger() logger.Logger { return logger.Resolve(c.log) }

// Connect performs one dial-handshake-register attempt and returns the
// resulting Session without running it.
func (c *Client) Connect(ctx context.Context) (*session.Session, error) {
	var (
		tr  transport.Transport
		err error
	)
	if c.cfg.TLS.Enabled() {
		tr, err = transport.DialTLS(ctx, "tcp", c.cfg.ServerAddr, c.cfg.TLS)
	} else {
		tr, err = transport.Dial("tcp", c.cfg.ServerAddr, c.cfg.DialTimeout)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, "tunnel/client: dial", err).WithScope(errors.ScopeProcess)
	}

	sess, err := c.handshake(tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Client) handshake(tr transport.Transport) (*session.Session, error) {
	codec := frame.NewCodec(0)
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = tr.SetDeadline(deadline)
	defer tr.SetDeadline(time.Time{})

	buf, err := codec.Encode(frame.Handshake{
		MinVer:           tunnel.MinSupportedVersion,
		MaxVer:           tunnel.MaxSupportedVersion,
		TokenHash:        tunnel.HashToken(c.cfg.Token),
		ProposedTunnelID: c.cfg.TunnelID,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/client: encode handshake", err)
	}
	if _, err := tr.Write(buf); err != nil {
		return nil, errors.Wrap(errors.KindTransport, "tunnel/client: write handshake", err)
	}

	f, err := codec.ReadFrame(tr)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/client: read handshake ack", err)
	}
	ack, ok := f.(frame.HandshakeAck)
	if !ok {
		return nil, errors.New(errors.KindProtocol, "tunnel/client: expected HandshakeAck frame")
	}
	switch ack.Status {
	case frame.HandshakeOk:
	case frame.HandshakeVersionMismatch:
		return nil, errors.New(errors.KindProtocol, "tunnel/client: server rejected protocol version").WithScope(errors.ScopeProcess)
	case frame.HandshakeUnauthorized:
		return nil, errors.New(errors.KindAuthentication, "tunnel/client: token rejected").WithScope(errors.ScopeProcess)
	case frame.HandshakeBusy:
		return nil, errors.New(errors.KindCapacity, "tunnel/client: server at max_sessions").WithScope(errors.ScopeProcess)
	default:
		return nil, errors.New(errors.KindProtocol, "tunnel/client: unknown handshake status")
	}

	regBuf, err := codec.Encode(frame.Register{TunnelID: c.cfg.TunnelID, Protocols: c.cfg.Protocols})
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/client: encode register", err)
	}
	if _, err := tr.Write(regBuf); err != nil {
		return nil, errors.Wrap(errors.KindTransport, "tunnel/client: write register", err)
	}

	rf, err := codec.ReadFrame(tr)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "tunnel/client: read register ack", err)
	}
	rack, ok := rf.(frame.RegisterAck)
	if !ok {
		return nil, errors.New(errors.KindProtocol, "tunnel/client: expected RegisterAck frame")
	}
	if rack.Status != frame.RegisterOk {
		return nil, errors.New(errors.KindConfiguration, "tunnel/client: register refused").WithScope(errors.ScopeProcess)
	}

	sess := session.New(tr, false, nil,
		session.WithHeartbeat(session.DefaultHeartbeatInterval, c.cfg.HeartbeatTimeout),
		session.WithLogger(c.log),
		session.WithStreamLimit(c.cfg.Limits.MaxStreamsPerSession),
		session.WithInflightLimit(c.cfg.Limits.MaxInflightFrames),
	)
	sess.AssignTunnel(c.cfg.TunnelID)
	return sess, nil
}

// Run dials, registers, and drives the session until ctx is cancelled,
// reconnecting with the configured backoff policy whenever the session
// ends early. onSession is invoked with each new live Session before
// Run blocks on it, so the upstream-bridging layer can attach its
// AcceptStream loop. Run returns only when ctx is cancelled.
func (c *Client) Run(ctx context.Context, onSession func(*session.Session)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		sess, err := c.Connect(ctx)
		if err != nil {
			c.logger().WithError(err).Warn("tunnel/client: connect failed, backing off")
			if !c.sleepBackoff(ctx) {
				return ctx.Err()
			}
			continue
		}

		if onSession != nil {
			onSession(sess)
		}

		runErr := sess.Run(ctx)
		if time.Since(start) >= reconnect.StableResetAfter {
			c.rp.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger().WithError(runErr).Info("tunnel/client: session ended, reconnecting")
		if !c.sleepBackoff(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context) bool {
	d := c.rp.Next()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
