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

// Package session owns one connected peer's lifecycle: identity, the
// heartbeat clock, the multiplexer, and the teardown cascade (§4.5). The
// Run-blocks-until-context-or-fatal-error shape, with an atomically
// observable state, is grounded on nabbar-golib's runner/startStop
// idiom (that package's own source was not part of the retrieved
// material, only its tests, so the dispatch/keepalive internals below
// are grounded on smux's recvLoop/keepalive pair instead — see
// DESIGN.md). The frame read loop and heartbeat supervision are
// grounded directly on xtaci/smux's Session.recvLoop and keepalive
// goroutines.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nabbar/tunnel/internal/batch"
	"github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/limits"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/mux"
	"github.com/nabbar/tunnel/internal/priority"
	"github.com/nabbar/tunnel/internal/registry"
	"github.com/nabbar/tunnel/internal/transport"
)

// State is a position in the §4.5 lifecycle lattice.
type State uint8

const (
	Connecting State = iota
	Authenticating
	Registered
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Registered:
		return "registered"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultHeartbeatInterval is how often the server side emits a
	// Heartbeat, per §4.5.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is how long the server waits for a
	// HeartbeatAck before declaring the session dead, per §4.5.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultGrace bounds the batched sender's drain on teardown, per
	// §4.5's teardown cascade.
	DefaultGrace = 500 * time.Millisecond
)

// Counters holds the per-session observability counters named in §3,
// mirrored into Prometheus (metrics.go) under the session's id.
type Counters struct {
	sessionID string

	BytesIn         int64
	BytesOut        int64
	OpenStreams     int64
	HighWaterStream int64
}

func (c *Counters) addIn(n int) {
	atomic.AddInt64(&c.BytesIn, int64(n))
	metricBytesIn.WithLabelValues(c.sessionID).Add(float64(n))
}

func (c *Counters) addOut(n int) {
	atomic.AddInt64(&c.BytesOut, int64(n))
	metricBytesOut.WithLabelValues(c.sessionID).Add(float64(n))
}

// addStream adjusts OpenStreams by delta and advances HighWaterStream
// when the new total is a new peak, per §3.
func (c *Counters) addStream(delta int) {
	open := atomic.AddInt64(&c.OpenStreams, int64(delta))
	metricOpenStreams.WithLabelValues(c.sessionID).Set(float64(open))

	for {
		hw := atomic.LoadInt64(&c.HighWaterStream)
		if open <= hw {
			break
		}
		if atomic.CompareAndSwapInt64(&c.HighWaterStream, hw, open) {
			metricHighWaterStreams.WithLabelValues(c.sessionID).Set(float64(open))
			break
		}
	}
}

// Session is one connected peer: its transport, multiplexer, batched
// sender, heartbeat clock and lifecycle state.
type Session struct {
	id       string
	tunnelID atomic.Value // string
	peer     string
	start    time.Time

	isServer bool
	tr       transport.Transport
	sender   *batch.Sender
	mux      *mux.Mux
	codec    *frame.Codec
	reg      *registry.Registry
	log      logger.FuncLog

	protoVersion atomic.Uint32

	state atomic.Uint32 // State

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	grace             time.Duration

	// maxStreams/maxInflight configure this session's StreamAdmitter and
	// InflightGuard (§4.12/C12). maxStreams only gates this side's own
	// OpenStream calls (server-allocated ids); the accept side's cap is
	// the same StreamAdmitter, consulted by whoever calls Mux().Accept.
	maxStreams     int64
	maxInflight    int64
	streamAdmitter *limits.StreamAdmitter
	inflight       *limits.InflightGuard

	// ratePolicy is the optional token-bucket layer §4.12 describes as
	// "layered above" the hard caps above; nil (the default) disables it.
	ratePolicy *limits.RatePolicy

	hbPending atomic.Bool
	hbSent    atomic.Int64 // unix nanos of last Heartbeat sent

	counters Counters

	closeOnce    sync.Once
	closed       chan struct{}
	closeErr     atomic.Value // error
	teardownOnce sync.Once
}

// Option configures a Session at construction.
type Option func(*Session)

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Session) {
		s.heartbeatInterval = interval
		s.heartbeatTimeout = timeout
	}
}

func WithGrace(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

func WithLogger(fn logger.FuncLog) Option {
	return func(s *Session) { s.log = fn }
}

// WithStreamLimit caps concurrently open streams on this session
// (§4.12/C12's max_streams_per_session). max <= 0 keeps the package
// default, DefaultMaxStreamsPerSession.
func WithStreamLimit(max int64) Option {
	return func(s *Session) {
		if max > 0 {
			s.maxStreams = max
		}
	}
}

// WithInflightLimit caps frames queued-but-unflushed on this session
// before it is torn down as overloaded (§4.12/§7). max <= 0 keeps the
// package default, DefaultMaxInflightFrames.
func WithInflightLimit(max int64) Option {
	return func(s *Session) { s.maxInflight = max }
}

// WithRatePolicy layers an optional streams/sec and bytes/sec ceiling on
// top of the hard caps (§4.12). A nil policy (the default) disables it.
func WithRatePolicy(p *limits.RatePolicy) Option {
	return func(s *Session) { s.ratePolicy = p }
}

// New wires a Session around an established transport. isServer governs
// heartbeat initiation (server-initiated, per §4.5) and stream-ID
// allocation (server allocates, per §3).
func New(tr transport.Transport, isServer bool, reg *registry.Registry, opts ...Option) *Session {
	s := &Session{
		id:                uuid.NewString(),
		peer:              tr.RemoteAddr().String(),
		start:             time.Now(),
		isServer:          isServer,
		tr:                tr,
		codec:             frame.NewCodec(0),
		reg:               reg,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		grace:             DefaultGrace,
		maxStreams:        limits.DefaultMaxStreamsPerSession,
		maxInflight:       limits.DefaultMaxInflightFrames,
		closed:            make(chan struct{}),
	}
	s.counters.sessionID = s.id
	s.tunnelID.Store("")
	for _, o := range opts {
		o(s)
	}

	s.streamAdmitter = limits.NewStreamAdmitter(s.maxStreams)
	s.inflight = limits.NewInflightGuard(s.maxInflight)

	s.sender = batch.New(tr, batch.DefaultQueueBound, batch.DefaultBatchMax,
		batch.WithInflightAccounting(s.inflight.Enqueued, s.inflight.Flushed, s.onOverload),
	)
	s.mux = mux.New(s.sender, isServer,
		mux.WithOutboundByteCounter(s.counters.addOut),
		mux.WithStreamCountCallback(s.counters.addStream),
		mux.WithMaxStreams(s.maxStreams),
		mux.WithStreamRateLimiter(s.ratePolicy.AllowStream),
		mux.WithByteRateLimiter(s.ratePolicy.AllowBytes),
	)
	s.setState(Connecting)
	return s
}

// StreamAdmitter exposes this session's accept-side stream admission gate
// (§4.12/C12), consulted by whoever calls Mux().Accept for a stream this
// side did not itself open.
func (s *Session) StreamAdmitter() *limits.StreamAdmitter { return s.streamAdmitter }

// onOverload tears the session down once InflightGuard reports the
// max_inflight_frames ceiling has been crossed (§4.12/§7 Overload).
func (s *Session) onOverload() {
	s.Shutdown(errors.New(errors.KindOverload, "session: max_inflight_frames exceeded").WithScope(errors.ScopeSession))
}

// ID is this session's identifier (distinct from the routing tunnel_id).
func (s *Session) ID() string { return s.id }

// TunnelID implements registry.Entry.
func (s *Session) TunnelID() string {
	v, _ := s.tunnelID.Load().(string)
	return v
}

// Mux exposes the session's multiplexer to the tunnel/ingress layers.
func (s *Session) Mux() *mux.Mux { return s.mux }

// State reports the session's current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
	s.logger().WithField("state", st.String()).Debug("session: state transition")
}

func (s *Session) logger() logger.Logger {
	return logger.Resolve(s.log)
}

// Run drives the session's frame-read loop until ctx is cancelled, a
// fatal protocol/transport error occurs, or Shutdown is called. It
// blocks, the same shape as the teacher's runner/startStop Start(ctx).
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	if s.isServer {
		go s.heartbeatLoop(ctx)
	}

	// ReadFrame blocks on the transport; ctx cancellation or Shutdown
	// only take effect between frames unless something closes the
	// transport to unblock an in-flight read, so a watcher does that.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		case <-watchDone:
			return
		}
		_ = s.tr.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return s.loadCloseErr()
		default:
		}

		f, err := s.codec.ReadFrame(s.tr)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return s.fatal(errors.Wrap(errors.KindTransport, "session: read frame", err))
		}

		if err := s.handle(f); err != nil {
			return s.fatal(err)
		}
	}
}

func (s *Session) handle(f frame.Frame) error {
	switch v := f.(type) {
	case frame.Heartbeat:
		return s.sender.Enqueue(s.encode(frame.HeartbeatAck{Timestamp: v.Timestamp}, priority.Critical))
	case frame.HeartbeatAck:
		s.hbPending.Store(false)
		if s.State() == Registered {
			s.setState(Active)
		}
		return nil
	case frame.ErrorFrame:
		return errors.New(errors.KindProtocol, fmt.Sprintf("session: peer error %d: %s", v.Code, v.Message))
	case frame.Data:
		s.counters.addIn(len(v.Payload))
		return s.mux.Dispatch(f)
	default:
		return s.mux.Dispatch(f)
	}
}

// AssignTunnel records the tunnel_id this session registered under and
// transitions Authenticating -> Registered. Called by the tunnel/server
// handshake handler once RegisterAck(Ok) has been sent.
func (s *Session) AssignTunnel(tunnelID string) {
	s.tunnelID.Store(tunnelID)
	s.setState(Registered)
}

// Drain transitions the session into Draining (§4.5's local-shutdown-
// request transition). It only records the state: streams are still
// opened and accepted, and the batched sender is not flushed ahead of its
// normal schedule.
func (s *Session) Drain() {
	s.setState(Draining)
}

// Shutdown tears the session down: resets every stream, drains the
// sender within the session's grace period, closes the transport and
// deregisters from reg. Idempotent, and safe to call even if Run was
// never started (e.g. a session that fails handshake before reaching
// Run still gets its sender/mux goroutines torn down).
func (s *Session) Shutdown(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil {
			s.closeErr.Store(cause)
		}
		close(s.closed)
	})
	s.teardown()
}

func (s *Session) fatal(err error) error {
	s.Shutdown(err)
	return err
}

func (s *Session) loadCloseErr() error {
	e, _ := s.closeErr.Load().(error)
	return e
}

// teardown runs the actual cleanup cascade exactly once, whether reached
// via Run's defer or directly from Shutdown for a session that never
// started running.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(Closed)
		s.mux.Shutdown()
		s.sender.Shutdown(s.grace)
		_ = s.tr.Close()
		if s.reg != nil && s.TunnelID() != "" {
			s.reg.Deregister(s.TunnelID(), s)
		}
		deleteMetrics(s.id)
	})
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-t.C:
			if s.hbPending.Load() {
				// Prior heartbeat was never acknowledged within the
				// timeout window checked below; this tick fires again
				// only because the ticker period is shorter than the
				// timeout in typical configurations, so treat a still-
				// pending beat past its deadline as a dead session.
				if time.Since(time.Unix(0, s.hbSent.Load())) > s.heartbeatTimeout {
					s.Shutdown(errors.New(errors.KindTimeout, "session: heartbeat timeout").WithScope(errors.ScopeSession))
					return
				}
				continue
			}
			s.hbPending.Store(true)
			ts := time.Now().UnixNano()
			s.hbSent.Store(ts)
			if err := s.sender.Enqueue(s.encode(frame.Heartbeat{Timestamp: ts}, priority.Critical)); err != nil {
				s.Shutdown(errors.Wrap(errors.KindTransport, "session: heartbeat enqueue", err))
				return
			}
		}
	}
}

// Counters exposes the session's observability counters.
func (s *Session) Counters() *Counters { return &s.counters }

// encode splits a control frame into a batch.Request, flushing
// immediately since every frame this method sends (heartbeats and their
// acks) is latency-sensitive.
func (s *Session) encode(f frame.Frame, class priority.Class) batch.Request {
	hdr, payload, err := s.codec.EncodeHeader(f)
	if err != nil {
		return batch.Request{Priority: class}
	}
	return batch.Request{Header: hdr, Payload: payload, Priority: class, Flush: true}
}
