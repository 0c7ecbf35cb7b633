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

// Package mux implements the stream multiplexer (§4.4): a
// stream_id -> Stream map guarded by a sync.RWMutex, ID allocation,
// inbound frame dispatch (each inbound frame looks its stream up in that
// map; no cache of recently used streams is kept), and a parked-push
// backpressure policy for
// full per-stream queues (the dispatcher blocks rather than drops, so
// delivery stays lossless at the cost of stalling the session's other
// streams until the slow one drains). Grounded on xtaci/smux's session
// dispatch loop (other_examples smux session.go), generalized from
// smux's two-class (control/data) priority to the engine's four-class
// scheme and from smux's single queue-per-stream io.Reader-backed ring
// buffer to the spec's explicit bounded-channel-per-direction model.
package mux

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/tunnel/internal/batch"
	tunerr "github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/priority"
)

// codec is the package-wide frame codec instance used to split outgoing
// frames into header/payload iovecs for the batched sender. Stateless
// aside from its configured size ceiling, so sharing one instance across
// every Mux is safe.
var codec = frame.NewCodec(0)

// DefaultAcceptBacklog bounds the accept channel for inbound OpenStream
// requests, mirroring smux's defaultAcceptBacklog sizing rationale
// (bound the backlog so a slow acceptor applies backpressure instead of
// unbounded memory growth).
const DefaultAcceptBacklog = 1024

// idAllocator issues new stream IDs; only the server side allocates them
// (§3 invariant: "allocated by the server").
type idAllocator struct{ next uint32 }

func (a *idAllocator) nextID() uint32 {
	return atomic.AddUint32(&a.next, 1)
}

// openWaiter tracks an in-flight open_stream awaiting its StreamAck.
type openWaiter struct {
	result chan openResult
}

type openResult struct {
	stream *Stream
	err    error
}

// Mux owns the stream table for one session's lifetime.
type Mux struct {
	sender *batch.Sender
	isServer bool

	alloc idAllocator

	mu      sync.RWMutex
	streams map[uint32]*Stream
	waiters map[uint32]*openWaiter

	accept chan *Stream

	openTimeout  time.Duration
	maxStreams   int64 // 0 = unbounded
	onDataOut    func(n int)
	onStreamOpen func(delta int)
	allowStream  func() bool
	allowBytes   func(n int) bool

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Mux at construction.
type Option func(*Mux)

// WithOpenTimeout overrides the default open_stream StreamAck wait (5s,
// per §4.4).
func WithOpenTimeout(d time.Duration) Option {
	return func(m *Mux) { m.openTimeout = d }
}

// WithOutboundByteCounter registers a callback invoked with the payload
// size of every outgoing Data frame, letting the owning session keep its
// BytesOut counter (§3) without the multiplexer depending on the
// session package.
func WithOutboundByteCounter(fn func(n int)) Option {
	return func(m *Mux) { m.onDataOut = fn }
}

// WithStreamCountCallback registers a callback invoked with +1 every
// time a stream is admitted to the stream table (inbound Accept or a
// successful outbound OpenStream) and -1 every time one is removed,
// letting the owning session track OpenStreams/HighWaterStream (§3)
// without the multiplexer depending on the session package.
func WithStreamCountCallback(fn func(delta int)) Option {
	return func(m *Mux) { m.onStreamOpen = fn }
}

// WithMaxStreams caps the number of concurrently open streams this Mux
// will allocate via OpenStream (§4.12's max_streams_per_session, gated
// on the allocating/server side before a wire round trip is even
// attempted). A max <= 0 leaves OpenStream unbounded; the accept side of
// the cap is enforced independently by a limits.StreamAdmitter the
// caller of Accept owns (see cmd/tunnel's sessionStreamSource).
func WithMaxStreams(max int64) Option {
	return func(m *Mux) { m.maxStreams = max }
}

// WithStreamRateLimiter wires an optional streams/sec ceiling (§4.12's
// "layered above" RatePolicy) into OpenStream: allow is consulted after
// the hard max_streams_per_session check passes and, if it reports false,
// OpenStream fails the same way as hitting the hard cap.
func WithStreamRateLimiter(allow func() bool) Option {
	return func(m *Mux) { m.allowStream = allow }
}

// WithByteRateLimiter wires an optional bytes/sec ceiling into outbound
// Data framing: allow is consulted with the payload size before each
// Write-driven sendData, and a false report fails the write with a
// Capacity error rather than silently throttling.
func WithByteRateLimiter(allow func(n int) bool) Option {
	return func(m *Mux) { m.allowBytes = allow }
}

func (m *Mux) countStream(delta int) {
	if m.onStreamOpen != nil {
		m.onStreamOpen(delta)
	}
}

// New constructs a Mux bound to sender for outgoing writes. isServer
// controls whether this side allocates stream IDs (server allocates,
// per §3).
func New(sender *batch.Sender, isServer bool, opts ...Option) *Mux {
	m := &Mux{
		sender:      sender,
		isServer:    isServer,
		streams:     make(map[uint32]*Stream),
		waiters:     make(map[uint32]*openWaiter),
		accept:      make(chan *Stream, DefaultAcceptBacklog),
		openTimeout: 5 * time.Second,
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OpenStream allocates a stream ID, sends OpenStream and blocks for the
// peer's StreamAck (or the open timeout / mux close).
func (m *Mux) OpenStream(proto frame.Protocol, class priority.Class, metadata map[string]string) (*Stream, error) {
	if !m.isServer {
		return nil, tunerr.New(tunerr.KindProtocol, "mux: only the server allocates stream ids")
	}
	if m.maxStreams > 0 && int64(m.StreamCount()) >= m.maxStreams {
		return nil, tunerr.New(tunerr.KindCapacity, "mux: max_streams_per_session reached").WithScope(tunerr.ScopeSession)
	}
	if m.allowStream != nil && !m.allowStream() {
		return nil, tunerr.New(tunerr.KindCapacity, "mux: stream rate limit exceeded").WithScope(tunerr.ScopeSession)
	}
	id := m.alloc.nextID()

	w := &openWaiter{result: make(chan openResult, 1)}
	m.mu.Lock()
	m.waiters[id] = w
	m.mu.Unlock()

	if err := m.sender.Enqueue(encodeControl(frame.OpenStream{StreamID: id, Protocol: proto, InitialMetadata: metadata}, class)); err != nil {
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
		return nil, tunerr.Wrap(tunerr.KindCapacity, "mux: open_stream enqueue", err)
	}

	timer := time.NewTimer(m.openTimeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res.stream, res.err
	case <-timer.C:
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
		return nil, tunerr.New(tunerr.KindTimeout, "mux: open_stream timed out awaiting StreamAck")
	case <-m.closed:
		return nil, tunerr.New(tunerr.KindTransport, "mux: closed while awaiting open_stream")
	}
}

// AcceptStream blocks until an inbound OpenStream request is available,
// or the mux closes.
func (m *Mux) AcceptStream() (*Stream, error) {
	select {
	case s := <-m.accept:
		return s, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

// Accept answers a pending inbound open request with StreamAck(Ok) and
// registers the stream for dispatch.
func (m *Mux) Accept(s *Stream) error {
	m.mu.Lock()
	m.streams[s.id] = s
	m.mu.Unlock()
	m.countStream(1)
	return m.sender.Enqueue(encodeControl(frame.StreamAck{StreamID: s.id, Status: frame.StreamOk}, priority.High))
}

// Reject answers a pending inbound open request with StreamAck(Refused).
func (m *Mux) Reject(s *Stream) error {
	return m.sender.Enqueue(encodeControl(frame.StreamAck{StreamID: s.id, Status: frame.StreamRefused}, priority.High))
}

// sendData frames payload as a Data frame (with FIN if fin) and submits
// it through the batched sender.
func (m *Mux) sendData(id uint32, class priority.Class, payload []byte, fin bool) error {
	var flags uint8
	if fin {
		flags = frame.FlagFin
	}
	if len(payload) > 0 && m.allowBytes != nil && !m.allowBytes(len(payload)) {
		return tunerr.New(tunerr.KindCapacity, "mux: byte rate limit exceeded").WithScope(tunerr.ScopeSession)
	}
	if m.onDataOut != nil && len(payload) > 0 {
		m.onDataOut(len(payload))
	}
	return m.sender.Enqueue(encodeControl(frame.Data{StreamID: id, Flags: flags, Payload: payload}, class))
}

func (m *Mux) sendClose(id uint32, reason frame.CloseReason) {
	_ = m.sender.Enqueue(encodeControl(frame.CloseStream{StreamID: id, Reason: reason}, priority.High))
}

// removeStream deletes id from the stream table once both halves are
// closed.
func (m *Mux) removeStream(id uint32) {
	m.mu.Lock()
	_, existed := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if existed {
		m.countStream(-1)
	}
}

// Dispatch routes one decoded inbound frame, per §4.4's dispatcher
// responsibilities. Returns an error only for conditions fatal to the
// whole session (an Error frame from the peer).
func (m *Mux) Dispatch(f frame.Frame) error {
	switch v := f.(type) {
	case frame.Data:
		return m.dispatchData(v)
	case frame.OpenStream:
		m.dispatchOpen(v)
		return nil
	case frame.StreamAck:
		m.dispatchAck(v)
		return nil
	case frame.CloseStream:
		m.dispatchClose(v)
		return nil
	case frame.ErrorFrame:
		return tunerr.New(tunerr.KindProtocol, "mux: peer signaled protocol error: "+v.Message)
	default:
		// Heartbeat/HeartbeatAck/PluginData/Handshake family are handled
		// by the session layer, which owns the dispatcher's frame loop
		// and only forwards stream-addressed frames here.
		return nil
	}
}

// dispatchData routes one inbound Data frame to its stream. Runs on the
// session's single frame-read loop, so a stream whose inbox is full
// parks here (inside onData) until the reader drains a slot, the stream
// resets, or the mux shuts down — lossless delivery per §4.4/§8.5, at
// the cost of stalling dispatch for every other stream on this session
// until it unblocks (the same connection-wide stall a single
// backpressured stream imposes in HTTP/2-style multiplexers).
func (m *Mux) dispatchData(d frame.Data) error {
	m.mu.RLock()
	s, ok := m.streams[d.StreamID]
	m.mu.RUnlock()
	if !ok {
		// Late Data after close: silently dropped, per §3 invariant.
		d.Release()
		return nil
	}

	s.onData(d)
	return nil
}

func (m *Mux) dispatchOpen(o frame.OpenStream) {
	s := newStream(o.StreamID, o.Protocol, priority.Normal, m)
	select {
	case m.accept <- s:
	default:
		// Accept backlog full: refuse immediately rather than blocking
		// the dispatcher task.
		_ = m.Reject(s)
	}
}

func (m *Mux) dispatchAck(a frame.StreamAck) {
	m.mu.Lock()
	w, ok := m.waiters[a.StreamID]
	if ok {
		delete(m.waiters, a.StreamID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if a.Status == frame.StreamRefused {
		w.result <- openResult{err: tunerr.New(tunerr.KindProtocol, "mux: stream refused").WithScope(tunerr.ScopeStream)}
		return
	}
	s := newStream(a.StreamID, frame.ProtocolTCP, priority.Normal, m)
	m.mu.Lock()
	m.streams[a.StreamID] = s
	m.mu.Unlock()
	m.countStream(1)
	w.result <- openResult{stream: s}
}

func (m *Mux) dispatchClose(c frame.CloseStream) {
	m.mu.RLock()
	s, ok := m.streams[c.StreamID]
	m.mu.RUnlock()
	if !ok {
		return // idempotent: already gone
	}
	s.onRemoteClose(c.Reason)
}

// Shutdown resets every live stream and unblocks AcceptStream, per the
// session teardown cascade (§4.5: "signal multiplexer to reset all
// streams").
func (m *Mux) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		streams := make([]*Stream, 0, len(m.streams))
		for _, s := range m.streams {
			streams = append(streams, s)
		}
		waiters := make([]*openWaiter, 0, len(m.waiters))
		for _, w := range m.waiters {
			waiters = append(waiters, w)
		}
		m.streams = make(map[uint32]*Stream)
		m.waiters = make(map[uint32]*openWaiter)
		m.mu.Unlock()

		for _, w := range waiters {
			select {
			case w.result <- openResult{err: tunerr.New(tunerr.KindTransport, "mux: session closed")}:
			default:
			}
		}
		for _, s := range streams {
			s.onRemoteClose(frame.CloseReset)
		}
	})
}

// StreamCount reports the number of live streams, for admission control
// and observability.
func (m *Mux) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

func encodeControl(f frame.Frame, class priority.Class) batch.Request {
	hdr, payload, err := codec.EncodeHeader(f)
	if err != nil {
		// Only reachable for a frame exceeding MaxFrameBytes; the sender
		// still needs a Request to return, so it carries no payload and
		// is dropped by the transport as a zero-length tail write. The
		// session layer is expected to validate sizes before this point
		// (e.g. chunking large Data writes), so this is a defensive path.
		return batch.Request{Priority: class}
	}
	var release func()
	if d, ok := f.(frame.Data); ok {
		release = d.Release
	}
	return batch.Request{Header: hdr, Payload: payload, Priority: class, Flush: isControlFrame(f), Release: release}
}

func isControlFrame(f frame.Frame) bool {
	switch f.(type) {
	case frame.Data:
		return false
	default:
		return true
	}
}
