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

// Package batch implements the one-writer-per-session batched sender: it
// coalesces outgoing frame iovecs into vectored writes, honoring a priority
// shaper heap and an adaptive flush timer, per §4.3. The shaper-then-sender
// split and the heap-backed priority ordering are grounded directly on
// xtaci/smux's Session.shaperLoop/sendLoop (see other_examples' smux
// session.go references).
package batch

import (
	"container/heap"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/tunnel/internal/priority"
)

const (
	// DefaultQueueBound is the egress queue's non-blocking capacity.
	DefaultQueueBound = 1024
	// DefaultBatchMax flushes once this many frames have accumulated.
	DefaultBatchMax = 256

	minTimer = 25 * time.Microsecond
	maxTimer = 500 * time.Microsecond
	baseTimer = 50 * time.Microsecond
)

// ErrQueueFull is returned by Enqueue when the egress queue is saturated;
// callers observe this as backpressure, per §4.3.
var ErrQueueFull = errors.New("batch: egress queue full")

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("batch: sender closed")

// Writer is the subset of transport.Transport the sender needs.
type Writer interface {
	WriteVectored(bufs net.Buffers) (int64, error)
}

// Request is one outgoing frame, pre-split into its header and payload so
// the sender can submit both as separate iovecs without copying the
// payload (§4.3 "the writer never copies payloads").
type Request struct {
	Header   [5]byte
	Payload  []byte
	Priority priority.Class
	// Flush forces an immediate flush (a FIN or control frame demanding
	// it per §4.3), instead of waiting for BATCH_MAX or the timer.
	Flush bool
	// Release, if non-nil, is called after the frame has been handed to
	// the transport (e.g. Data.Release returning a pooled receive buffer).
	Release func()
	seq     uint64
}

// Sender is the per-session batched writer. One Sender per session, as
// the only task touching the transport's write half (§5).
type Sender struct {
	w   Writer
	max uint32

	queue chan Request
	die   chan struct{}
	dieOnce sync.Once

	seqCounter uint64

	// onEnqueue/onFlush/onOverload wire an owning session's
	// limits.InflightGuard into the sender without this package
	// depending on internal/limits, the same callback-option shape
	// mux.Mux uses for its own session counters.
	onEnqueue  func() bool
	onFlush    func()
	onOverload func()

	// instrumentation, read by tests / metrics
	timerNs int64 // atomic, current adaptive timer in nanoseconds
	flushes uint64
	frames  uint64
}

// Option configures a Sender at construction.
type Option func(*Sender)

// WithInflightAccounting wires a per-session in-flight frame ceiling
// into the sender (§4.12/§7's max_inflight_frames): onEnqueue is called
// once a frame has been queued and reports whether the session has just
// crossed its overload ceiling, onFlush once per frame handed off to
// the writer, and onOverload when onEnqueue reports overloaded, so the
// caller can tear the session down.
func WithInflightAccounting(onEnqueue func() bool, onFlush func(), onOverload func()) Option {
	return func(s *Sender) {
		s.onEnqueue = onEnqueue
		s.onFlush = onFlush
		s.onOverload = onOverload
	}
}

// New constructs a Sender bounded by queueBound (0 -> DefaultQueueBound)
// frames and flushing at batchMax (0 -> DefaultBatchMax) frames.
func New(w Writer, queueBound, batchMax int, opts ...Option) *Sender {
	if queueBound <= 0 {
		queueBound = DefaultQueueBound
	}
	if batchMax <= 0 {
		batchMax = DefaultBatchMax
	}
	s := &Sender{
		w:     w,
		max:   uint32(batchMax),
		queue: make(chan Request, queueBound),
		die:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	atomic.StoreInt64(&s.timerNs, int64(baseTimer))
	go s.run()
	return s
}

// Enqueue submits a frame for sending. Non-blocking: returns ErrQueueFull
// immediately if the bound is reached, never blocking the caller (§4.3).
func (s *Sender) Enqueue(req Request) error {
	select {
	case <-s.die:
		return ErrClosed
	default:
	}
	req.seq = atomic.AddUint64(&s.seqCounter, 1)
	select {
	case s.queue <- req:
		if s.onEnqueue != nil && s.onEnqueue() && s.onOverload != nil {
			s.onOverload()
		}
		return nil
	case <-s.die:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// CurrentTimer reports the sender's current adaptive flush delay, for
// tests and metrics.
func (s *Sender) CurrentTimer() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.timerNs))
}

func (s *Sender) run() {
	h := &reqHeap{}
	heap.Init(h)

	timer := time.NewTimer(s.CurrentTimer())
	defer timer.Stop()

	flush := func() {
		if h.Len() == 0 {
			return
		}
		n := h.Len()
		bufs := make(net.Buffers, 0, n*2)
		reqs := make([]Request, 0, n)
		for h.Len() > 0 {
			r := heap.Pop(h).(Request)
			hdr := make([]byte, len(r.Header))
			copy(hdr, r.Header[:])
			bufs = append(bufs, hdr)
			if len(r.Payload) > 0 {
				bufs = append(bufs, r.Payload)
			}
			reqs = append(reqs, r)
		}

		_, _ = s.w.WriteVectored(bufs)

		for _, r := range reqs {
			if r.Release != nil {
				r.Release()
			}
			if s.onFlush != nil {
				s.onFlush()
			}
		}

		atomic.AddUint64(&s.flushes, 1)
		atomic.AddUint64(&s.frames, uint64(n))
		s.adapt(n)
		timer.Reset(s.CurrentTimer())
	}

	for {
		select {
		case <-s.die:
			// Pull in whatever is still queued so the final flush covers it.
			for drained := false; !drained; {
				select {
				case req := <-s.queue:
					heap.Push(h, req)
				default:
					drained = true
				}
			}
			flush()
			return
		case req := <-s.queue:
			heap.Push(h, req)
			if h.Len() >= int(s.max) || req.Flush {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(s.CurrentTimer())
		}
	}
}

// adapt grows the flush timer toward maxTimer under sustained load (large
// batches) and shrinks it toward minTimer under sparse load, per §4.3's
// "monotone bounded function" open question — this implementation uses a
// simple proportional step, which satisfies the stated constraint without
// claiming to be the only valid shape.
func (s *Sender) adapt(batchSize int) {
	cur := time.Duration(atomic.LoadInt64(&s.timerNs))
	half := int(s.max) / 2
	if half < 1 {
		half = 1
	}
	switch {
	case batchSize >= half:
		cur = cur + (maxTimer-cur)/4
	default:
		cur = cur - (cur-minTimer)/4
	}
	if cur > maxTimer {
		cur = maxTimer
	}
	if cur < minTimer {
		cur = minTimer
	}
	atomic.StoreInt64(&s.timerNs, int64(cur))
}

// Shutdown drains pending frames (best effort, bounded by grace) and stops
// the sender. Safe to call multiple times.
func (s *Sender) Shutdown(grace time.Duration) {
	s.dieOnce.Do(func() {
		close(s.die)
	})
	// run()'s final flush happens synchronously on receipt of <-s.die;
	// grace bounds how long callers should wait for the goroutine to
	// observe it before giving up on drain semantics (the session layer
	// owns that wait via its own timer).
	_ = grace
}
