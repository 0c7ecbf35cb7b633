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

package mux

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/priority"
)

// DefaultQueueDepth is the per-direction queue bound, per §3 ("bounded
// capacity (default 128 frames each)").
const DefaultQueueDepth = 128

type halfState uint8

const (
	halfOpen halfState = iota
	halfClosed
)

// inboxItem is one payload parked in a Stream's inbox, paired with the
// release callback (if any) that returns its backing pooled buffer once
// Read has copied it out — never before, since the buffer may still be
// sitting unread in the channel.
type inboxItem struct {
	payload []byte
	release func()
}

// Stream is a bidirectional byte pipe multiplexed over one session's
// transport. Reads/writes are frame-addressed underneath but expose a
// byte-stream surface, matching §4.4's "bidirectional byte-pipe
// abstraction per stream."
type Stream struct {
	id       uint32
	protocol frame.Protocol
	class    priority.Class

	mux *Mux

	inbox chan inboxItem // peer -> local payloads, in arrival order

	mu             sync.Mutex
	pending        []byte // unread remainder of the front inbox item
	pendingRelease func()
	localHalf      halfState
	remoteHalf     halfState
	closeErr       error

	readDeadline  atomic.Value // time.Time
	writeDeadline atomic.Value // time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newStream(id uint32, proto frame.Protocol, class priority.Class, m *Mux) *Stream {
	s := &Stream{
		id:       id,
		protocol: proto,
		class:    class,
		mux:      m,
		inbox:    make(chan inboxItem, DefaultQueueDepth),
		done:     make(chan struct{}),
	}
	return s
}

// ID is the stream's wire identifier.
func (s *Stream) ID() uint32 { return s.id }

// Protocol is the application protocol this stream carries.
func (s *Stream) Protocol() frame.Protocol { return s.protocol }

// Priority is the stream's fixed-at-open scheduling class.
func (s *Stream) Priority() priority.Class { return s.class }

// Read implements io.Reader over the stream's inbound payload queue.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		rel := s.releaseIfDrainedLocked()
		s.mu.Unlock()
		if rel != nil {
			rel()
		}
		return n, nil
	}
	s.mu.Unlock()

	for {
		select {
		case item, ok := <-s.inbox:
			if !ok {
				return 0, io.EOF
			}
			n := copy(p, item.payload)
			if n < len(item.payload) {
				s.mu.Lock()
				s.pending = item.payload[n:]
				s.pendingRelease = item.release
				s.mu.Unlock()
			} else if item.release != nil {
				item.release()
			}
			return n, nil
		case <-s.done:
			s.mu.Lock()
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
	}
}

// releaseIfDrainedLocked returns (and clears) the pending item's release
// callback once its last byte has been copied out. Caller holds s.mu and
// must invoke the returned func after unlocking.
func (s *Stream) releaseIfDrainedLocked() func() {
	if len(s.pending) > 0 || s.pendingRelease == nil {
		return nil
	}
	rel := s.pendingRelease
	s.pendingRelease = nil
	return rel
}

// Write frames up p as a Data frame and submits it through the owning
// Mux's sender. Large writes are not automatically fragmented by the
// stream; callers above the multiplexer chunk at a sensible size.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.localHalf == halfClosed {
		s.mu.Unlock()
		return 0, errors.New(errors.KindProtocol, "mux: write on half-closed stream")
	}
	s.mu.Unlock()

	if err := s.mux.sendData(s.id, s.class, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite half-closes the local (write) direction, emitting a final
// Data frame with FIN set.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if s.localHalf == halfClosed {
		s.mu.Unlock()
		return nil
	}
	s.localHalf = halfClosed
	bothClosed := s.remoteHalf == halfClosed
	s.mu.Unlock()

	err := s.mux.sendData(s.id, s.class, nil, true)
	if bothClosed {
		s.mux.removeStream(s.id)
	}
	return err
}

// Close tears the stream down locally (Reset) and removes it from the
// owning multiplexer. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mux.sendClose(s.id, frame.CloseReset)
		s.mux.removeStream(s.id)
	})
	return nil
}

// SetReadDeadline and SetWriteDeadline satisfy net.Conn-shaped embedding
// used by the HTTP ingress/upstream bridging layers. The deadline is only
// stored: delivery is queue-based, not socket-based, and neither Read nor
// Write consults it, so no deadline is enforced.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDeadline.Store(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.Store(t)
	return nil
}

// onData delivers an inbound Data frame. Called by the Mux dispatcher on
// its single per-session dispatch path, so a full inbox parks the push
// here rather than dropping it (§4.4, §8.5: delivery is lossless) —
// which in turn stalls that dispatch path, applying backpressure to the
// whole session until the stream's reader drains a slot, is reset, or
// the mux is shut down. The frame's pooled receive buffer, if any, is
// released once the payload has actually been handed off (queued for a
// reader, or discarded because the stream/mux is already gone) — never
// before, since until then it may still be unread.
func (s *Stream) onData(d frame.Data) {
	if len(d.Payload) > 0 {
		select {
		case s.inbox <- inboxItem{payload: d.Payload, release: d.Release}:
		case <-s.done:
			d.Release()
		case <-s.mux.closed:
			d.Release()
		}
	} else {
		d.Release()
	}
	if d.Fin() {
		s.mu.Lock()
		already := s.remoteHalf == halfClosed
		s.remoteHalf = halfClosed
		both := s.localHalf == halfClosed
		s.mu.Unlock()
		if !already {
			close(s.inbox) // wakes blocked readers once pending items drain
		}
		if both {
			s.mux.removeStream(s.id)
		}
	}
}

// onRemoteClose marks the remote half closed with the given reason,
// independent of a FIN-bearing Data frame (i.e. an explicit CloseStream).
func (s *Stream) onRemoteClose(reason frame.CloseReason) {
	s.mu.Lock()
	if s.remoteHalf == halfClosed {
		s.mu.Unlock()
		return
	}
	s.remoteHalf = halfClosed
	s.closeErr = reasonError(reason)
	both := s.localHalf == halfClosed
	s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if both {
		s.mux.removeStream(s.id)
	}
}

func reasonError(r frame.CloseReason) error {
	switch r {
	case frame.CloseComplete:
		return io.EOF
	case frame.CloseUpstreamUnreachable:
		return errors.New(errors.KindUpstream, "mux: upstream unreachable")
	default:
		return errors.New(errors.KindTransport, "mux: stream reset")
	}
}
