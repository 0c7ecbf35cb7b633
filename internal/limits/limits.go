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

// Package limits enforces the per-process and per-session hard caps of
// §4.12: the process-wide admission ceiling on concurrent sessions, the
// per-session cap on open streams, and the in-flight-frame ceiling that
// trips an overload teardown. Admission is a weighted semaphore in the
// style of nabbar-golib's semaphore/sem wrapper around
// golang.org/x/sync/semaphore.Weighted (that package's own source was
// not part of the retrieved material, only its ginkgo test suite, so the
// New(ctx, n)-with-zero-meaning-default idiom below is inferred from
// semaphore/sem/construction_test.go rather than copied from a source
// file that doesn't exist in the pack).
package limits

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/nabbar/tunnel/internal/errors"
)

const (
	// DefaultMaxSessions is the process-wide concurrent session ceiling.
	DefaultMaxSessions = 1000
	// DefaultMaxStreamsPerSession caps concurrently open streams on one
	// session; OpenStream beyond this replies StreamAck(Refused).
	DefaultMaxStreamsPerSession = 100
	// DefaultMaxFrameBytes caps a single decoded frame's payload size;
	// exceeding it is a fatal protocol error.
	DefaultMaxFrameBytes = 16 << 20
	// DefaultMaxInflightFrames caps frames queued-but-unflushed on one
	// session before it is torn down as overloaded.
	DefaultMaxInflightFrames = 100_000
	// DefaultMaxIdlePerHost caps idle pooled upstream connections kept
	// per host; beyond it the oldest idle entry is dropped.
	DefaultMaxIdlePerHost = 32
)

// Config is the resolved set of admission-control values, populated from
// configuration at process start and never mutated afterward.
type Config struct {
	MaxSessions          int64
	MaxStreamsPerSession int64
	MaxFrameBytes        int64
	MaxInflightFrames    int64
	MaxIdlePerHost       int64
}

// WithDefaults fills any zero field with its spec default.
func (c Config) WithDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxStreamsPerSession <= 0 {
		c.MaxStreamsPerSession = DefaultMaxStreamsPerSession
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.MaxInflightFrames <= 0 {
		c.MaxInflightFrames = DefaultMaxInflightFrames
	}
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = DefaultMaxIdlePerHost
	}
	return c
}

// SessionAdmitter gates the process-wide concurrent session count with a
// weighted semaphore, the way nabbar-golib's semaphore/sem wraps
// golang.org/x/sync/semaphore.Weighted. A weight of 1 per session is
// used throughout; the weighted primitive is kept (rather than a plain
// counting one) purely because it is the pack's own idiom for this kind
// of admission gate.
type SessionAdmitter struct {
	sem *semaphore.Weighted
	max int64
}

// NewSessionAdmitter builds an admitter for at most max concurrent
// sessions. max <= 0 falls back to runtime.GOMAXPROCS(0)-proportional
// sizing only when the caller passed zero meaning "unset"; the engine's
// own default is DefaultMaxSessions and is applied by the caller via
// Config.WithDefaults, not here.
func NewSessionAdmitter(max int64) *SessionAdmitter {
	if max <= 0 {
		max = int64(runtime.GOMAXPROCS(0)) * DefaultMaxSessions
	}
	return &SessionAdmitter{sem: semaphore.NewWeighted(max), max: max}
}

// TryAdmit attempts to admit one more session without blocking. It
// returns a Capacity-kind error (mapped by the handshake layer to
// HandshakeAck(Busy)) when the process is already at max_sessions.
func (a *SessionAdmitter) TryAdmit() (release func(), err error) {
	if !a.sem.TryAcquire(1) {
		return nil, errors.New(errors.KindCapacity, "limits: max_sessions reached").WithScope(errors.ScopeProcess)
	}
	var once int32
	return func() {
		if atomic.CompareAndSwapInt32(&once, 0, 1) {
			a.sem.Release(1)
		}
	}, nil
}

// Acquire blocks (respecting ctx) until a session slot is available.
// Only used by callers that want to wait rather than fail fast; the
// control-plane listener uses TryAdmit instead, per §4.12's "new
// handshake is refused immediately" behavior.
func (a *SessionAdmitter) Acquire(ctx context.Context) (release func(), err error) {
	if err = a.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(errors.KindCapacity, "limits: session admission", err)
	}
	var once int32
	return func() {
		if atomic.CompareAndSwapInt32(&once, 0, 1) {
			a.sem.Release(1)
		}
	}, nil
}

// StreamAdmitter gates one session's concurrently open stream count.
type StreamAdmitter struct {
	open atomic.Int64
	max  int64
}

// NewStreamAdmitter builds an admitter for at most max concurrently open
// streams on one session.
func NewStreamAdmitter(max int64) *StreamAdmitter {
	if max <= 0 {
		max = DefaultMaxStreamsPerSession
	}
	return &StreamAdmitter{max: max}
}

// TryOpen increments the open-stream count if doing so would not exceed
// the configured maximum, returning whether the stream may proceed.
func (a *StreamAdmitter) TryOpen() bool {
	for {
		cur := a.open.Load()
		if cur >= a.max {
			return false
		}
		if a.open.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Closed decrements the open-stream count; callers invoke it exactly
// once per stream that previously succeeded at TryOpen.
func (a *StreamAdmitter) Closed() {
	a.open.Add(-1)
}

// Count reports the current number of open streams, for observability.
func (a *StreamAdmitter) Count() int64 {
	return a.open.Load()
}

// InflightGuard counts frames enqueued-but-not-yet-flushed on a session
// and flags overload once MaxInflightFrames is exceeded.
type InflightGuard struct {
	count atomic.Int64
	max   int64
}

func NewInflightGuard(max int64) *InflightGuard {
	if max <= 0 {
		max = DefaultMaxInflightFrames
	}
	return &InflightGuard{max: max}
}

// Enqueued records one more in-flight frame and reports whether the
// session has crossed the overload ceiling and must be torn down.
func (g *InflightGuard) Enqueued() (overloaded bool) {
	return g.count.Add(1) > g.max
}

// Flushed records that one in-flight frame has left the queue.
func (g *InflightGuard) Flushed() {
	g.count.Add(-1)
}

// Depth reports the current in-flight frame count.
func (g *InflightGuard) Depth() int64 {
	return g.count.Load()
}
