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

// Package reconnect implements the client's exponential-backoff-with-
// full-jitter delay schedule (§4.11), grounded on the
// ForTunnels-client data-plane manager's EnsureSession retry wrapper
// (other_examples b6f79368_ForTunnels-client__internal-dataplane-tcp.go.go),
// adapted from its ad hoc retry loop into an explicit, independently
// testable policy type.
package reconnect

import (
	"math/rand"
	"sync/atomic"
	"time"
)

const (
	// DefaultBase is the starting delay before the first retry.
	DefaultBase = 1 * time.Second
	// DefaultMax caps the computed delay.
	DefaultMax = 60 * time.Second
	// StableResetAfter: a session considered Active for at least this
	// long resets the attempt counter to zero, per §4.11.
	StableResetAfter = 60 * time.Second
)

// Policy computes successive reconnect delays: min(base*2^attempt, max),
// with full jitter in [0, computed).
type Policy struct {
	Base time.Duration
	Max  time.Duration

	attempt atomic.Int64
}

// New returns a Policy with the given base/max, falling back to the
// spec defaults when either is zero.
func New(base, max time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Policy{Base: base, Max: max}
}

// Next advances the attempt counter and returns the jittered delay to
// wait before the next dial attempt.
func (p *Policy) Next() time.Duration {
	n := p.attempt.Add(1) - 1
	computed := p.Bound(n)
	if computed <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(computed)))
}

// Bound returns the un-jittered ceiling min(base*2^attempt, max) for the
// given (0-based) attempt number, exposed for observability and tests.
func (p *Policy) Bound(attempt int64) time.Duration {
	if attempt > 62 {
		attempt = 62 // avoid overflow on the 1<<attempt shift
	}
	d := p.Base * time.Duration(int64(1)<<uint(attempt))
	if d <= 0 || d > p.Max {
		d = p.Max
	}
	return d
}

// Reset zeroes the attempt counter, called once a dialed session has
// stayed Active for at least StableResetAfter.
func (p *Policy) Reset() {
	p.attempt.Store(0)
}

// Attempt reports the current (0-based) attempt count, for
// observability/tests.
func (p *Policy) Attempt() int64 {
	return p.attempt.Load()
}
