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

package limits

import (
	"time"

	"golang.org/x/time/rate"
)

// RatePolicy is the optional token-bucket layer §4.12 describes as
// "layered above" the hard caps: independent streams/sec and bytes/sec
// limiters per session. A zero RatePolicy (both limiters nil) means the
// policy is disabled, which is the engine's default.
type RatePolicy struct {
	streams *rate.Limiter
	bytes   *rate.Limiter
}

// NewRatePolicy builds a policy from streams-per-second and
// bytes-per-second ceilings. A ceiling of 0 disables that dimension's
// limiter entirely (AllowStream/AllowBytes always succeed for it).
func NewRatePolicy(streamsPerSec, bytesPerSec float64) *RatePolicy {
	p := &RatePolicy{}
	if streamsPerSec > 0 {
		p.streams = rate.NewLimiter(rate.Limit(streamsPerSec), maxBurst(streamsPerSec))
	}
	if bytesPerSec > 0 {
		p.bytes = rate.NewLimiter(rate.Limit(bytesPerSec), maxBurst(bytesPerSec))
	}
	return p
}

func maxBurst(perSec float64) int {
	b := int(perSec)
	if b < 1 {
		b = 1
	}
	return b
}

// AllowStream reports whether a new stream may open under the
// streams/sec limiter, consuming one token if so.
func (p *RatePolicy) AllowStream() bool {
	if p == nil || p.streams == nil {
		return true
	}
	return p.streams.Allow()
}

// AllowBytes reports whether n more bytes may be admitted under the
// bytes/sec limiter, consuming n tokens if so.
func (p *RatePolicy) AllowBytes(n int) bool {
	if p == nil || p.bytes == nil || n <= 0 {
		return true
	}
	return p.bytes.AllowN(time.Now(), n)
}
