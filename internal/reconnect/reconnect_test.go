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

package reconnect_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nabbar/tunnel/internal/reconnect"
)

func TestNextNeverExceedsMax(t *testing.T) {
	p := reconnect.New(10*time.Millisecond, 100*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := p.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 100*time.Millisecond)
	}
}

func TestNextGrowsWithAttempts(t *testing.T) {
	p := reconnect.New(1*time.Millisecond, time.Hour)
	first := p.Bound(0)
	fifth := p.Bound(5)
	assert.Less(t, first, fifth)
}

func TestBoundClampsToMax(t *testing.T) {
	p := reconnect.New(time.Second, 10*time.Second)
	assert.Equal(t, 10*time.Second, p.Bound(10))
}

func TestResetZeroesAttempt(t *testing.T) {
	p := reconnect.New(time.Millisecond, time.Second)
	p.Next()
	p.Next()
	assert.Equal(t, int64(2), p.Attempt())
	p.Reset()
	assert.Equal(t, int64(0), p.Attempt())
}

func TestDefaultsAppliedWhenZero(t *testing.T) {
	p := reconnect.New(0, 0)
	assert.Equal(t, reconnect.DefaultBase, p.Base)
	assert.Equal(t, reconnect.DefaultMax, p.Max)
}
