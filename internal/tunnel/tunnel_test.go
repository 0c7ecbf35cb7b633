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

package tunnel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nabbar/tunnel/internal/tunnel"
)

func TestHashTokenDeterministicAndTokenLength(t *testing.T) {
	h1 := tunnel.HashToken("shared-secret")
	h2 := tunnel.HashToken("shared-secret")
	assert.Equal(t, h1, h2)
	assert.LessOrEqual(t, len(h1), tunnel.MaxTokenHashLen)
}

func TestTokensEqual(t *testing.T) {
	a := tunnel.HashToken("one")
	b := tunnel.HashToken("one")
	c := tunnel.HashToken("two")
	assert.True(t, tunnel.TokensEqual(a, b))
	assert.False(t, tunnel.TokensEqual(a, c))
	assert.False(t, tunnel.TokensEqual(a, []byte("short")))
}

func TestNegotiateVersionPicksLowerMax(t *testing.T) {
	chosen, ok := tunnel.NegotiateVersion(1, 3, 1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint16(2), chosen)
}

func TestNegotiateVersionMismatch(t *testing.T) {
	_, ok := tunnel.NegotiateVersion(3, 4, 1, 2)
	assert.False(t, ok)
}
