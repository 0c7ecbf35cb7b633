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

package upstream_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/upstream"
)

type rwPipe struct {
	r io.Reader
	w io.Writer
}

func (p rwPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p rwPipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func TestBridgeCopiesBothDirections(t *testing.T) {
	clientSide, peerArg := net.Pipe()
	upstreamSide, connArg := net.Pipe()

	done := make(chan upstream.Outcome, 1)
	go func() {
		done <- upstream.Bridge(peerArg, connArg)
	}()

	go func() {
		buf := make([]byte, 32)
		n, _ := upstreamSide.Read(buf)
		_, _ = upstreamSide.Write(buf[:n])
		_ = upstreamSide.Close()
	}()

	_, err := clientSide.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	clientSide.SetReadDeadline(time.Now().Add(time.Second))
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_ = clientSide.Close()

	select {
	case outcome := <-done:
		assert.Equal(t, upstream.Clean, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not return after both sides closed")
	}
}

func TestBridgeReturnsCleanOnGracefulEOF(t *testing.T) {
	var peerOut bytes.Buffer
	peerIn := bytes.NewReader([]byte("request-body"))
	peer := rwPipe{r: peerIn, w: &peerOut}

	// A TCP pair, unlike net.Pipe, supports CloseWrite, so the upstream
	// side sees the peer's EOF and can close in turn.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		b, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(io.Discard, b)
		_ = b.Close()
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer a.Close()

	outcome := upstream.Bridge(peer, a)
	assert.Equal(t, upstream.Clean, outcome)
}
