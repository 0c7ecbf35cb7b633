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
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/upstream"
)

// fakeStream is a minimal upstream.AcceptableStream backed by one end of
// a net.Pipe, standing in for *mux.Stream in these tests.
type fakeStream struct {
	net.Conn
	id uint32
}

func (f fakeStream) ID() uint32 { return f.id }

type fakeSource struct {
	mu      sync.Mutex
	streams []fakeStream
	done    chan struct{}
}

func (s *fakeSource) AcceptStream() (upstream.AcceptableStream, error) {
	s.mu.Lock()
	if len(s.streams) == 0 {
		s.mu.Unlock()
		<-s.done
		return nil, errors.New("source closed")
	}
	st := s.streams[0]
	s.streams = s.streams[1:]
	s.mu.Unlock()
	return st, nil
}

func TestProxyBridgesAcceptedStreamToUpstream(t *testing.T) {
	clientEnd, streamEnd := net.Pipe()
	upstreamEnd, dialEnd := net.Pipe()

	dialer := func(ctx context.Context, key upstream.Key) (net.Conn, error) {
		return dialEnd, nil
	}
	pool := upstream.New(upstream.Config{SweepInterval: time.Hour}, dialer)
	defer pool.Close()

	target := upstream.Key{Host: "local", Port: 8080}
	src := &fakeSource{
		streams: []fakeStream{{Conn: streamEnd, id: 1}},
		done:    make(chan struct{}),
	}

	proxy := upstream.NewProxy(pool, func(upstream.AcceptableStream) upstream.Key { return target })

	runDone := make(chan error, 1)
	go func() { runDone <- proxy.Run(src) }()

	go func() {
		buf := make([]byte, 32)
		n, _ := upstreamEnd.Read(buf)
		_, _ = upstreamEnd.Write(buf[:n])
	}()

	_, err := clientEnd.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	clientEnd.SetReadDeadline(time.Now().Add(time.Second))
	n, err := clientEnd.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	close(src.done)
	_ = clientEnd.Close()
	_ = upstreamEnd.Close()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("proxy.Run did not return after source closed")
	}
}

var _ io.ReadWriteCloser = fakeStream{}
