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

package batch_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/batch"
	"github.com/nabbar/tunnel/internal/priority"
)

type recordingWriter struct {
	mu    sync.Mutex
	calls [][]byte
}

func (w *recordingWriter) WriteVectored(bufs net.Buffers) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	var joined []byte
	for _, b := range bufs {
		joined = append(joined, b...)
		total += int64(len(b))
	}
	w.calls = append(w.calls, joined)
	return total, nil
}

func (w *recordingWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.calls))
	copy(out, w.calls)
	return out
}

func TestEnqueueFlushesOnBatchMax(t *testing.T) {
	w := &recordingWriter{}
	s := batch.New(w, 16, 4)
	defer s.Shutdown(time.Second)

	for i := 0; i < 4; i++ {
		err := s.Enqueue(batch.Request{Header: [5]byte{byte(i)}, Priority: priority.Normal})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(w.snapshot()) >= 1
	}, time.Second, time.Millisecond)
}

func TestEnqueueFlushesOnFlag(t *testing.T) {
	w := &recordingWriter{}
	s := batch.New(w, 16, 256)
	defer s.Shutdown(time.Second)

	err := s.Enqueue(batch.Request{Header: [5]byte{1}, Priority: priority.Critical, Flush: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(w.snapshot()) >= 1
	}, time.Second, time.Millisecond)
}

func TestEnqueueFlushesOnTimer(t *testing.T) {
	w := &recordingWriter{}
	s := batch.New(w, 16, 256)
	defer s.Shutdown(time.Second)

	err := s.Enqueue(batch.Request{Header: [5]byte{1}, Priority: priority.Low})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(w.snapshot()) >= 1
	}, time.Second, time.Millisecond)
}

func TestQueueFullReturnsErrWithoutBlocking(t *testing.T) {
	// A writer that never returns keeps the run loop busy flushing so the
	// queue fills up and Enqueue must reject rather than block.
	block := make(chan struct{})
	w := &blockingWriter{block: block}
	s := batch.New(w, 1, 1)
	defer func() {
		close(block)
		s.Shutdown(time.Second)
	}()

	err := s.Enqueue(batch.Request{Header: [5]byte{1}, Priority: priority.Normal, Flush: true})
	require.NoError(t, err)

	var lastErr error
	require.Eventually(t, func() bool {
		lastErr = s.Enqueue(batch.Request{Header: [5]byte{2}, Priority: priority.Normal})
		return lastErr != nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, lastErr, batch.ErrQueueFull)
}

type blockingWriter struct {
	block chan struct{}
	n     int64
}

func (b *blockingWriter) WriteVectored(bufs net.Buffers) (int64, error) {
	atomic.AddInt64(&b.n, 1)
	<-b.block
	return 0, nil
}

func TestShutdownRejectsFurtherEnqueue(t *testing.T) {
	w := &recordingWriter{}
	s := batch.New(w, 16, 16)
	s.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		return s.Enqueue(batch.Request{Header: [5]byte{1}}) == batch.ErrClosed
	}, time.Second, time.Millisecond)
}

func TestReleaseCalledAfterFlush(t *testing.T) {
	w := &recordingWriter{}
	s := batch.New(w, 16, 1)
	defer s.Shutdown(time.Second)

	var released int32
	err := s.Enqueue(batch.Request{
		Header:   [5]byte{1},
		Priority: priority.Normal,
		Release:  func() { atomic.AddInt32(&released, 1) },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&released) == 1
	}, time.Second, time.Millisecond)
}

func TestAdaptiveTimerStaysWithinBounds(t *testing.T) {
	w := &recordingWriter{}
	s := batch.New(w, 1024, 8)
	defer s.Shutdown(time.Second)

	for i := 0; i < 64; i++ {
		_ = s.Enqueue(batch.Request{Header: [5]byte{byte(i)}, Priority: priority.Normal})
	}

	require.Eventually(t, func() bool {
		return len(w.snapshot()) > 0
	}, time.Second, time.Millisecond)

	timer := s.CurrentTimer()
	assert.GreaterOrEqual(t, timer, 25*time.Microsecond)
	assert.LessOrEqual(t, timer, 500*time.Microsecond)
}
