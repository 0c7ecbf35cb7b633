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

package frame

import "sync"

// bufPool recycles receive buffers so the recv loop's steady-state Data
// path is allocation-free aside from the bookkeeping below, mirroring the
// shared-buffer pooling smux's recvLoop performs via its own allocator.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64*1024)
		return &b
	},
}

// buffer is a refcounted receive buffer. A single read may carry several
// Data frames; each frame that slices into the buffer retains it, and the
// buffer returns to the pool once every slice has been released.
type buffer struct {
	mu   sync.Mutex
	data []byte
	refs int
}

func newBuffer(size int) *buffer {
	p := bufPool.Get().(*[]byte)
	b := *p
	if cap(b) < size {
		b = make([]byte, size)
	} else {
		b = b[:size]
	}
	return &buffer{data: b, refs: 0}
}

func (b *buffer) retain() {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
}

func (b *buffer) release() {
	b.mu.Lock()
	b.refs--
	done := b.refs <= 0
	b.mu.Unlock()
	if done {
		d := b.data
		bufPool.Put(&d)
	}
}

// slice returns a Data frame payload view into the buffer, retaining it.
func (b *buffer) slice(off, n int) []byte {
	b.retain()
	return b.data[off : off+n]
}
