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

import (
	"encoding/binary"
	"errors"
)

// ErrMalformed is returned for any structurally invalid control payload.
var ErrMalformed = errors.New("frame: malformed payload")

// appendUvarint appends n as a protobuf-style base-128 varint.
func appendUvarint(b []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	return append(b, tmp[:l]...)
}

// readUvarint reads a varint from b, returning the value, bytes consumed,
// and false if b does not contain a complete varint.
func readUvarint(b []byte) (uint64, int, bool) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, false
	}
	return v, n, true
}

// appendBytes appends a varint length prefix followed by p.
func appendBytes(b []byte, p []byte) []byte {
	b = appendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

// readBytes reads a length-prefixed byte string, returning a copy (control
// frames are small; copying keeps their structs self-contained after the
// read buffer is reused).
func readBytes(b []byte) ([]byte, int, bool) {
	l, n, ok := readUvarint(b)
	if !ok {
		return nil, 0, false
	}
	total := n + int(l)
	if total < 0 || total > len(b) {
		return nil, 0, false
	}
	out := make([]byte, l)
	copy(out, b[n:total])
	return out, total, true
}

func appendString(b []byte, s string) []byte {
	return appendBytes(b, []byte(s))
}

func readString(b []byte) (string, int, bool) {
	p, n, ok := readBytes(b)
	if !ok {
		return "", 0, false
	}
	return string(p), n, true
}
