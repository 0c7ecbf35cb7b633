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

// Package atomic provides generic, lock-free value and map containers built
// on top of sync/atomic.Value and sync.Map. The session registry is backed
// by SyncMap; the multiplexer's stream table and the per-session counters
// do not use this package.
package atomic

import "reflect"

// Cast safely converts an any to M, reporting whether the conversion held.
func Cast[M any](src any) (model M, casted bool) {
	if src == nil {
		return model, false
	}
	if reflect.DeepEqual(src, model) {
		return model, false
	}
	v, k := src.(M)
	if !k {
		return model, false
	}
	return v, true
}

// IsEmpty reports whether src is nil or cannot be cast to M.
func IsEmpty[M any](src any) bool {
	_, k := Cast[M](src)
	return !k
}
