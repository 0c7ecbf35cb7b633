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

package atomic

import "sync/atomic"

type boxed[T any] struct{ v T }

// Value is a type-safe wrapper around sync/atomic.Value with a configurable
// default returned on Load when nothing has been stored yet.
type Value[T any] struct {
	av atomic.Value
	df atomic.Value
}

// NewValue returns an initialized Value[T].
func NewValue[T any]() *Value[T] {
	return &Value[T]{}
}

// SetDefault configures the value returned by Load before any Store call.
func (o *Value[T]) SetDefault(def T) {
	o.df.Store(boxed[T]{v: def})
}

func (o *Value[T]) getDefault() T {
	var zero T
	if v, k := Cast[boxed[T]](o.df.Load()); k {
		return v.v
	}
	return zero
}

// Load returns the current value, or the configured default if empty.
func (o *Value[T]) Load() T {
	if v, k := Cast[boxed[T]](o.av.Load()); k {
		return v.v
	}
	return o.getDefault()
}

// Store sets the value atomically.
func (o *Value[T]) Store(v T) {
	o.av.Store(boxed[T]{v: v})
}

// Swap atomically stores v and returns the previous value.
func (o *Value[T]) Swap(v T) T {
	old := o.av.Swap(boxed[T]{v: v})
	if b, k := Cast[boxed[T]](old); k {
		return b.v
	}
	return o.getDefault()
}
