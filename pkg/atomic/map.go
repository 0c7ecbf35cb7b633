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

import "sync"

// SyncMap is a type-safe wrapper around sync.Map, a concurrent map that is
// lock-free for readers. The tunnel registry (tunnel_id -> session) uses
// it; the multiplexer's stream table is a mutex-guarded map of its own.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// NewSyncMap returns an initialized SyncMap[K,V].
func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{}
}

func (o *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, k := o.m.Load(key)
	if !k {
		return value, false
	}
	return Cast[V](v)
}

func (o *SyncMap[K, V]) Store(key K, value V) {
	o.m.Store(key, value)
}

func (o *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, l := o.m.LoadOrStore(key, value)
	actual, _ = Cast[V](v)
	return actual, l
}

func (o *SyncMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	v, l := o.m.LoadAndDelete(key)
	if !l {
		return value, false
	}
	return Cast[V](v)
}

func (o *SyncMap[K, V]) Delete(key K) {
	o.m.Delete(key)
}

// CompareAndDelete deletes the entry for key if its current value equals old,
// comparing by identity through the provided equality function. sync.Map's
// native CompareAndDelete requires comparable values; V is not constrained
// to comparable here, so callers needing atomic delete-if-owner semantics
// (the session registry's deregister) pass an equality predicate.
func (o *SyncMap[K, V]) CompareAndDelete(key K, eq func(V) bool) (deleted bool) {
	v, ok := o.Load(key)
	if !ok {
		return false
	}
	if !eq(v) {
		return false
	}
	return o.m.CompareAndDelete(key, v)
}

func (o *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	o.m.Range(func(k, v any) bool {
		key, kok := Cast[K](k)
		val, vok := Cast[V](v)
		if !kok || !vok {
			return true
		}
		return f(key, val)
	})
}

// Len returns the number of entries. O(n); intended for observability reads
// (Session Registry's list()), not hot-path admission checks.
func (o *SyncMap[K, V]) Len() int {
	n := 0
	o.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
