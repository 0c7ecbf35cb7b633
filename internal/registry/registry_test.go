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

package registry_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nabbar/tunnel/internal/registry"
)

type fakeEntry struct {
	id string
}

func (f *fakeEntry) TunnelID() string { return f.id }

func TestRegisterLookupDeregister(t *testing.T) {
	r := registry.New()
	e := &fakeEntry{id: "alpha"}

	assert.Equal(t, registry.Registered, r.Register("alpha", e))

	got, ok := r.Lookup("alpha")
	assert.True(t, ok)
	assert.Same(t, e, got)

	r.Deregister("alpha", e)
	_, ok = r.Lookup("alpha")
	assert.False(t, ok)
}

func TestRegisterConflict(t *testing.T) {
	r := registry.New()
	first := &fakeEntry{id: "dup"}
	second := &fakeEntry{id: "dup"}

	assert.Equal(t, registry.Registered, r.Register("dup", first))
	assert.Equal(t, registry.Conflict, r.Register("dup", second))

	got, ok := r.Lookup("dup")
	assert.True(t, ok)
	assert.Same(t, first, got)
}

func TestDeregisterNoopIfReplaced(t *testing.T) {
	r := registry.New()
	stale := &fakeEntry{id: "x"}
	r.Register("x", stale)
	r.Deregister("x", stale)

	fresh := &fakeEntry{id: "x"}
	assert.Equal(t, registry.Registered, r.Register("x", fresh))

	// A deregister carrying the old (now-replaced) entry must not evict
	// the newer registration.
	r.Deregister("x", stale)
	got, ok := r.Lookup("x")
	assert.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestListSnapshot(t *testing.T) {
	r := registry.New()
	r.Register("a", &fakeEntry{id: "a"})
	r.Register("b", &fakeEntry{id: "b"})

	got := r.List()
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, r.Count())
}
