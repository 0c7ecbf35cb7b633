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

// Package registry implements the process-wide tunnel_id -> Session
// mapping (§4.6): a session appears on successful registration and
// disappears on teardown, with lock-free reads for the HTTP ingress hot
// path. Grounded on nabbar-golib's atomic.MapAny usage pattern for
// process-wide concurrent registries, backed here by the engine's own
// generic pkg/atomic.SyncMap.
package registry

import (
	"github.com/nabbar/tunnel/pkg/atomic"
)

// Entry is the subset of session state the registry needs to hand back
// on lookup and to compare identity on deregister; the concrete Session
// type lives in package session, which depends on registry, not the
// other way around, so registry is expressed against this minimal
// interface to avoid an import cycle.
type Entry interface {
	TunnelID() string
}

// Status is the outcome of a registration attempt.
type Status uint8

const (
	Registered Status = iota
	Conflict
)

// Registry maps tunnel_id to the single live Entry claiming it.
type Registry struct {
	m *atomic.SyncMap[string, Entry]
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{m: atomic.NewSyncMap[string, Entry]()}
}

// Register claims tunnelID for e. Returns Conflict if another live entry
// already holds it, per §4.6.
func (r *Registry) Register(tunnelID string, e Entry) Status {
	_, loaded := r.m.LoadOrStore(tunnelID, e)
	if loaded {
		return Conflict
	}
	return Registered
}

// Lookup returns the entry currently registered under tunnelID, if any.
func (r *Registry) Lookup(tunnelID string) (Entry, bool) {
	return r.m.Load(tunnelID)
}

// Deregister removes tunnelID's entry, but only if it is still e — a
// no-op if a newer session has since replaced it, per §4.6.
func (r *Registry) Deregister(tunnelID string, e Entry) {
	r.m.CompareAndDelete(tunnelID, func(cur Entry) bool { return cur == e })
}

// List returns a snapshot of every currently registered tunnel_id, for
// observability reads.
func (r *Registry) List() []string {
	out := make([]string, 0, r.m.Len())
	r.m.Range(func(k string, _ Entry) bool {
		out = append(out, k)
		return true
	})
	return out
}

// Count reports the number of live registrations, for admission control
// (§4.12 process-wide session caps).
func (r *Registry) Count() int {
	return r.m.Len()
}
