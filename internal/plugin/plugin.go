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

// Package plugin defines the two synchronous decision points the ingress
// layer invokes around every proxied request (§4.10): on_request sees
// only the request head (method, path, headers, remote address), never
// the body, so a hook cannot force the ingress to buffer an entire
// request into memory. The registry that owns hook instances and their
// configured order lives outside this package (per §4.10, "the plugin
// registry itself is external"); this package only fixes the Hook
// contract and the deterministic invocation of a Chain.
package plugin

import (
	"net/http"
)

// Action is a hook's verdict after inspecting a request or response
// head, mirroring §4.10's Action ∈ { Continue, ShortCircuit, Reject }.
type Action struct {
	kind     actionKind
	status   int
	body     []byte
	respHead http.Header
}

type actionKind uint8

const (
	actionContinue actionKind = iota
	actionShortCircuit
	actionReject
)

// Continue lets the request proceed to the next hook, and eventually to
// the upstream, unmodified.
func Continue() Action { return Action{kind: actionContinue} }

// ShortCircuit answers the request directly with respHead/body without
// ever reaching the upstream.
func ShortCircuit(respHead http.Header, body []byte) Action {
	return Action{kind: actionShortCircuit, respHead: respHead, body: body}
}

// Reject answers the request with a plain status/body, refusing it
// outright (e.g. a plugin-enforced auth or quota decision).
func Reject(status int, body []byte) Action {
	return Action{kind: actionReject, status: status, body: body}
}

// IsContinue reports whether the hook chain should keep evaluating.
func (a Action) IsContinue() bool { return a.kind == actionContinue }

// IsShortCircuit reports whether a hits answered the request itself.
func (a Action) IsShortCircuit() bool { return a.kind == actionShortCircuit }

// IsReject reports whether a hook refused the request.
func (a Action) IsReject() bool { return a.kind == actionReject }

// Status returns the response status for ShortCircuit/Reject actions,
// defaulting to 200 for a ShortCircuit that didn't set one explicitly
// and to the status passed to Reject otherwise.
func (a Action) Status() int {
	switch a.kind {
	case actionReject:
		return a.status
	case actionShortCircuit:
		if a.status == 0 {
			return http.StatusOK
		}
		return a.status
	default:
		return 0
	}
}

// Body returns the response body for ShortCircuit/Reject actions.
func (a Action) Body() []byte { return a.body }

// Header returns the response header set for a ShortCircuit action.
func (a Action) Header() http.Header { return a.respHead }

// RequestHead is everything on_request is allowed to see: method, path,
// headers and the caller's remote address, never the body.
type RequestHead struct {
	Method     string
	Path       string
	Header     http.Header
	RemoteAddr string
	TunnelID   string
}

// ResponseHead is what on_response is allowed to inspect.
type ResponseHead struct {
	Status int
	Header http.Header
}

// Hook is one plugin's decision points. Both methods must return
// quickly: per §5's task topology, plugin hooks are declared as
// returning promptly and are not suspension points, so a slow hook is a
// misuse of the contract rather than something the core works around.
type Hook interface {
	OnRequest(head RequestHead, ctx *Context) Action
	OnResponse(head ResponseHead, ctx *Context) Action
}

// Chain invokes a fixed, ordered list of Hooks deterministically,
// stopping at the first non-Continue verdict.
type Chain struct {
	hooks []Hook
}

// NewChain fixes the hook invocation order for the lifetime of the
// chain; order is a construction-time decision, not a runtime one.
func NewChain(hooks ...Hook) *Chain {
	return &Chain{hooks: hooks}
}

// OnRequest runs every hook's OnRequest in order, returning the first
// non-Continue Action, or Continue if every hook continued.
func (c *Chain) OnRequest(head RequestHead, ctx *Context) Action {
	for _, h := range c.hooks {
		if a := h.OnRequest(head, ctx); !a.IsContinue() {
			return a
		}
	}
	return Continue()
}

// OnResponse runs every hook's OnResponse in the same fixed order.
func (c *Chain) OnResponse(head ResponseHead, ctx *Context) Action {
	for _, h := range c.hooks {
		if a := h.OnResponse(head, ctx); !a.IsContinue() {
			return a
		}
	}
	return Continue()
}

// Len reports how many hooks are installed, for observability.
func (c *Chain) Len() int { return len(c.hooks) }
