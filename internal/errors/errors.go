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

// Package errors classifies every failure the engine can raise into the
// taxonomy of kinds fixed by the error handling design: Protocol,
// Authentication, Capacity, Overload, Transport, Upstream, Timeout and
// Configuration. Each Kind carries a default propagation Scope (Stream,
// Session or Process) so callers do not have to re-derive it at each call
// site.
package errors

import (
	"fmt"
)

// Kind classifies the nature of a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindProtocol
	KindAuthentication
	KindCapacity
	KindOverload
	KindTransport
	KindUpstream
	KindTimeout
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindCapacity:
		return "capacity"
	case KindOverload:
		return "overload"
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Scope is how far an error propagates.
type Scope uint8

const (
	ScopeStream Scope = iota
	ScopeSession
	ScopeProcess
)

func (s Scope) String() string {
	switch s {
	case ScopeStream:
		return "stream"
	case ScopeSession:
		return "session"
	case ScopeProcess:
		return "process"
	default:
		return "unknown"
	}
}

// defaultScope maps a Kind to the Scope it propagates to per §7, absent a
// more specific scope supplied at the call site.
func defaultScope(k Kind) Scope {
	switch k {
	case KindProtocol, KindTransport:
		return ScopeSession
	case KindAuthentication:
		return ScopeSession
	case KindCapacity:
		return ScopeStream
	case KindOverload:
		return ScopeSession
	case KindUpstream:
		return ScopeStream
	case KindTimeout:
		return ScopeStream
	case KindConfiguration:
		return ScopeProcess
	default:
		return ScopeStream
	}
}

// Error is the engine's coded error type. It wraps an optional parent so
// errors.Is/errors.As continue to work across the chain.
type Error struct {
	kind    Kind
	scope   Scope
	message string
	parent  error
}

// New creates an Error of the given kind with the default scope for that kind.
func New(k Kind, message string) *Error {
	return &Error{kind: k, scope: defaultScope(k), message: message}
}

// Wrap creates an Error of the given kind, chaining parent.
func Wrap(k Kind, message string, parent error) *Error {
	return &Error{kind: k, scope: defaultScope(k), message: message, parent: parent}
}

// WithScope overrides the default scope (e.g. a Capacity error that should
// tear down the whole session instead of just refusing the operation).
func (e *Error) WithScope(s Scope) *Error {
	e.scope = s
	return e
}

func (e *Error) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.parent)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.parent }

func (e *Error) Kind() Kind   { return e.kind }
func (e *Error) Scope() Scope { return e.scope }

// Is supports errors.Is(err, Protocol) style sentinel-by-kind matching when
// the target is itself an *Error created via New with no message compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.kind, true
	}
	return KindUnknown, false
}

// as is a tiny local errors.As to avoid importing the stdlib name twice in
// call sites that already alias "errors" to this package.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
