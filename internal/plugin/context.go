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

package plugin

import (
	"context"
	"sync"
	"time"
)

// Context carries per-request state between a chain's OnRequest and its
// matching OnResponse call, plus the underlying request's cancellation
// signal. The Set/Get/GetString family mirrors nabbar-golib's
// context.GinTonic wrapper around gin.Context's own Keys map
// (context/ginTonic.go), generalized here to not depend on gin so the
// plugin package stays usable from the raw-TCP ingress path too.
type Context struct {
	context.Context

	mu   sync.RWMutex
	keys map[string]interface{}
}

// NewContext wraps parent with a fresh key/value bag scoped to one
// proxied request's lifetime.
func NewContext(parent context.Context) *Context {
	if parent == nil {
		parent = context.Background()
	}
	return &Context{Context: parent, keys: make(map[string]interface{})}
}

func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = value
}

func (c *Context) Get(key string) (value interface{}, exists bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, exists = c.keys[key]
	return
}

func (c *Context) MustGet(key string) interface{} {
	if v, ok := c.Get(key); ok {
		return v
	}
	panic("plugin: key \"" + key + "\" does not exist")
}

func (c *Context) GetString(key string) (s string) {
	if v, ok := c.Get(key); ok {
		s, _ = v.(string)
	}
	return
}

func (c *Context) GetBool(key string) (b bool) {
	if v, ok := c.Get(key); ok {
		b, _ = v.(bool)
	}
	return
}

func (c *Context) GetInt(key string) (i int) {
	if v, ok := c.Get(key); ok {
		i, _ = v.(int)
	}
	return
}

func (c *Context) GetDuration(key string) (d time.Duration) {
	if v, ok := c.Get(key); ok {
		d, _ = v.(time.Duration)
	}
	return
}
