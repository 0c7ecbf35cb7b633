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

package plugin_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/plugin"
)

type recordingHook struct {
	name   string
	action plugin.Action
	calls  *[]string
}

func (h recordingHook) OnRequest(head plugin.RequestHead, ctx *plugin.Context) plugin.Action {
	if h.calls != nil {
		*h.calls = append(*h.calls, h.name+":request")
	}
	ctx.Set(h.name, true)
	return h.action
}

func (h recordingHook) OnResponse(head plugin.ResponseHead, ctx *plugin.Context) plugin.Action {
	if h.calls != nil {
		*h.calls = append(*h.calls, h.name+":response")
	}
	return h.action
}

func TestChainRunsAllHooksWhenEveryoneContinues(t *testing.T) {
	var calls []string
	chain := plugin.NewChain(
		recordingHook{name: "a", action: plugin.Continue(), calls: &calls},
		recordingHook{name: "b", action: plugin.Continue(), calls: &calls},
	)

	ctx := plugin.NewContext(context.Background())
	a := chain.OnRequest(plugin.RequestHead{Method: "GET", Path: "/x"}, ctx)
	require.True(t, a.IsContinue())
	assert.Equal(t, []string{"a:request", "b:request"}, calls)
	assert.True(t, ctx.GetBool("a"))
	assert.True(t, ctx.GetBool("b"))
}

func TestChainStopsAtFirstShortCircuit(t *testing.T) {
	var calls []string
	chain := plugin.NewChain(
		recordingHook{name: "a", action: plugin.ShortCircuit(http.Header{"X-Cache": {"hit"}}, []byte("cached")), calls: &calls},
		recordingHook{name: "b", action: plugin.Continue(), calls: &calls},
	)

	ctx := plugin.NewContext(context.Background())
	a := chain.OnRequest(plugin.RequestHead{Method: "GET", Path: "/x"}, ctx)

	require.True(t, a.IsShortCircuit())
	assert.Equal(t, []byte("cached"), a.Body())
	assert.Equal(t, []string{"a:request"}, calls)
}

func TestChainRejectCarriesStatusAndBody(t *testing.T) {
	chain := plugin.NewChain(recordingHook{name: "auth", action: plugin.Reject(http.StatusUnauthorized, []byte("no"))})
	a := chain.OnRequest(plugin.RequestHead{}, plugin.NewContext(context.Background()))

	require.True(t, a.IsReject())
	assert.Equal(t, http.StatusUnauthorized, a.Status())
	assert.Equal(t, []byte("no"), a.Body())
}

func TestContextGetMissingKeyReturnsZeroValue(t *testing.T) {
	ctx := plugin.NewContext(context.Background())
	assert.Equal(t, "", ctx.GetString("missing"))
	assert.False(t, ctx.GetBool("missing"))
	assert.Equal(t, 0, ctx.GetInt("missing"))
}

func TestContextMustGetPanicsOnMissingKey(t *testing.T) {
	ctx := plugin.NewContext(context.Background())
	assert.Panics(t, func() { ctx.MustGet("missing") })
}

func TestEmptyChainContinues(t *testing.T) {
	chain := plugin.NewChain()
	a := chain.OnRequest(plugin.RequestHead{}, plugin.NewContext(context.Background()))
	assert.True(t, a.IsContinue())
	assert.Equal(t, 0, chain.Len())
}
