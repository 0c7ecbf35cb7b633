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

package upstream

import "github.com/prometheus/client_golang/prometheus"

// Pool-wide Prometheus series for §4.9's checkout/eviction bookkeeping.
// Unlike the per-session series in internal/session, these are not
// labeled per-Key: a tunnel server may front an unbounded number of
// distinct upstream addresses over its lifetime, and an unbounded label
// cardinality is exactly the failure mode Prometheus users are warned
// away from, so hits/misses/evictions are tracked in aggregate only.
var (
	metricAcquireHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_upstream_pool_acquire_hit_total",
		Help: "Acquire calls satisfied from an idle or shared pooled connection.",
	})
	metricAcquireMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_upstream_pool_acquire_miss_total",
		Help: "Acquire calls that dialed a fresh upstream connection.",
	})
	metricIdleEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_upstream_pool_idle_evicted_total",
		Help: "Idle pooled connections closed by the eviction sweep.",
	})
)

func init() {
	prometheus.MustRegister(metricAcquireHit, metricAcquireMiss, metricIdleEvicted)
}
