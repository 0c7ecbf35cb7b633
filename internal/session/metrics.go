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

package session

import "github.com/prometheus/client_golang/prometheus"

// Per-session Prometheus series (§3's BytesIn/BytesOut/OpenStreams/
// HighWaterStream counters), labeled by session_id so a scrape reflects
// every live session without the package depending on any particular
// registry wiring beyond the default one.
var (
	metricBytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnel_session_bytes_in_total",
		Help: "Bytes read from the peer transport, per session.",
	}, []string{"session_id"})

	metricBytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnel_session_bytes_out_total",
		Help: "Bytes written to the peer transport, per session.",
	}, []string{"session_id"})

	metricOpenStreams = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnel_session_open_streams",
		Help: "Currently open multiplexed streams, per session.",
	}, []string{"session_id"})

	metricHighWaterStreams = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnel_session_high_water_streams",
		Help: "Highest number of concurrently open streams observed, per session.",
	}, []string{"session_id"})
)

func init() {
	prometheus.MustRegister(metricBytesIn, metricBytesOut, metricOpenStreams, metricHighWaterStreams)
}

// deleteMetrics drops this session's label set once it tears down, so a
// long-lived server doesn't accumulate a stale series per closed
// session.
func deleteMetrics(sessionID string) {
	metricBytesIn.DeleteLabelValues(sessionID)
	metricBytesOut.DeleteLabelValues(sessionID)
	metricOpenStreams.DeleteLabelValues(sessionID)
	metricHighWaterStreams.DeleteLabelValues(sessionID)
}
