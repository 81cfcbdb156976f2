// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	openSessionsDesc = prometheus.NewDesc(
		"h2mux_open_sessions", "Sessions currently registered with the event loop.", nil, nil)
	openPeersDesc = prometheus.NewDesc(
		"h2mux_open_peers", "Peer session pools registered with the context.", nil, nil)
	reapTotalDesc = prometheus.NewDesc(
		"h2mux_session_reap_total", "Cumulative sessions reaped, labeled by close reason.", []string{"reason"}, nil)
	pumpBytesDesc = prometheus.NewDesc(
		"h2mux_pump_bytes_total", "Cumulative bytes pumped through Recv/Send across all sessions.", nil, nil)
)

// metricsCollector 把一个存活的 Context 适配为 prometheus.Collector
//
// 每个值都在抓取时现算 而不是在 Context 内部再维护一份重复的计数器
type metricsCollector struct {
	ctx *Context
}

func (c metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- openSessionsDesc
	ch <- openPeersDesc
	ch <- reapTotalDesc
	ch <- pumpBytesDesc
}

func (c metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.ctx.Snapshot()
	ch <- prometheus.MustNewConstMetric(openSessionsDesc, prometheus.GaugeValue, float64(snap.Sessions))
	ch <- prometheus.MustNewConstMetric(openPeersDesc, prometheus.GaugeValue, float64(snap.Peers))

	for reason, count := range c.ctx.loop.ReapCounts() {
		ch <- prometheus.MustNewConstMetric(reapTotalDesc, prometheus.CounterValue, float64(count), reason.String())
	}
	ch <- prometheus.MustNewConstMetric(pumpBytesDesc, prometheus.CounterValue, float64(c.ctx.loop.PumpBytes()))
}
