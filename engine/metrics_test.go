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

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packetd/h2mux/session"
)

func TestMetricsCollectorReportsOpenSessionsAndPeers(t *testing.T) {
	ctx, err := New(zap.NewNop(), Config{DefaultProto: session.ProtoH1})
	require.NoError(t, err)

	families, err := ctx.registry.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.Metric {
			switch {
			case m.GetGauge() != nil:
				byName[fam.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				byName[fam.GetName()] += m.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, float64(0), byName["h2mux_open_sessions"], "fresh context has no sessions")
	require.Equal(t, float64(0), byName["h2mux_open_peers"], "fresh context has no peers")
	require.Equal(t, float64(0), byName["h2mux_pump_bytes_total"], "fresh context has pumped no bytes")

	// reapTotalDesc is label-only: with an empty ReapCounts map it contributes
	// no samples at all, so the family itself must not appear.
	_, reaped := byName["h2mux_session_reap_total"]
	require.False(t, reaped, "fresh context has reaped no sessions")
}

func TestMetricsCollectorIsRegistered(t *testing.T) {
	ctx, err := New(zap.NewNop(), Config{DefaultProto: session.ProtoH1})
	require.NoError(t, err)

	require.NotNil(t, ctx.Registry())
	require.Equal(t, 1, testutil.CollectAndCount(metricsCollector{ctx: ctx}, "h2mux_pump_bytes_total"))
}
