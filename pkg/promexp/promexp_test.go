// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package promexp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

func renderMetrics(t *testing.T, s snapshot.Snapshot) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(New(func() snapshot.Snapshot { return s })))

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectEmitsPerCoreLabels(t *testing.T) {
	var s snapshot.Snapshot
	s.CPU.TotalUtilization = 42.5
	s.CPU.PerCore = []snapshot.CoreUtilization{
		{Index: 0, Utilization: 10},
		{Index: 3, Utilization: 99},
	}

	body := renderMetrics(t, s)
	require.Contains(t, body, `montauk_cpu_core_usage_percent{core="0"} 10`)
	require.Contains(t, body, `montauk_cpu_core_usage_percent{core="3"} 99`)
	require.Contains(t, body, "montauk_cpu_usage_percent 42.5")
}

func TestCollectEmitsCPUDutyCyclesAndCounterRates(t *testing.T) {
	var s snapshot.Snapshot
	s.CPU.UserPct = 12.5
	s.CPU.SystemPct = 4.5
	s.CPU.IOWaitPct = 1.0
	s.CPU.IRQPct = 0.5
	s.CPU.StealPct = 0.0
	s.CPU.ContextSwitchesPerSec = 1234.5
	s.CPU.InterruptsPerSec = 678.9

	body := renderMetrics(t, s)
	require.Contains(t, body, `montauk_cpu_duty_percent{mode="user"} 12.5`)
	require.Contains(t, body, `montauk_cpu_duty_percent{mode="system"} 4.5`)
	require.Contains(t, body, `montauk_cpu_duty_percent{mode="iowait"} 1`)
	require.Contains(t, body, `montauk_cpu_duty_percent{mode="irq"} 0.5`)
	require.Contains(t, body, "montauk_cpu_context_switches_per_second 1234.5")
	require.Contains(t, body, "montauk_cpu_interrupts_per_second 678.9")
}

func TestCollectEmitsMemoryInBytes(t *testing.T) {
	var s snapshot.Snapshot
	s.Memory.MemTotal = 16 * 1024 * 1024 * 1024
	s.Memory.UsedPct = 55.5

	body := renderMetrics(t, s)
	require.Contains(t, body, "montauk_memory_total_bytes 1.7179869184e+10")
	require.Contains(t, body, "montauk_memory_used_percent 55.5")
}

func TestCollectEmitsSecurityFindingCounts(t *testing.T) {
	var s snapshot.Snapshot
	s.Procs.Rows[0] = snapshot.Process{PID: 1, User: "root", ExePath: "/tmp/evil", Comm: "evil"}
	s.Procs.RowCount = 1

	body := renderMetrics(t, s)
	require.Contains(t, body, `montauk_security_findings{severity="warning"} 1`)
	require.Contains(t, body, `montauk_security_findings{severity="caution"} 0`)
	require.Contains(t, body, `montauk_security_findings{severity="info"} 0`)
}

func TestCollectOmitsGPUWhenNoDevicesReportUtil(t *testing.T) {
	var s snapshot.Snapshot
	body := renderMetrics(t, s)
	require.NotContains(t, body, "montauk_gpu_utilization_percent")
}
