// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

func TestEvaluateRequiresSustainedCPU(t *testing.T) {
	e := New(Rules{CPUTotalHighPct: 90, MemHighPct: 90, TopProcCPUPct: 80, Sustain: 3 * time.Second})
	base := time.Now()

	var s snapshot.Snapshot
	s.CPU.TotalUtilization = 95

	require.Empty(t, e.Evaluate(base, &s))
	require.Empty(t, e.Evaluate(base.Add(2*time.Second), &s))

	alerts := e.Evaluate(base.Add(3*time.Second), &s)
	require.Len(t, alerts, 1)
	require.Equal(t, snapshot.AlertSeverityCritical, alerts[0].Severity)
}

func TestEvaluateResetsSinceOnRecovery(t *testing.T) {
	e := New(Rules{CPUTotalHighPct: 90, MemHighPct: 90, TopProcCPUPct: 80, Sustain: 3 * time.Second})
	base := time.Now()

	var s snapshot.Snapshot
	s.CPU.TotalUtilization = 95
	e.Evaluate(base, &s)

	s.CPU.TotalUtilization = 10
	require.Empty(t, e.Evaluate(base.Add(1*time.Second), &s))

	s.CPU.TotalUtilization = 95
	require.Empty(t, e.Evaluate(base.Add(2*time.Second), &s))
	require.NotEmpty(t, e.Evaluate(base.Add(5*time.Second), &s))
}

func TestEvaluateTopProcessHasNoSustainWindow(t *testing.T) {
	e := New(DefaultRules())
	var s snapshot.Snapshot
	s.Procs.RowCount = 1
	s.Procs.Rows[0].CPUPct = 85

	alerts := e.Evaluate(time.Now(), &s)
	require.Len(t, alerts, 1)
	require.Equal(t, snapshot.AlertSeverityWarning, alerts[0].Severity)
}
