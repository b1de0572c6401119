// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

func writeStat(t *testing.T, dir string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0o644))
}

func TestCPUCollectorFirstSampleHasZeroUtilization(t *testing.T) {
	dir := t.TempDir()
	writeStat(t, dir, "cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 100 0 100 800 0 0 0 0 0 0\n")

	c := NewCPUCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.CPU
	require.NoError(t, c.Sample(&out))

	require.Equal(t, 0.0, out.TotalUtilization)
	require.Len(t, out.PerCore, 1)
}

func TestCPUCollectorComputesDeltaUtilization(t *testing.T) {
	dir := t.TempDir()
	writeStat(t, dir, "cpu  100 0 100 800 0 0 0 0 0 0\n")
	c := NewCPUCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.CPU
	require.NoError(t, c.Sample(&out))

	// work increases by 100 (user +50, system +50), total by 200 (work+idle)
	writeStat(t, dir, "cpu  150 0 150 900 0 0 0 0 0 0\n")
	require.NoError(t, c.Sample(&out))

	require.InDelta(t, 50.0, out.TotalUtilization, 0.001)
}

func TestCPUCollectorSkipsUnparsableLines(t *testing.T) {
	dir := t.TempDir()
	writeStat(t, dir, "cpufreq 1 2 3\ncpu  1 2 3 4 0 0 0 0 0 0\n")
	c := NewCPUCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.CPU
	require.NoError(t, c.Sample(&out))
}

func TestCPUCollectorComputesDutyCyclePercentsAndCounterRates(t *testing.T) {
	dir := t.TempDir()
	writeStat(t, dir, "cpu  100 0 100 800 0 0 0 0 0 0\nctxt 1000\nintr 2000 0 0\n")
	c := NewCPUCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.CPU
	require.NoError(t, c.Sample(&out))

	require.EqualValues(t, 1000, out.ContextSwitches)
	require.EqualValues(t, 2000, out.Interrupts)
	require.Equal(t, 0.0, out.ContextSwitchesPerSec)
	require.Equal(t, 0.0, out.InterruptsPerSec)

	// user +50, system +50, idle +100 => work delta 100, total delta 200
	writeStat(t, dir, "cpu  150 0 150 900 0 0 0 0 0 0\nctxt 1500\nintr 2300 0 0\n")
	require.NoError(t, c.Sample(&out))

	require.InDelta(t, 25.0, out.UserPct, 0.001)
	require.InDelta(t, 25.0, out.SystemPct, 0.001)
	require.Equal(t, 0.0, out.IOWaitPct)
	require.Equal(t, 0.0, out.IRQPct)
	require.Equal(t, 0.0, out.StealPct)
	require.EqualValues(t, 1500, out.ContextSwitches)
	require.EqualValues(t, 2300, out.Interrupts)
	require.Greater(t, out.ContextSwitchesPerSec, 0.0)
	require.Greater(t, out.InterruptsPerSec, 0.0)
}

func TestCPUCollectorPhysicalCoresSumsAcrossSockets(t *testing.T) {
	dir := t.TempDir()
	writeStat(t, dir, "cpu  0 0 0 0 0 0 0 0 0 0\n")
	cpuinfo := `processor	: 0
model name	: Test CPU
physical id	: 0
cpu cores	: 4

processor	: 1
model name	: Test CPU
physical id	: 0
cpu cores	: 4

processor	: 2
model name	: Test CPU
physical id	: 1
cpu cores	: 4

processor	: 3
model name	: Test CPU
physical id	: 1
cpu cores	: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte(cpuinfo), 0o644))

	c := NewCPUCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.CPU
	require.NoError(t, c.Sample(&out))

	require.Equal(t, 4, out.LogicalThreads)
	require.Equal(t, 8, out.PhysicalCores)
	require.Equal(t, "Test CPU", out.ModelName)
}
