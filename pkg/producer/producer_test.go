// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package producer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// writeFixtureRoots builds the minimal /proc and /sys trees the collectors
// need to succeed instead of merely failing closed.
func writeFixtureRoots(t *testing.T) (procRoot, sysRoot string) {
	t.Helper()
	procRoot = t.TempDir()
	sysRoot = t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "stat"), []byte("cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 100 0 100 800 0 0 0 0 0 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "meminfo"), []byte("MemTotal: 1000 kB\nMemFree: 200 kB\nMemAvailable: 400 kB\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "net", "dev"), []byte("Inter-|Receive|Transmit\n face |bytes\n  eth0:100 1 0 0 0 0 0 0 100 1 0 0 0 0 0 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "diskstats"), []byte("   8       0 sda 1 0 100 1 0 0 0 0 0 1 1\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "1", "stat"), []byte("1 (init) S 0 1 1 0 -1 4194560 100 0 0 0 10 5 0 0 20 0 1 0 100 1000 50 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0\n"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "hwmon"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "thermal"), 0o755))
	return procRoot, sysRoot
}

func TestTrackedPIDsExtractsRowPIDs(t *testing.T) {
	var procs snapshot.ProcessSnapshot
	procs.Rows[0] = snapshot.Process{PID: 111}
	procs.Rows[1] = snapshot.Process{PID: 222}
	procs.RowCount = 2

	pids := trackedPIDs(&procs)
	require.Equal(t, []int32{111, 222}, pids)
}

func TestProducerRunPublishesASnapshot(t *testing.T) {
	procRoot, sysRoot := writeFixtureRoots(t)
	buffers := snapshot.NewBuffers()

	cfg := DefaultConfig(logr.Discard(), procRoot, sysRoot)
	cfg.MaxProcs = 8
	cfg.EnrichTopN = 8
	cfg.CPUPeriod, cfg.MemoryPeriod = 5*time.Millisecond, 5*time.Millisecond
	cfg.PublishPeriod = 5 * time.Millisecond

	p := New(cfg, buffers)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	front := buffers.Front()
	require.Greater(t, front.Seq, uint64(0))
	require.Equal(t, 1, front.Procs.TotalProcesses)
	require.GreaterOrEqual(t, front.Procs.RowCount, 1)
}
