// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[process]
collector = "netlink"
max_procs = 64

[thresholds]
cpu_total_high_pct = 75.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "netlink", cfg.Process.Collector)
	require.Equal(t, 64, cfg.Process.MaxProcs)
	require.Equal(t, 256, cfg.Process.EnrichTopN) // unset, defaults preserved
	require.InDelta(t, 75.0, cfg.Thresholds.CPUTotalHighPct, 0.001)
	require.InDelta(t, 90.0, cfg.Thresholds.MemHighPct, 0.001) // unset, defaults preserved
}

func TestThresholdsSustain(t *testing.T) {
	th := Thresholds{SustainSeconds: 2.5}
	require.Equal(t, 2500*time.Millisecond, th.Sustain())
}

func TestLogIntervalDefaultsWhenZero(t *testing.T) {
	l := Log{IntervalSeconds: 0}
	require.Equal(t, time.Second, l.LogInterval())

	l = Log{IntervalSeconds: 0.5}
	require.Equal(t, 500*time.Millisecond, l.LogInterval())
}
