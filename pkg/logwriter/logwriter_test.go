// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package logwriter

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

func TestRunRefusesToWriteBeforeFirstPublish(t *testing.T) {
	dir := t.TempDir()
	buffers := snapshot.NewBuffers()
	w := New(logr.Discard(), buffers, dir, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunWritesChunkAfterPublish(t *testing.T) {
	dir := t.TempDir()
	buffers := snapshot.NewBuffers()
	buffers.Back().CPU.TotalUtilization = 12.5
	buffers.Publish()

	w := New(logr.Discard(), buffers, dir, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	body, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(body), "montauk_scrape_timestamp_ms")
	require.Contains(t, string(body), "montauk_cpu_usage_percent 12.5")
}

func TestChunkPathNamesByLocalHour(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 5, 0, 0, time.Local)
	path := chunkPath("/var/log/montauk", ts)
	require.Equal(t, "/var/log/montauk/montauk_2026-07-31_14.prom", path)
}
