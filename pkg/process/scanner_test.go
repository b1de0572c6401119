// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

func TestScannerParsesProcesses(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  100 0 100 800 0 0 0 0 0 0\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "1", "stat"), []byte("1 (init) S 0 1 1 0 -1 4194560 100 0 0 0 10 5 0 0 20 0 1 0 100 1000 50 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0\n"), 0o644))

	s := NewScanner(logr.Discard(), root, 64, 10)
	var out snapshot.ProcessSnapshot
	require.NoError(t, s.Sample(&out))

	require.Equal(t, 1, out.TotalProcesses)
	require.Equal(t, int32(1), out.Rows[0].PID)
	require.Equal(t, "init", out.Rows[0].Comm)
}

func TestScannerSkipsNonNumericEntries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  0 0 0 0 0 0 0 0 0 0\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	s := NewScanner(logr.Discard(), root, 64, 10)
	var out snapshot.ProcessSnapshot
	require.NoError(t, s.Sample(&out))
	require.Equal(t, 0, out.TotalProcesses)
}
