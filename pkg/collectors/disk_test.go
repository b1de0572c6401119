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

func TestDiskCollectorExcludesVirtualDevices(t *testing.T) {
	dir := t.TempDir()
	content := `   8       0 sda 100 0 2000 10 50 0 1000 20 0 30 30
   7       0 loop0 5 0 10 1 0 0 0 0 0 1 1
   1       0 ram0 3 0 6 0 0 0 0 0 0 0 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diskstats"), []byte(content), 0o644))

	c := NewDiskCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.Disk
	require.NoError(t, c.Sample(&out))

	require.Len(t, out.Devices, 1)
	require.Equal(t, "sda", out.Devices[0].Name)
	require.EqualValues(t, 100, out.Devices[0].ReadsCompleted)
	require.EqualValues(t, 2000*sectorBytes, out.Devices[0].ReadBytes)
}
