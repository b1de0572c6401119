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

func TestNetworkCollectorExcludesVirtualInterfaces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "net"), 0o755))
	content := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:    1000       5    0    0    0     0          0         0     1000       5    0    0    0     0       0          0
  eth0:    2000      10    0    0    0     0          0         0     3000      15    1    0    0     0       0          0
veth123:    100       1    0    0    0     0          0         0      100       1    0    0    0     0       0          0
docker0:    500       2    0    0    0     0          0         0      500       2    0    0    0     0       0          0
  br-ab:    300       1    0    0    0     0          0         0      300       1    0    0    0     0       0          0
virbr0:     200       1    0    0    0     0          0         0      200       1    0    0    0     0       0          0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net", "dev"), []byte(content), 0o644))

	c := NewNetworkCollector(Config{ProcRoot: dir, Logger: logr.Discard()})
	var out snapshot.Network
	require.NoError(t, c.Sample(&out))

	require.Len(t, out.Interfaces, 1)
	require.Equal(t, "eth0", out.Interfaces[0].Name)
	require.EqualValues(t, 2000, out.Interfaces[0].RxBytes)
	require.EqualValues(t, 1, out.Interfaces[0].TxErrors)
}
