// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gpu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

const sampleInformation = `Model:           NVIDIA GeForce RTX 3080
IRQ:             89
GPU UUID:        GPU-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee
Video BIOS:      94.02.42.00.01
Bus Type:        PCIe
DMA Size:        47 bits
DMA Mask:        0x7fffffffffff
Bus Location:    0000:2b:00.0
Device Minor:    0
Blacklisted:     No
FB Memory Usage:
    Total:       10240 MiB
    Used:        1536 MiB
    Free:        8704 MiB
BAR1 Memory Usage:
    Total:       256 MiB
    Used:        10 MiB
    Free:        246 MiB
`

func TestParseProcDriverInformation(t *testing.T) {
	var d snapshot.GPUDevice
	parseProcDriverInformation(sampleInformation, &d)

	require.Equal(t, "NVIDIA GeForce RTX 3080", d.Name)
	require.Equal(t, "GPU-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", d.UUID)
	require.EqualValues(t, 10240*1024*1024, d.MemTotalBytes)
	require.EqualValues(t, 1536*1024*1024, d.MemUsedBytes)
}

func TestSampleProcDriver(t *testing.T) {
	dir := t.TempDir()
	gpuDir := filepath.Join(dir, "driver", "nvidia", "gpus", "0000:2b:00.0")
	require.NoError(t, os.MkdirAll(gpuDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gpuDir, "information"), []byte(sampleInformation), 0o644))

	c := NewDeviceCollector(logr.Discard(), dir, filepath.Join(dir, "sys"))
	devices := c.sampleProcDriver()
	require.Len(t, devices, 1)
	require.Equal(t, "NVIDIA GeForce RTX 3080", devices[0].Name)
	require.EqualValues(t, 10240*1024*1024, devices[0].MemTotalBytes)
}

func TestSampleProcDriverMissing(t *testing.T) {
	dir := t.TempDir()
	c := NewDeviceCollector(logr.Discard(), dir, filepath.Join(dir, "sys"))
	require.Nil(t, c.sampleProcDriver())
}
