// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gpu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// sampleProcDriver parses /proc/driver/nvidia/gpus/<pci-id>/information,
// the legacy NVIDIA kernel-module proc tree. Unlike NVML this requires no
// shared library, so it still reports device identity and framebuffer
// usage on a host that has the kernel module loaded but not libnvidia-ml
// (common in minimal base images and some container runtimes).
func (c *DeviceCollector) sampleProcDriver() []snapshot.GPUDevice {
	root := filepath.Join(c.procRoot, "driver", "nvidia", "gpus")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	devices := make([]snapshot.GPUDevice, 0, len(entries))
	for i, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(root, e.Name(), "information"))
		if err != nil {
			continue
		}
		d := snapshot.GPUDevice{Index: i}
		parseProcDriverInformation(string(b), &d)
		devices = append(devices, d)
	}
	return devices
}

// parseProcDriverInformation fills in d from the textual "information" file
// format, e.g.:
//
//	Model:           NVIDIA GeForce RTX 3080
//	GPU UUID:        GPU-xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
//	FB Memory Usage:
//	    Total:       10240 MiB
//	    Used:        1024 MiB
func parseProcDriverInformation(text string, d *snapshot.GPUDevice) {
	var inFB bool
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Model:"):
			d.Name = strings.TrimSpace(strings.TrimPrefix(trimmed, "Model:"))
		case strings.HasPrefix(trimmed, "GPU UUID:"):
			d.UUID = strings.TrimSpace(strings.TrimPrefix(trimmed, "GPU UUID:"))
		case strings.HasPrefix(trimmed, "FB Memory Usage:"):
			inFB = true
			continue
		case inFB && line != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t"):
			// Any unindented line (e.g. "BAR1 Memory Usage:") ends the FB block.
			inFB = false
		case inFB && strings.HasPrefix(trimmed, "Total:"):
			d.MemTotalBytes = parseMiBField(trimmed, "Total:")
		case inFB && strings.HasPrefix(trimmed, "Used:"):
			d.MemUsedBytes = parseMiBField(trimmed, "Used:")
		case inFB && trimmed == "":
			inFB = false
		}
	}
}

// parseMiBField extracts the leading integer from a "<prefix> <N> MiB" line
// and returns it in bytes.
func parseMiBField(line, prefix string) uint64 {
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n * 1024 * 1024
}
