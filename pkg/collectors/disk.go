// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Named = (*DiskCollector)(nil)

const sectorBytes = 512

// DiskCollector reads /proc/diskstats and derives IO-time-based
// utilization percentage from the delta against the previous sample.
type DiskCollector struct {
	base
	path string

	lastAt time.Time
	last   map[string]diskLast
}

type diskLast struct {
	reads, writes, readSectors, writeSectors, ioTimeMs uint64
}

func NewDiskCollector(cfg Config) *DiskCollector {
	return &DiskCollector{
		base: newBase("disk", cfg),
		path: filepath.Join(cfg.ProcRoot, "diskstats"),
		last: make(map[string]diskLast),
	}
}

// excludedDevicePrefixes names the virtual block devices this collector
// skips; loop and ram devices don't represent real storage hardware.
var excludedDevicePrefixes = []string{"loop", "ram"}

func excludedDevice(name string) bool {
	for _, p := range excludedDevicePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (c *DiskCollector) Sample(out *snapshot.Disk) error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	now := time.Now()
	var elapsedMs float64
	if !c.lastAt.IsZero() {
		elapsedMs = float64(now.Sub(c.lastAt).Milliseconds())
	}

	var devices []snapshot.DiskDevice
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 14 {
			continue
		}
		name := fields[2]
		if excludedDevice(name) {
			continue
		}
		reads, _ := strconv.ParseUint(fields[3], 10, 64)
		readSectors, _ := strconv.ParseUint(fields[5], 10, 64)
		writes, _ := strconv.ParseUint(fields[7], 10, 64)
		writeSectors, _ := strconv.ParseUint(fields[9], 10, 64)
		ioTimeMs, _ := strconv.ParseUint(fields[12], 10, 64)

		dd := snapshot.DiskDevice{
			Name:            name,
			ReadsCompleted:  reads,
			WritesCompleted: writes,
			ReadBytes:       readSectors * sectorBytes,
			WriteBytes:      writeSectors * sectorBytes,
			IOTimeMs:        ioTimeMs,
		}
		if prev, ok := c.last[name]; ok && elapsedMs > 0 {
			dIO := diff(ioTimeMs, prev.ioTimeMs)
			dd.UtilizationPct = 100 * float64(dIO) / elapsedMs
			if dd.UtilizationPct > 100 {
				dd.UtilizationPct = 100
			}
		}
		c.last[name] = diskLast{reads, writes, readSectors, writeSectors, ioTimeMs}
		devices = append(devices, dd)
	}
	if err := scanner.Err(); err != nil {
		churn.Note(churn.Proc)
		return err
	}
	c.lastAt = now
	out.Devices = devices
	return nil
}
