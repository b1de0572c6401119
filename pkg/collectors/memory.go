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

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

var _ Named = (*MemoryCollector)(nil)

// MemoryCollector reads /proc/meminfo. All values are converted from
// kilobytes, as the kernel reports them, to bytes.
type MemoryCollector struct {
	base
	meminfoPath string
}

func NewMemoryCollector(cfg Config) *MemoryCollector {
	return &MemoryCollector{
		base:        newBase("memory", cfg),
		meminfoPath: filepath.Join(cfg.ProcRoot, "meminfo"),
	}
}

func (c *MemoryCollector) Sample(out *snapshot.Memory) error {
	f, err := os.Open(c.meminfoPath)
	if err != nil {
		return err
	}
	defer f.Close()

	fields := map[string]*uint64{
		"MemTotal":     &out.MemTotal,
		"MemFree":      &out.MemFree,
		"MemAvailable": &out.MemAvailable,
		"Buffers":      &out.Buffers,
		"Cached":       &out.Cached,
		"SwapTotal":    &out.SwapTotal,
		"SwapFree":     &out.SwapFree,
		"Dirty":        &out.Dirty,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		name := strings.TrimSuffix(parts[0], ":")
		ptr, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			c.Logger().V(2).Info("failed to parse meminfo field", "field", name, "value", parts[1])
			continue
		}
		*ptr = v * 1024
	}
	if err := scanner.Err(); err != nil {
		churn.Note(churn.Proc)
		return err
	}

	// Older kernels (pre-3.14) don't report MemAvailable; approximate it
	// the way /proc/meminfo's own documentation does.
	if out.MemAvailable == 0 {
		out.MemAvailable = out.MemFree + out.Buffers + out.Cached
	}

	if out.MemTotal > 0 {
		used := out.MemTotal - out.MemAvailable
		out.UsedPct = 100 * float64(used) / float64(out.MemTotal)
	}
	return nil
}
