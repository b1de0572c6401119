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

var _ Named = (*CPUCollector)(nil)

// CPUCollector reads /proc/stat on every Sample. /proc/cpuinfo is read at
// the start of any Sample call whose output has neither a model name nor a
// logical thread count yet, to populate the identity fields (model name,
// physical core count, logical thread count) that don't change at runtime.
//
// Utilization is derived from the delta between two consecutive reads of
// the same field, so the first Sample call after process start reports
// zero. Prior values are kept per CPU index and never dropped, so a CPU
// index that disappears and reappears (e.g. hot-unplug) is compared against
// the values it had before it disappeared.
type CPUCollector struct {
	base
	statPath    string
	cpuinfoPath string

	lastTotal map[int32]jiffies
	lastAt    time.Time
	lastCtxt  uint64
	lastIntr  uint64
}

type jiffies struct {
	user, nice, system, idle, iowait, irq, softirq, steal, guest, guestNice uint64
}

func (j jiffies) work() uint64 {
	return j.user + j.nice + j.system + j.irq + j.softirq + j.steal
}

func (j jiffies) total() uint64 {
	return j.work() + j.idle + j.iowait
}

// NewCPUCollector returns a CPUCollector rooted at cfg.ProcRoot.
func NewCPUCollector(cfg Config) *CPUCollector {
	return &CPUCollector{
		base:        newBase("cpu", cfg),
		statPath:    filepath.Join(cfg.ProcRoot, "stat"),
		cpuinfoPath: filepath.Join(cfg.ProcRoot, "cpuinfo"),
		lastTotal:   make(map[int32]jiffies),
	}
}

// Sample reads /proc/stat and updates out with the aggregate and per-core
// utilization since the previous Sample call.
func (c *CPUCollector) Sample(out *snapshot.CPU) error {
	if out.ModelName == "" && out.LogicalThreads == 0 {
		c.loadIdentity(out)
	}

	f, err := os.Open(c.statPath)
	if err != nil {
		return err
	}
	defer f.Close()

	now := time.Now()
	var elapsed float64
	if !c.lastAt.IsZero() {
		elapsed = now.Sub(c.lastAt).Seconds()
	}

	var cores []snapshot.CoreUtilization
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "ctxt"):
			c.sampleCounter(line, &out.ContextSwitches, &out.ContextSwitchesPerSec, &c.lastCtxt, elapsed)
			continue
		case strings.HasPrefix(line, "intr"):
			c.sampleCounter(line, &out.Interrupts, &out.InterruptsPerSec, &c.lastIntr, elapsed)
			continue
		case !strings.HasPrefix(line, "cpu"):
			continue
		}
		cu, idx, ok := parseStatLine(line)
		if !ok {
			c.Logger().V(2).Info("failed to parse /proc/stat line", "line", line)
			continue
		}
		j := jiffies{cu.User, cu.Nice, cu.System, cu.Idle, cu.IOWait, cu.IRQ, cu.SoftIRQ, cu.Steal, cu.Guest, cu.GuestNice}
		var dTotal, dUser, dSystem, dIOWait, dIRQ, dSteal uint64
		if last, ok := c.lastTotal[idx]; ok {
			dTotal = diff(j.total(), last.total())
			dWork := diff(j.work(), last.work())
			if dTotal > 0 {
				cu.Utilization = 100 * float64(dWork) / float64(dTotal)
			}
			dUser = diff(j.user, last.user) + diff(j.nice, last.nice)
			dSystem = diff(j.system, last.system)
			dIOWait = diff(j.iowait, last.iowait)
			dIRQ = diff(j.irq, last.irq) + diff(j.softirq, last.softirq)
			dSteal = diff(j.steal, last.steal)
		}
		c.lastTotal[idx] = j
		cu.Index = idx
		if idx == -1 {
			out.TotalUtilization = cu.Utilization
			out.User, out.Nice, out.System = cu.User, cu.Nice, cu.System
			out.Idle, out.IOWait = cu.Idle, cu.IOWait
			out.IRQ, out.SoftIRQ, out.Steal = cu.IRQ, cu.SoftIRQ, cu.Steal
			if dTotal > 0 {
				out.UserPct = 100 * float64(dUser) / float64(dTotal)
				out.SystemPct = 100 * float64(dSystem) / float64(dTotal)
				out.IOWaitPct = 100 * float64(dIOWait) / float64(dTotal)
				out.IRQPct = 100 * float64(dIRQ) / float64(dTotal)
				out.StealPct = 100 * float64(dSteal) / float64(dTotal)
			} else {
				out.UserPct, out.SystemPct, out.IOWaitPct, out.IRQPct, out.StealPct = 0, 0, 0, 0, 0
			}
		} else {
			cores = append(cores, cu)
		}
	}
	if err := scanner.Err(); err != nil {
		churn.Note(churn.Proc)
		return err
	}
	out.PerCore = cores
	c.lastAt = now
	return nil
}

// sampleCounter parses a "ctxt <n>" or "intr <n> ..." /proc/stat line (intr
// carries per-IRQ breakdowns after the total; only the total is used here),
// stores the cumulative counter, and derives its wall-clock-delta rate the
// same way every other counter-derived rate in this pipeline is derived: 0
// if there's no prior sample or the counter went backwards.
func (c *CPUCollector) sampleCounter(line string, cumulative *uint64, perSec *float64, last *uint64, elapsed float64) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return
	}
	*cumulative = v
	if elapsed > 0 && v >= *last {
		*perSec = float64(v-*last) / elapsed
	} else {
		*perSec = 0
	}
	*last = v
}

func diff(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// parseStatLine parses one "cpu"/"cpuN" line from /proc/stat. idx is -1 for
// the aggregate line.
func parseStatLine(line string) (snapshot.CoreUtilization, int32, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return snapshot.CoreUtilization{}, 0, false
	}
	label := fields[0]
	idx := int32(-1)
	if label != "cpu" {
		n, err := strconv.Atoi(strings.TrimPrefix(label, "cpu"))
		if err != nil {
			return snapshot.CoreUtilization{}, 0, false
		}
		idx = int32(n)
	}

	vals := make([]uint64, 0, 10)
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			break
		}
		vals = append(vals, v)
	}
	get := func(i int) uint64 {
		if i < len(vals) {
			return vals[i]
		}
		return 0
	}
	return snapshot.CoreUtilization{
		User:      get(0),
		Nice:      get(1),
		System:    get(2),
		Idle:      get(3),
		IOWait:    get(4),
		IRQ:       get(5),
		SoftIRQ:   get(6),
		Steal:     get(7),
		Guest:     get(8),
		GuestNice: get(9),
	}, idx, true
}

func (c *CPUCollector) loadIdentity(out *snapshot.CPU) {
	f, err := os.Open(c.cpuinfoPath)
	if err != nil {
		c.Logger().V(1).Info("cpuinfo unavailable", "error", err)
		return
	}
	defer f.Close()

	// coresPerPhysID sums "cpu cores" (the package-wide core count cpuinfo
	// repeats on every logical-thread block) once per distinct physical id,
	// matching the original's "sum of cpu cores per physical id group".
	coresPerPhysID := make(map[string]int)
	logical := 0
	curPhysID := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "processor"):
			logical++
			curPhysID = ""
		case strings.HasPrefix(line, "model name") && out.ModelName == "":
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				out.ModelName = strings.TrimSpace(parts[1])
			}
		case strings.HasPrefix(line, "physical id"):
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				curPhysID = strings.TrimSpace(parts[1])
			}
		case strings.HasPrefix(line, "cpu cores"):
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && curPhysID != "" {
					coresPerPhysID[curPhysID] = n
				}
			}
		}
	}
	out.LogicalThreads = logical
	if len(coresPerPhysID) > 0 {
		total := 0
		for _, n := range coresPerPhysID {
			total += n
		}
		out.PhysicalCores = total
	} else {
		out.PhysicalCores = logical
	}
	if out.ModelName == "" {
		out.ModelName = "unknown"
	}
}
