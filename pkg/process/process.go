// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package process implements the three process-table collector variants:
// a plain /proc directory scan, an event-driven collector fed by the
// kernel's process-events netlink connector, and a generic-netlink variant
// for hosts running the companion kernel module. All three fill the same
// snapshot.ProcessSnapshot shape so the producer can swap between them
// without the rest of the pipeline noticing.
package process

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/arcspire/telemetryd/pkg/churn"
	"github.com/arcspire/telemetryd/pkg/procfs"
	"github.com/arcspire/telemetryd/pkg/snapshot"
)

// Collector is implemented by all three process-table variants.
type Collector interface {
	// Init prepares the collector, returning false if its required kernel
	// facility (e.g. CAP_NET_ADMIN for netlink) isn't available. The
	// scanner variant always returns true.
	Init() bool
	Sample(out *snapshot.ProcessSnapshot) error
	Shutdown()
}

// EnvCollectorOverride names the environment variable that forces a
// specific variant, mirroring the original's MONTAUK_COLLECTOR switch.
const EnvCollectorOverride = "TELEMETRYD_PROCESS_COLLECTOR"

// Select picks a process collector per EnvCollectorOverride ("scanner",
// "netlink", "kernelmodule"), defaulting to trying netlink first and
// falling back to the directory scanner when netlink's Init fails (no
// CAP_NET_ADMIN, sandboxed container, etc).
func Select(logger logr.Logger, procRoot string, maxProcs, enrichTopN int) Collector {
	scanner := NewScanner(logger, procRoot, maxProcs, enrichTopN)

	switch os.Getenv(EnvCollectorOverride) {
	case "scanner":
		return scanner
	case "kernelmodule":
		km := NewKernelModuleCollector(logger, procRoot, maxProcs, enrichTopN)
		if km.Init() {
			return km
		}
		logger.Info("kernel-module process collector unavailable, falling back to scanner")
		return scanner
	case "netlink":
		nl := NewNetlinkCollector(logger, procRoot, maxProcs, enrichTopN)
		if nl.Init() {
			return nl
		}
		logger.Info("netlink process collector unavailable, falling back to scanner")
		return scanner
	default:
		nl := NewNetlinkCollector(logger, procRoot, maxProcs, enrichTopN)
		if nl.Init() {
			return nl
		}
		return scanner
	}
}

// readCPUTotal reads the aggregate "cpu " line from /proc/stat and sums all
// fields, matching the process collector's own lightweight total used for
// scaling per-process CPU percentages (distinct from pkg/collectors.CPU,
// which derives richer per-core stats).
func readCPUTotal(procRoot string) uint64 {
	txt, ok := procfs.ReadFileString(filepath.Join(procRoot, "stat"))
	if !ok {
		return 0
	}
	lines := strings.SplitN(txt, "\n", 2)
	if len(lines) == 0 {
		return 0
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return 0
	}
	var total uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			break
		}
		total += v
	}
	return total
}

func readCPUCount(procRoot string) int {
	txt, ok := procfs.ReadFileString(filepath.Join(procRoot, "stat"))
	if !ok {
		return 1
	}
	count := 0
	first := true
	for _, line := range strings.Split(txt, "\n") {
		if !strings.HasPrefix(line, "cpu") {
			if !first {
				break
			}
			continue
		}
		if first {
			first = false
			continue
		}
		if len(line) >= 4 && line[3] >= '0' && line[3] <= '9' {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}

// parseStat parses /proc/<pid>/stat, returning state, ppid, utime, stime,
// rss (pages), and comm. It finds comm between the first '(' and the last
// ')' since the command itself may contain parentheses or spaces.
func parseStat(content string) (state byte, ppid int32, utime, stime uint64, rssPages int64, comm string, ok bool) {
	lp := strings.IndexByte(content, '(')
	rp := strings.LastIndexByte(content, ')')
	if lp < 0 || rp < 0 || rp < lp {
		return 0, 0, 0, 0, 0, "", false
	}
	comm = content[lp+1 : rp]
	rest := strings.Fields(content[rp+2:])
	// rest[0]=state rest[1]=ppid ... 9 fields skipped ... rest[11]=utime rest[12]=stime
	// ... 7 fields skipped ... rest[20]=vsize rest[21]=rss(pages)
	if len(rest) < 22 {
		return 0, 0, 0, 0, 0, comm, false
	}
	if len(rest[0]) > 0 {
		state = rest[0][0]
	}
	if v, err := strconv.ParseInt(rest[1], 10, 32); err == nil {
		ppid = int32(v)
	}
	if v, err := strconv.ParseUint(rest[11], 10, 64); err == nil {
		utime = v
	}
	if v, err := strconv.ParseUint(rest[12], 10, 64); err == nil {
		stime = v
	}
	if v, err := strconv.ParseInt(rest[21], 10, 64); err == nil {
		rssPages = v
	}
	return state, ppid, utime, stime, rssPages, comm, true
}

func readCmdline(procRoot string, pid int32) string {
	path := filepath.Join(procRoot, strconv.Itoa(int(pid)), "cmdline")
	b, ok := procfs.ReadFileBytes(path)
	if !ok {
		return ""
	}
	var sb strings.Builder
	sep := true
	for _, c := range b {
		if c == 0 {
			if !sep {
				sb.WriteByte(' ')
				sep = true
			}
			continue
		}
		sb.WriteByte(c)
		sep = false
	}
	return strings.TrimRight(sb.String(), " ")
}

func readExePath(procRoot string, pid int32) string {
	path := filepath.Join(procRoot, strconv.Itoa(int(pid)), "exe")
	target, ok := procfs.ReadSymlink(path)
	if !ok {
		return ""
	}
	return target
}

type statusInfo struct {
	user        string
	threadCount int
}

var (
	userCacheMu sync.Mutex
	userCache   = map[uint32]string{}
)

func userNameCached(uid uint32) string {
	userCacheMu.Lock()
	if name, ok := userCache[uid]; ok {
		userCacheMu.Unlock()
		return name
	}
	userCacheMu.Unlock()

	name := strconv.FormatUint(uint64(uid), 10)
	if f, err := os.Open("/etc/passwd"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			parts := strings.SplitN(scanner.Text(), ":", 4)
			if len(parts) < 3 {
				continue
			}
			if fuid, err := strconv.ParseUint(parts[2], 10, 32); err == nil && uint32(fuid) == uid {
				name = parts[0]
				break
			}
		}
	}

	userCacheMu.Lock()
	userCache[uid] = name
	userCacheMu.Unlock()
	return name
}

func infoFromStatus(procRoot string, pid int32) statusInfo {
	var info statusInfo
	path := filepath.Join(procRoot, strconv.Itoa(int(pid)), "status")
	txt, ok := procfs.ReadFileString(path)
	if !ok {
		churn.Note(churn.Proc)
		return info
	}
	for _, line := range strings.Split(txt, "\n") {
		switch {
		case strings.HasPrefix(line, "Uid:"):
			fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
			if len(fields) > 0 {
				if uid, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
					info.user = userNameCached(uint32(uid))
				}
			}
		case strings.HasPrefix(line, "Threads:"):
			if v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Threads:"))); err == nil {
				info.threadCount = v
			}
		}
	}
	return info
}
